// Package config loads service settings from defaults, an optional YAML file,
// a .env file and ORGDASH_* environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "ORGDASH_"

type Config struct {
	Listen     string         `yaml:"listen"`
	GRPCListen string         `yaml:"grpc_listen"`
	PublicURL  string         `yaml:"public_url"`
	LogLevel   string         `yaml:"log_level"`
	Database   DatabaseConfig `yaml:"database"`
	Redis      RedisConfig    `yaml:"redis"`
	Session    SessionConfig  `yaml:"session"`
	Mail       MailConfig     `yaml:"mail"`
	RateLimit  RateLimit      `yaml:"rate_limit"`
	Routes     RoutesConfig   `yaml:"routes"`
}

type DatabaseConfig struct {
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	ConnLifetime time.Duration `yaml:"conn_lifetime"`
}

// RedisConfig enables Redis-backed tokens and the mail outbox when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SessionConfig struct {
	Secret     string        `yaml:"secret"`
	TTL        time.Duration `yaml:"ttl"`
	CookieName string        `yaml:"cookie_name"`
	Issuer     string        `yaml:"issuer"`
	Secure     bool          `yaml:"secure"`
}

type MailConfig struct {
	From   string     `yaml:"from"`
	Outbox bool       `yaml:"outbox"`
	SMTP   SMTPConfig `yaml:"smtp"`
	Retry  MailRetry  `yaml:"retry"`
}

// MailRetry controls outbox redelivery. The delay doubles per failed attempt up to Max.
type MailRetry struct {
	Attempts int           `yaml:"attempts"`
	Base     time.Duration `yaml:"base"`
	Max      time.Duration `yaml:"max"`
}

type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// RateLimit buckets requests per client IP. X-Forwarded-For is only honoured
// when the peer address falls in TrustedProxies (IPs or CIDRs).
type RateLimit struct {
	Burst          int      `yaml:"burst"`
	PerSecond      float64  `yaml:"per_second"`
	TrustedProxies []string `yaml:"trusted_proxies"`
}

// RoutesConfig holds the access middleware route tables.
type RoutesConfig struct {
	Public          []string `yaml:"public"`
	Auth            []string `yaml:"auth"`
	APIAuthPrefix   string   `yaml:"api_auth_prefix"`
	DefaultRedirect string   `yaml:"default_redirect"`
	Login           string   `yaml:"login"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Listen:     ":8080",
		GRPCListen: ":9090",
		PublicURL:  "http://localhost:8080",
		LogLevel:   "info",
		Database: DatabaseConfig{
			MaxOpenConns: 10,
			ConnLifetime: 30 * time.Minute,
		},
		Session: SessionConfig{
			TTL:        30 * 24 * time.Hour,
			CookieName: "orgdash_session",
			Issuer:     "orgdash",
		},
		Mail: MailConfig{
			From: "no-reply@orgdash.app",
			SMTP:  SMTPConfig{Port: 587},
			Retry: MailRetry{Attempts: 5, Base: 30 * time.Second, Max: 30 * time.Minute},
		},
		RateLimit: RateLimit{Burst: 20, PerSecond: 5},
		Routes: RoutesConfig{
			Public: []string{"/", "/email-verification"},
			Auth: []string{
				"/login",
				"/registration",
				"/error",
				"/initiate-password-reset",
				"/complete-password-reset",
			},
			APIAuthPrefix:   "/api/auth",
			DefaultRedirect: "/organisations",
			Login:           "/login",
		},
	}
}

// Load reads settings. path may be empty, in which case ORGDASH_CONFIG or
// config.yaml is tried; a missing file is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	explicit := path != ""
	if path == "" {
		path = "config.yaml"
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			var out []string
			for _, p := range strings.Split(v, ",") {
				if p = strings.TrimSpace(p); p != "" {
					out = append(out, p)
				}
			}
			*dst = out
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", envPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN", &cfg.Listen)
	str("GRPC_LISTEN", &cfg.GRPCListen)
	str("PUBLIC_URL", &cfg.PublicURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_DSN", &cfg.Database.DSN)
	num("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	num("REDIS_DB", &cfg.Redis.DB)
	str("SESSION_SECRET", &cfg.Session.Secret)
	dur("SESSION_TTL", &cfg.Session.TTL)
	str("SESSION_COOKIE_NAME", &cfg.Session.CookieName)
	str("SESSION_ISSUER", &cfg.Session.Issuer)
	flag("SESSION_SECURE", &cfg.Session.Secure)
	str("MAIL_FROM", &cfg.Mail.From)
	flag("MAIL_OUTBOX", &cfg.Mail.Outbox)
	str("SMTP_HOST", &cfg.Mail.SMTP.Host)
	num("SMTP_PORT", &cfg.Mail.SMTP.Port)
	str("SMTP_USERNAME", &cfg.Mail.SMTP.Username)
	str("SMTP_PASSWORD", &cfg.Mail.SMTP.Password)
	num("MAIL_RETRY_ATTEMPTS", &cfg.Mail.Retry.Attempts)
	dur("MAIL_RETRY_BASE", &cfg.Mail.Retry.Base)
	dur("MAIL_RETRY_MAX", &cfg.Mail.Retry.Max)
	list("TRUSTED_PROXIES", &cfg.RateLimit.TrustedProxies)
	num("RATE_LIMIT_BURST", &cfg.RateLimit.Burst)
	list("PUBLIC_ROUTES", &cfg.Routes.Public)
	list("AUTH_ROUTES", &cfg.Routes.Auth)
	str("DEFAULT_REDIRECT", &cfg.Routes.DefaultRedirect)
	if v, ok := os.LookupEnv(envPrefix + "RATE_LIMIT_PER_SECOND"); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: %sRATE_LIMIT_PER_SECOND: %w", envPrefix, err))
		} else {
			cfg.RateLimit.PerSecond = f
		}
	}
	return errors.Join(errs...)
}

// Validate checks required settings.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Session.Secret) == "" {
		errs = append(errs, errors.New("config: session.secret is required"))
	} else if len(c.Session.Secret) < 16 {
		errs = append(errs, errors.New("config: session.secret must be at least 16 bytes"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("config: session.ttl must be positive"))
	}
	if c.Session.CookieName == "" {
		errs = append(errs, errors.New("config: session.cookie_name is required"))
	}
	if c.Mail.Outbox && c.Redis.Addr == "" {
		errs = append(errs, errors.New("config: mail.outbox requires redis.addr"))
	}
	if r := c.Mail.Retry; r.Attempts <= 0 || r.Base <= 0 || r.Max < r.Base {
		errs = append(errs, errors.New("config: mail.retry needs positive attempts and base, and max >= base"))
	}
	if c.RateLimit.Burst <= 0 || c.RateLimit.PerSecond <= 0 {
		errs = append(errs, errors.New("config: rate_limit burst and per_second must be positive"))
	}
	for _, p := range c.RateLimit.TrustedProxies {
		if _, err := netip.ParsePrefix(p); err != nil {
			if _, err := netip.ParseAddr(p); err != nil {
				errs = append(errs, fmt.Errorf("config: rate_limit.trusted_proxies: %q is not an IP or CIDR", p))
			}
		}
	}
	for _, p := range []string{c.Routes.APIAuthPrefix, c.Routes.DefaultRedirect, c.Routes.Login} {
		if !strings.HasPrefix(p, "/") {
			errs = append(errs, fmt.Errorf("config: route %q must start with /", p))
		}
	}
	return errors.Join(errs...)
}
