package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadLayersYAMLAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "app.yaml", `
listen: ":9000"
session:
  secret: "yaml-secret-0123456789"
  ttl: 2h
routes:
  public: ["/", "/about"]
`)
	t.Setenv("ORGDASH_SESSION_TTL", "45m")
	t.Setenv("ORGDASH_REDIS_ADDR", "localhost:6379")
	t.Setenv("ORGDASH_AUTH_ROUTES", "/login, /registration")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Fatalf("yaml listen not applied: %q", cfg.Listen)
	}
	if cfg.Session.TTL != 45*time.Minute {
		t.Fatalf("env ttl should win, got %v", cfg.Session.TTL)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Fatalf("unexpected redis addr %q", cfg.Redis.Addr)
	}
	if len(cfg.Routes.Public) != 2 || cfg.Routes.Public[1] != "/about" {
		t.Fatalf("unexpected public routes %v", cfg.Routes.Public)
	}
	if len(cfg.Routes.Auth) != 2 || cfg.Routes.Auth[1] != "/registration" {
		t.Fatalf("unexpected auth routes %v", cfg.Routes.Auth)
	}
	if cfg.Routes.DefaultRedirect != "/organisations" || cfg.GRPCListen != ":9090" {
		t.Fatalf("defaults lost: %+v", cfg.Routes)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, dir, ".env", "ORGDASH_SESSION_SECRET=dotenv-secret-0123456789\n")
	t.Setenv("ORGDASH_CONFIG", "")
	// godotenv does not override variables that are already set.
	os.Unsetenv("ORGDASH_SESSION_SECRET")
	t.Cleanup(func() { os.Unsetenv("ORGDASH_SESSION_SECRET") })

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Secret != "dotenv-secret-0123456789" {
		t.Fatalf("expected secret from .env, got %q", cfg.Session.Secret)
	}
}

func TestLoadValidation(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	t.Setenv("ORGDASH_SESSION_SECRET", "short")
	t.Setenv("ORGDASH_MAIL_OUTBOX", "true")

	_, err := Load("")
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"session.secret", "mail.outbox"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadRejectsBadEnv(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ORGDASH_SESSION_SECRET", "valid-secret-0123456789")
	t.Setenv("ORGDASH_SESSION_TTL", "forever")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "ORGDASH_SESSION_TTL") {
		t.Fatalf("expected parse error for ttl, got %v", err)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ORGDASH_SESSION_SECRET", "valid-secret-0123456789")
	if _, err := Load("does-not-exist.yaml"); err == nil {
		t.Fatalf("expected error for explicit missing file")
	}
}

func TestLoadTrustedProxiesAndMailRetry(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ORGDASH_SESSION_SECRET", "valid-secret-0123456789")
	t.Setenv("ORGDASH_TRUSTED_PROXIES", "10.0.0.0/8, 127.0.0.1")
	t.Setenv("ORGDASH_MAIL_RETRY_BASE", "1m")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.RateLimit.TrustedProxies; len(got) != 2 || got[0] != "10.0.0.0/8" || got[1] != "127.0.0.1" {
		t.Fatalf("unexpected trusted proxies %v", got)
	}
	if cfg.Mail.Retry.Base != time.Minute || cfg.Mail.Retry.Max != 30*time.Minute || cfg.Mail.Retry.Attempts != 5 {
		t.Fatalf("unexpected mail retry %+v", cfg.Mail.Retry)
	}

	t.Setenv("ORGDASH_TRUSTED_PROXIES", "proxy.internal")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "trusted_proxies") {
		t.Fatalf("expected trusted_proxies validation error, got %v", err)
	}
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir in Go 1.24+).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir %s: %v", dir, err)
	}
	t.Cleanup(func() {
		if err := os.Chdir(prev); err != nil {
			t.Fatalf("restore cwd: %v", err)
		}
	})
}
