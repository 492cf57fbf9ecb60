package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"orgdash.app/internal/auth"
	"orgdash.app/internal/config"
	"orgdash.app/internal/grpcapi"
	"orgdash.app/internal/httpapi"
	"orgdash.app/internal/mail"
	"orgdash.app/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults to $ORGDASH_CONFIG or ./config.yaml)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Fatal("orgdash-api failed", zap.Error(err))
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := obs.SetLevel(cfg.LogLevel); err != nil {
		return err
	}
	obs.Init()
	obs.InitBuildInfo(version, commit)
	log := obs.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ready := httpapi.ReadyProbe{Checks: map[string]httpapi.Pinger{}}

	var store auth.Store
	if cfg.Database.DSN != "" {
		db, err := sql.Open("pgx", cfg.Database.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.Database.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
			db.SetMaxIdleConns(cfg.Database.MaxOpenConns)
		}
		if cfg.Database.ConnLifetime > 0 {
			db.SetConnMaxLifetime(cfg.Database.ConnLifetime)
		}
		store = auth.NewPGStore(db)
	} else {
		log.Warn("no database configured, using in-memory store")
		store = auth.NewMemoryStore()
	}
	ready.Checks["store"] = store

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		ready.Checks["redis"] = httpapi.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}

	var sender mail.Sender
	if cfg.Mail.SMTP.Host != "" {
		sender, err = mail.NewSMTPSender(mail.SMTPConfig{
			Host:     cfg.Mail.SMTP.Host,
			Port:     cfg.Mail.SMTP.Port,
			Username: cfg.Mail.SMTP.Username,
			Password: cfg.Mail.SMTP.Password,
			From:     cfg.Mail.From,
		})
		if err != nil {
			return err
		}
	} else {
		log.Warn("no smtp relay configured, mail is logged only")
		sender = mail.NewLogSender(log.Named("mail"))
	}
	renderer, err := mail.NewRenderer(cfg.PublicURL)
	if err != nil {
		return err
	}
	notifierOpts := []mail.NotifierOption{mail.WithNotifierLogger(log.Named("mail"))}
	if cfg.Mail.Outbox && rdb != nil {
		outbox := mail.NewRedisOutbox(rdb, "")
		notifierOpts = append(notifierOpts, mail.WithOutbox(outbox))
		dispatcher := mail.NewDispatcher(outbox, sender,
			mail.WithMaxAttempts(cfg.Mail.Retry.Attempts),
			mail.WithBackoff(cfg.Mail.Retry.Base, cfg.Mail.Retry.Max),
		)
		go func() {
			if err := dispatcher.Run(ctx); err != nil {
				log.Error("mail dispatcher stopped", zap.Error(err))
			}
		}()
	}
	notifier, err := mail.NewNotifier(renderer, sender, notifierOpts...)
	if err != nil {
		return err
	}

	sessions, err := auth.NewSessions(store, cfg.Session.Secret,
		auth.WithSessionTTL(cfg.Session.TTL),
		auth.WithSessionIssuer(cfg.Session.Issuer),
	)
	if err != nil {
		return err
	}
	svcOpts := []auth.ServiceOption{
		auth.WithNotifier(notifier),
		auth.WithDefaultRedirect(cfg.Routes.DefaultRedirect),
		auth.WithLogger(log.Named("auth")),
	}
	if rdb != nil {
		svcOpts = append(svcOpts, auth.WithTokens(auth.NewRedisTokens(rdb)))
	}
	svc, err := auth.NewService(store, sessions, svcOpts...)
	if err != nil {
		return err
	}

	limiter := httpapi.NewRateLimiter(cfg.RateLimit.Burst, cfg.RateLimit.PerSecond)
	if err := limiter.TrustProxies(cfg.RateLimit.TrustedProxies...); err != nil {
		return err
	}
	go limiter.Run(ctx)

	api, err := httpapi.New(svc, httpapi.Options{
		Routes: httpapi.Routes{
			Public:          cfg.Routes.Public,
			Auth:            cfg.Routes.Auth,
			APIAuthPrefix:   cfg.Routes.APIAuthPrefix,
			DefaultRedirect: cfg.Routes.DefaultRedirect,
			Login:           cfg.Routes.Login,
		},
		Cookie:    httpapi.CookieConfig{Name: cfg.Session.CookieName, Secure: cfg.Session.Secure},
		Ready:     ready,
		Version:   version,
		RateLimit: limiter,
		Logger:    log.Named("http"),
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	health := grpcapi.New(ready, log.Named("grpc"))
	go health.Watch(ctx, 10*time.Second)

	errc := make(chan error, 2)
	go func() {
		log.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return err
		}
		go func() {
			log.Info("grpc health listening", zap.String("addr", cfg.GRPCListen))
			if err := health.Serve(lis); err != nil {
				errc <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errc:
		log.Error("server error", zap.Error(err))
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	health.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}
