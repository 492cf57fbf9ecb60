package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"orgdash.app/internal/config"
	"orgdash.app/internal/migrate"
	"orgdash.app/internal/obs"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config")
		dsn        = flag.String("dsn", "", "PostgreSQL DSN (overrides config)")
		table      = flag.String("table", "", "bookkeeping table name")
	)
	flag.Parse()
	log := obs.Logger().Named("migrate")

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-config file] [-dsn url] up|down|status")
		os.Exit(2)
	}
	if *dsn == "" {
		if cfg, err := config.Load(*configPath); err == nil {
			*dsn = cfg.Database.DSN
		} else if *configPath != "" {
			log.Fatal("load config", zap.Error(err))
		}
	}
	if *dsn == "" {
		*dsn = os.Getenv("ORGDASH_DATABASE_DSN")
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide -dsn, a config file or ORGDASH_DATABASE_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, nil, migrate.WithTable(*table), migrate.WithLogger(log))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		applied, err := mgr.Up(ctx)
		if err != nil {
			log.Fatal("migrate up", zap.Error(err))
		}
		log.Info("migrations applied", zap.Strings("names", applied))
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			log.Fatal("migrate down", zap.Error(err))
		}
		log.Info("migration rolled back", zap.String("name", name))
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			log.Fatal("migrate status", zap.Error(err))
		}
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
}
