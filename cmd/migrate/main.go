package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"custodian.org/internal/migrate"
	"custodian.org/internal/obs"
	"custodian.org/internal/store/pg"
)

func main() {
	var (
		dsn = flag.String("dsn", os.Getenv("CUSTODIAN_PG_DSN"), "PostgreSQL DSN")
		dir = flag.String("dir", "", "Directory with *.up.sql/*.down.sql files (defaults to the embedded schema)")
	)
	flag.Parse()

	logger, err := obs.NewLogger("info", "local")
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	if *dsn == "" {
		logger.Fatal("missing DSN: provide via -dsn or CUSTODIAN_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		logger.Fatal("usage: migrate [up|down|status]")
	}

	var (
		fsys fs.FS = pg.Migrations
		root       = "migrations"
	)
	if *dir != "" {
		fsys, root = os.DirFS(*dir), "."
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		logger.Fatal("open db", zap.Error(err))
	}
	defer db.Close()

	mgr := migrate.NewManager(db, fsys, root)

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			logger.Info("migration applied", zap.String("name", name))
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			logger.Info("migration rolled back", zap.String("name", name))
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		for _, item := range history {
			fmt.Println(item)
		}
	default:
		logger.Fatal("unknown command", zap.String("command", flag.Arg(0)))
	}
	if err != nil {
		logger.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}
