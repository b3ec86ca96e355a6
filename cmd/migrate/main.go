// Command migrate manages the credit core schema.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"

	"creditcore.io/internal/config"
	"creditcore.io/internal/migrate"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).With().Timestamp().Logger()
	var (
		dsn     = flag.String("dsn", os.Getenv(config.Prefix+"_PG_DSN"), "PostgreSQL DSN")
		dir     = flag.String("dir", "", "Read migrations/ and seeds/ from this directory instead of the embedded files")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall deadline")
	)
	flag.Usage = func() {
		fmt.Fprintln(flag.CommandLine.Output(), "usage: migrate [flags] up|down|seed|status")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *dsn == "" {
		log.Fatal().Msg("missing DSN: provide via -dsn or " + config.Prefix + "_PG_DSN")
	}
	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithLogger(log)}
	if *dir != "" {
		opts = append(opts, migrate.WithSources(
			os.DirFS(filepath.Join(*dir, "migrations")),
			os.DirFS(filepath.Join(*dir, "seeds")),
		))
	}
	mgr := migrate.NewManager(db, opts...)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		if err == nil {
			log.Info().Int("applied", len(applied)).Msg("schema up to date")
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			log.Info().Str("file", name).Msg("rolled back")
		}
	case "seed":
		var applied []string
		applied, err = mgr.Seed(ctx)
		if err == nil {
			log.Info().Int("applied", len(applied)).Msg("seeds applied")
		}
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}
