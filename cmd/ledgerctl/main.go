package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"path"
	"time"

	"github.com/google/subcommands"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/atmx/papertrade/internal/cli"
	"github.com/atmx/papertrade/internal/config"
	"github.com/atmx/papertrade/internal/engine"
	"github.com/atmx/papertrade/internal/logging"
	"github.com/atmx/papertrade/internal/market"
	"github.com/atmx/papertrade/internal/portfolio"
	"github.com/atmx/papertrade/internal/store"
)

var (
	envFile = flag.String("env", "", "path to a .env file (default ./.env when present)")
	plain   = flag.Bool("plain", false, "print raw markdown")
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	app := &cli.App{Out: os.Stdout, Err: os.Stderr}
	cli.Register(commander, app)

	flag.Parse()

	ctx := context.Background()
	closeFn, err := setup(ctx, app)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(int(subcommands.ExitFailure))
	}
	status := commander.Execute(ctx)
	closeFn()
	os.Exit(int(status))
}

// setup fills app from the environment. Without DATABASE_URL the commands
// run against an empty in-memory store.
func setup(ctx context.Context, app *cli.App) (func(), error) {
	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewLogger("warn")
	if err != nil {
		return nil, err
	}

	closeFn := func() { logger.Sync() }
	var st store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("database connection failed: %w", err)
		}
		pg := store.NewPostgresStore(pool)
		st = pg
		app.Schema = pg.EnsureSchema
		closeFn = func() {
			pool.Close()
			logger.Sync()
		}
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		st = store.NewMemoryStore()
	}

	universe, err := market.DefaultUniverse(cfg.Symbols...)
	if err != nil {
		return nil, err
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	app.Store = st
	app.Engine = engine.New(st, universe, logger, engine.WithCurrency(cfg.Currency))
	app.Reporter = portfolio.NewReporter(st)
	app.Generator = market.NewGenerator(st, universe, logger, market.WithRand(rand.New(rand.NewSource(seed))))
	app.StartingCash = cfg.StartingCash
	app.Currency = cfg.Currency
	app.Plain = *plain
	logger.Debug("ledgerctl ready", zap.Bool("database", cfg.DatabaseURL != ""))
	return closeFn, nil
}
