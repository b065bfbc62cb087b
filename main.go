package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/billbatista/acasinha-funds/config"
	"github.com/billbatista/acasinha-funds/cospace"
	"github.com/billbatista/acasinha-funds/dashboard"
	"github.com/billbatista/acasinha-funds/eventlogger"
	"github.com/billbatista/acasinha-funds/identity"
	"github.com/billbatista/acasinha-funds/ledger"
	_ "github.com/lib/pq"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.String("config", "", "path to the YAML config file (default $ACASINHA_CONFIG)")
	addr := pflag.String("addr", "", "listen address, overrides http.addr")
	migrate := pflag.Bool("migrate", false, "create missing tables and exit")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		printErrorAndExit("loading config", err)
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		printErrorAndExit("database connection", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	err = db.Ping()
	if err != nil {
		printErrorAndExit("pinging database", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Database.Migrate || *migrate {
		if err := runMigrations(ctx, db); err != nil {
			printErrorAndExit("running migrations", err)
		}
		if *migrate {
			slog.Info("migrations applied")
			return
		}
	}

	sink, audit, closeSink := eventSink(cfg.Events, db)
	defer closeSink()
	worker := eventlogger.NewWorker(sink, cfg.Events.BufferSize)
	worker.Start()
	defer worker.Shutdown()

	users := identity.NewRepository(db, cfg.Session.Duration)
	spaces := cospace.NewRepository(db)
	store := ledger.NewRepository(db)
	engine := ledger.NewEngine(store, users, spaces,
		ledger.WithEvents(worker),
		ledger.WithTxTimeout(cfg.Ledger.TxTimeout),
	)

	srv := &server{
		engine:        engine,
		dashboard:     dashboard.NewService(store, spaces, cfg.Ledger.RecentExpenses),
		users:         users,
		spaces:        spaces,
		audit:         audit,
		events:        worker,
		health:        db.PingContext,
		cookieName:    cfg.Session.CookieName,
		secureCookies: cfg.Environment == config.Production,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.routes(users),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server starting", "addr", cfg.HTTP.Addr, "environment", cfg.Environment, "events", cfg.Events.Sink)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		slog.Info("server shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("server stopped", "error", err)
	}
	if n := worker.Dropped(); n > 0 {
		slog.Warn("events dropped while the buffer was full", "count", n)
	}
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	steps := []func(context.Context, *sql.DB) error{
		identity.Migrate,
		cospace.Migrate,
		ledger.Migrate,
		func(ctx context.Context, db *sql.DB) error {
			return eventlogger.NewSqlEventLogger(db).Migrate(ctx)
		},
	}
	for _, step := range steps {
		if err := step(ctx, db); err != nil {
			return err
		}
	}
	return nil
}

// eventSink picks where domain events go. audit is nil unless events are
// stored somewhere they can be read back from.
func eventSink(cfg config.EventsConfig, db *sql.DB) (sink eventlogger.Sink, audit eventlogger.EventLogger, closeFn func()) {
	switch cfg.Sink {
	case config.SinkKafka:
		k := eventlogger.NewKafkaSink(cfg.Brokers, cfg.Topic)
		return k, nil, func() {
			if err := k.Close(); err != nil {
				slog.Error("closing kafka writer", "error", err)
			}
		}
	case config.SinkNone:
		return eventlogger.Discard{}, nil, func() {}
	default:
		l := eventlogger.NewSqlEventLogger(db)
		return l, l, func() {}
	}
}

func printErrorAndExit(msg string, e error) {
	slog.Error(msg, "error", e)
	os.Exit(1)
}
