package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mohammed-shakir/qna-reconciler/internal/audit"
	"github.com/mohammed-shakir/qna-reconciler/internal/batch"
	"github.com/mohammed-shakir/qna-reconciler/internal/cache/redisstore"
	"github.com/mohammed-shakir/qna-reconciler/internal/config"
	"github.com/mohammed-shakir/qna-reconciler/internal/health"
	"github.com/mohammed-shakir/qna-reconciler/internal/jobs/pollcloser"
	"github.com/mohammed-shakir/qna-reconciler/internal/jobs/viewsync"
	"github.com/mohammed-shakir/qna-reconciler/internal/logger"
	"github.com/mohammed-shakir/qna-reconciler/internal/metrics"
	"github.com/mohammed-shakir/qna-reconciler/internal/observability"
	"github.com/mohammed-shakir/qna-reconciler/internal/scheduler"
	"github.com/mohammed-shakir/qna-reconciler/internal/server"
	"github.com/mohammed-shakir/qna-reconciler/internal/store/pgstore"
)

var (
	Version   = "dev"
	Revision  = ""
	BuildDate = ""
)

func main() {
	os.Exit(run())
}

func run() int {
	runOnce := flag.String("run-once", "", "fire the named trigger once and exit")
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		return 2
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "reconciler",
	}, os.Stdout)
	log := logger.NewSlog(&zl)
	slog.SetDefault(log)

	p := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Build:   metrics.BuildInfo{Version: Version, Revision: Revision, BuildDate: BuildDate},
	})
	observability.Init(p.Registerer(), cfg.MetricsEnabled)
	observability.ExposeBuildInfo(Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart || *migrateOnly {
		if err := migrate(cfg.DatabaseURL, log); err != nil {
			log.Error("migration failed", "err", err)
			return 1
		}
		if *migrateOnly {
			return 0
		}
	}

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	store, err := pgstore.Open(openCtx, pgstore.Config{
		URL:      cfg.DatabaseURL,
		MaxConns: int32(min(max(cfg.DBMaxConns, 1), 1024)), //nolint:gosec // clamped
	}, log)
	if err != nil {
		cancel()
		log.Error("postgres unavailable", "err", err)
		return 1
	}
	defer store.Close()

	rc, err := redisstore.New(openCtx, cfg.RedisAddr,
		redisstore.WithReadTimeout(cfg.RedisOpTimeout),
		redisstore.WithWriteTimeout(cfg.RedisOpTimeout),
	)
	cancel()
	if err != nil {
		log.Error("redis unavailable", "err", err)
		return 1
	}
	defer func() { _ = rc.Close() }()

	launcherOpts := []batch.LauncherOption{
		batch.WithHistory(batch.NewHistory(cfg.RunHistorySize)),
		batch.WithLogger(log),
	}
	if cfg.Audit.Enabled {
		pub, err := audit.NewPublisher(cfg.Audit.BrokerList(), cfg.Audit.Topic, cfg.Audit.QueueSize, log)
		if err != nil {
			log.Error("audit publisher", "err", err)
			return 1
		}
		// closed after the scheduler has stopped, deferred calls run in reverse
		defer func() {
			if err := pub.Close(); err != nil {
				log.Warn("audit publisher close", "err", err)
			}
		}()
		launcherOpts = append(launcherOpts, batch.WithSink(pub))
	}
	launcher := batch.NewLauncher(launcherOpts...)

	triggers, err := buildTriggers(cfg, launcher, store, rc, log)
	if err != nil {
		log.Error("invalid job configuration", "err", err)
		return 2
	}
	sched, err := scheduler.New(log, triggers...)
	if err != nil {
		log.Error("scheduler setup failed", "err", err)
		return 2
	}

	if *runOnce != "" {
		result, err := sched.RunOnce(ctx, *runOnce)
		if err != nil {
			log.Error("run-once", "err", err)
			return 2
		}
		log.Info("run-once finished", "trigger", *runOnce, "result", result)
		if result != scheduler.ResultLaunched && result != scheduler.ResultPreconditionFalse {
			return 1
		}
		if last, ok := launcher.History().Last(*runOnce); ok && last.Status == batch.StatusFailed {
			return 1
		}
		return 0
	}

	if err := sched.Start(ctx); err != nil {
		log.Error("scheduler start", "err", err)
		return 1
	}
	defer sched.Stop()

	log.Info("reconciler started",
		"version", Version,
		"ops_addr", cfg.OpsAddr,
		"triggers", len(triggers))

	err = server.Run(ctx, server.Options{
		Addr:    cfg.OpsAddr,
		Logger:  log,
		Metrics: p.Handler(),
		Ready: map[string]health.Pinger{
			"postgres": store,
			"redis":    rc,
		},
		History:  launcher.History(),
		Triggers: sched,
	})
	if err != nil {
		log.Error("ops server exited with error", "err", err)
		return 1
	}
	log.Info("reconciler stopping")
	return 0
}

func migrate(url string, log *slog.Logger) error {
	m, err := pgstore.NewMigrator(url, log)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return m.Up()
}

// buildTriggers creates one trigger per enabled job.
func buildTriggers(cfg config.Config, l *batch.Launcher, store *pgstore.Store, rc *redisstore.Client, log *slog.Logger) ([]scheduler.Trigger, error) {
	var out []scheduler.Trigger
	var errs []error

	if cfg.PollCloser.Enabled {
		sched, err := scheduler.ParseSchedule(cfg.PollCloser.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("poll closer: %w", err))
		} else {
			job := pollcloser.New(store, store,
				pollcloser.WithPolicy(cfg.PollCloser.Policy(pollcloser.DefaultPolicy())),
				pollcloser.WithLogger(log),
			)
			out = append(out, scheduler.ForJob(l, job, sched, job.Precondition))
		}
	}

	if cfg.ViewSync.Enabled {
		sched, err := scheduler.ParseSchedule(cfg.ViewSync.Schedule)
		if err != nil {
			errs = append(errs, fmt.Errorf("view sync: %w", err))
		} else {
			job := viewsync.New(rc, store, store,
				viewsync.WithPolicy(cfg.ViewSync.Policy(viewsync.DefaultPolicy())),
				viewsync.WithScanCount(cfg.ViewSyncScanCount),
				viewsync.WithLogger(log),
			)
			out = append(out, scheduler.ForJob(l, job, sched, nil))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no job is enabled")
	}
	return out, nil
}
