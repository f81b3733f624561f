// Package runner wires the service together and owns its lifecycle:
// configuration, logging, stats, the job store and migrations, the
// queue, admission, dispatch, reconciliation and the HTTP API.
package runner

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"

	"github.com/jobgate/jobgate/admission"
	"github.com/jobgate/jobgate/api"
	"github.com/jobgate/jobgate/dispatch"
	"github.com/jobgate/jobgate/health"
	"github.com/jobgate/jobgate/pqueue"
	"github.com/jobgate/jobgate/quota"
	"github.com/jobgate/jobgate/reconciler"
	"github.com/jobgate/jobgate/repo"
	"github.com/jobgate/jobgate/sqlmigrator"
)

// ReleaseInfo holds the build metadata stamped in at link time.
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

type Runner struct {
	releaseInfo ReleaseInfo
	logger      logger.Logger

	gracefulShutdownTimeout time.Duration
}

func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		releaseInfo:             releaseInfo,
		logger:                  logger.NewLogger().Child("runner"),
		gracefulShutdownTimeout: config.GetDuration("GracefulShutdownTimeout", 15, time.Second),
	}
}

// Run starts the service and blocks until the context is cancelled or a
// component fails. It returns the process exit code.
func (r *Runner) Run(ctx context.Context) int {
	conf := config.Default

	statsOptions := []stats.Option{
		stats.WithServiceName("jobgate"),
		stats.WithServiceVersion(r.releaseInfo.Version),
		stats.WithDefaultHistogramBuckets(defaultHistogramBuckets),
	}
	for histogramName, buckets := range customBuckets {
		statsOptions = append(statsOptions, stats.WithHistogramBuckets(histogramName, buckets))
	}
	stats.Default = stats.NewStats(conf, logger.Default, svcMetric.Instance, statsOptions...)
	if err := stats.Default.Start(ctx, stats.DefaultGoRoutineFactory); err != nil {
		r.logger.Errorf("starting stats: %v", err)
		return 1
	}
	defer stats.Default.Stop()

	r.logger.Infof("jobgate version %s (%s, built %s)",
		r.releaseInfo.Version, r.releaseInfo.Commit, r.releaseInfo.BuildDate)

	db, err := setupDB(ctx, conf)
	if err != nil {
		r.logger.Errorf("setting up job store: %v", err)
		return 1
	}
	defer func() { _ = db.Close() }()

	publisher := dispatch.NewRedisPublisher(conf)
	defer func() { _ = publisher.Close() }()

	pq := pqueue.New()
	store := repo.NewJobs(db)
	aggregator := health.New(conf, stats.Default, pq, store)
	store.Observe(aggregator)

	tracker := quota.New(conf, r.logger, stats.Default, store)
	dispatcher := dispatch.New(conf, r.logger, stats.Default, publisher)
	controller := admission.New(conf, r.logger, stats.Default, store, tracker, pq, dispatcher,
		admission.WithEnqueueObserver(aggregator))
	sweeper := reconciler.New(conf, r.logger, stats.Default, store, pq, dispatcher)
	httpApi := api.NewApi(conf, r.logger, stats.Default, db, controller, aggregator)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return sweeper.Start(gCtx) })
	g.Go(func() error { return httpApi.Start(gCtx) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			r.logger.Errorf("component failed: %v", err)
			return 1
		}
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(r.gracefulShutdownTimeout):
			r.logger.Error("graceful shutdown timed out")
			return 1
		}
	}

	r.logger.Info("jobgate shutdown complete")
	return 0
}

func setupDB(ctx context.Context, conf *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", connectionString(conf))
	if err != nil {
		return nil, fmt.Errorf("opening postgres connection: %w", err)
	}
	db.SetMaxOpenConns(conf.GetInt("DB.maxOpenConnections", 20))
	db.SetMaxIdleConns(conf.GetInt("DB.maxIdleConnections", 5))

	pingCtx, cancel := context.WithTimeout(ctx, conf.GetDuration("DB.connectTimeout", 10, time.Second))
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	m := &sqlmigrator.Migrator{
		Handle:          db,
		MigrationsTable: "jobq_migrations",
	}
	if err := m.Migrate("jobq"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return db, nil
}

func connectionString(conf *config.Config) string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s application_name=jobgate",
		conf.GetString("DB.host", "localhost"),
		conf.GetInt("DB.port", 5432),
		conf.GetString("DB.user", "jobgate"),
		conf.GetString("DB.password", "password"),
		conf.GetString("DB.name", "jobgate"),
		conf.GetString("DB.sslMode", "disable"),
	)
}
