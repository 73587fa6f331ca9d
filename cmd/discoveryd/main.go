package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/thoth-app/discovery/internal/adapter"
	"github.com/thoth-app/discovery/internal/analyzer"
	"github.com/thoth-app/discovery/internal/browser"
	"github.com/thoth-app/discovery/internal/config"
	"github.com/thoth-app/discovery/internal/configstore"
	delivery "github.com/thoth-app/discovery/internal/delivery/http"
	"github.com/thoth-app/discovery/internal/discovery"
	"github.com/thoth-app/discovery/internal/domain"
	"github.com/thoth-app/discovery/internal/ratelimit"
	"github.com/thoth-app/discovery/internal/repository/postgres"
	"github.com/thoth-app/discovery/internal/scheduler"
)

func main() {
	cfg := config.Load()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	if level, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	log := logrus.NewEntry(logger)
	log.WithField("version", config.Version).Info("discovery daemon starting")

	// Connect to PostgreSQL with retry.
	var pool *pgxpool.Pool
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		pool, err = postgres.Connect(ctx, cfg.Database.URL)
		cancel()
		if err == nil {
			log.Info("connected to PostgreSQL")
			break
		}
		if attempt == 5 {
			log.WithError(err).Fatal("could not connect to database")
		}
		log.WithError(err).WithField("attempt", attempt).Warn("database connection failed, retrying")
		time.Sleep(time.Duration(attempt) * 2 * time.Second)
	}
	defer pool.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := postgres.Migrate(migrateCtx, pool); err != nil {
		migrateCancel()
		log.WithError(err).Fatal("could not apply schema")
	}
	migrateCancel()

	// Repositories.
	configRepo := postgres.NewSourceConfigRepository(pool)
	stateRepo := postgres.NewScheduleStateRepository(pool)
	resultRepo := postgres.NewDiscoveryResultRepository(pool)
	corpusReader := postgres.NewCorpusReader(pool)

	// Source config store, reconciled with the sources directory.
	store, err := configstore.New(configRepo, cfg.Discovery.SourcesDir, log.WithField("component", "configstore"))
	if err != nil {
		log.WithError(err).Fatal("could not open config store")
	}
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if _, _, err := store.Reconcile(startCtx); err != nil {
		log.WithError(err).Warn("config reconciliation incomplete")
	}
	startCancel()

	// Core pipeline.
	limiter := ratelimit.NewRegistry()
	factory := adapter.NewFactory(cfg, limiter, log.WithField("component", "adapters"))
	defer factory.Close()

	corpus := analyzer.New(corpusReader, log.WithField("component", "analyzer"))
	papers := make(chan *domain.Paper, 64)
	manager := discovery.NewManager(factory, corpus, resultRepo, papers, log.WithField("component", "manager"))

	sched := scheduler.New(cfg.Scheduler, store, stateRepo, resultRepo, manager,
		cfg.Discovery.ResultRetention, log.WithField("component", "scheduler"))
	if cfg.Scheduler.AutoStart {
		if err := sched.Start(context.Background()); err != nil {
			log.WithError(err).Fatal("could not start scheduler")
		}
	}

	// Drain emitted papers. Downstream consumers subscribe here; without
	// one we log each acceptance so the channel never backs up the runs.
	go func() {
		for p := range papers {
			log.WithFields(logrus.Fields{
				"title":      p.Title,
				"provenance": p.Provenance,
				"doi":        p.IDs.DOI,
			}).Info("paper discovered")
		}
	}()

	// Browser session sweep on the same cadence as audit retention.
	if sessions, err := browser.NewSessionStore(cfg.Browser.SessionsDir, cfg.Browser.SessionMaxAge,
		log.WithField("component", "sessions")); err == nil {
		go func() {
			ticker := time.NewTicker(time.Hour)
			defer ticker.Stop()
			for range ticker.C {
				if _, err := sessions.Sweep(); err != nil {
					log.WithError(err).Warn("session sweep failed")
				}
			}
		}()
	}

	// Control API.
	handler := delivery.NewHandler(store, sched, resultRepo)
	router := delivery.NewRouter(handler, []string{"*"})
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.WithField("port", cfg.Server.Port).Info("control API listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("control API failed")
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	if err := sched.Stop(30 * time.Second); err != nil {
		log.WithError(err).Warn("scheduler did not stop cleanly")
	}
	close(papers)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("control API forced to shut down")
	}
	log.Info("stopped")
}
