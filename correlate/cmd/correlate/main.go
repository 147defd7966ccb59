package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/chainhawk/common/logging"
	natsclient "github.com/telhawk-systems/chainhawk/common/messaging/nats"

	"github.com/telhawk-systems/chainhawk/correlate/internal/auth"
	"github.com/telhawk-systems/chainhawk/correlate/internal/catalog"
	"github.com/telhawk-systems/chainhawk/correlate/internal/config"
	"github.com/telhawk-systems/chainhawk/correlate/internal/dlq"
	"github.com/telhawk-systems/chainhawk/correlate/internal/engine"
	"github.com/telhawk-systems/chainhawk/correlate/internal/handlers"
	correlatenats "github.com/telhawk-systems/chainhawk/correlate/internal/nats"
	"github.com/telhawk-systems/chainhawk/correlate/internal/outbox"
	"github.com/telhawk-systems/chainhawk/correlate/internal/playbook"
	"github.com/telhawk-systems/chainhawk/correlate/internal/repository"
	"github.com/telhawk-systems/chainhawk/correlate/internal/scheduler"
	"github.com/telhawk-systems/chainhawk/correlate/internal/server"
	"github.com/telhawk-systems/chainhawk/correlate/internal/service"
	"github.com/telhawk-systems/chainhawk/correlate/internal/storage"
	"github.com/telhawk-systems/chainhawk/correlate/internal/suppression"
)

func main() {
	// Parse command-line flags
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).With(logging.Service("correlate"))
	logging.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("correlate service failed", logging.Error(err))
		os.Exit(1)
	}
	logger.Info("correlate service stopped gracefully")
}

func run(cfg *config.Config, logger *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dead-letter queue
	var deadLetter *dlq.Queue
	if cfg.DLQ.Enabled {
		q, err := dlq.NewQueue(cfg.DLQ.Path, logger)
		if err != nil {
			return fmt.Errorf("failed to open dead-letter queue: %w", err)
		}
		deadLetter = q
		logger.Info("dead-letter queue enabled", "path", cfg.DLQ.Path, "pending", q.Stats().Pending)
	}

	// Message bus
	var js *natsclient.JetStreamClient
	if cfg.NATS.Enabled {
		natsCfg := natsclient.DefaultConfig()
		natsCfg.URL = cfg.NATS.URL
		natsCfg.Name = "correlate"
		natsCfg.MaxReconnects = cfg.NATS.MaxReconnects
		natsCfg.ReconnectWait = cfg.NATS.ReconnectWait
		natsCfg.Logger = logger.Logger

		c, err := natsclient.NewJetStreamClient(natsCfg)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer c.Close()
		js = c
		logger.Info("connected to NATS", "url", cfg.NATS.URL)

		if cfg.NATS.Outbox {
			if _, err := js.CreateOrUpdateStream(ctx, natsclient.IncidentsStream); err != nil {
				return fmt.Errorf("failed to create incident outbox stream: %w", err)
			}
		}
	}

	// Incident repository and service
	var svc *service.Service
	if cfg.Database.Postgres.Enabled {
		connString := cfg.Database.Postgres.ConnString()
		if err := runMigrations(cfg.Database.Postgres.MigrationsPath, connString, logger); err != nil {
			return err
		}

		repo, err := repository.NewPostgresRepository(ctx, connString)
		if err != nil {
			return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		defer repo.Close()

		var opts []service.Option
		if cfg.Storage.Enabled {
			index, err := storage.NewIncidentIndex(storage.Config{
				URL:         cfg.Storage.URL,
				Username:    cfg.Storage.Username,
				Password:    cfg.Storage.Password,
				Insecure:    cfg.Storage.Insecure,
				IndexPrefix: cfg.Storage.IndexPrefix,
			})
			if err != nil {
				// Search stays off; PostgreSQL remains the incident store.
				logger.Warn("incident search index unavailable", logging.Error(err))
			} else {
				opts = append(opts, service.WithIndexer(index))
			}
		}
		if js != nil {
			opts = append(opts, service.WithNotifier(correlatenats.NewPublisher(js)))
		}
		if deadLetter != nil {
			opts = append(opts, service.WithDeadLetter(deadLetter))
		}
		svc = service.NewService(repo, logger, opts...)
	}

	// Suppression windows
	var suppressor *suppression.Store
	if cfg.Redis.Enabled {
		client, err := newRedisClient(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		suppressor = suppression.NewStore(client, true)
	}

	// Pattern catalog
	cat := catalog.New(catalog.NewDirLoader(cfg.Engine.CatalogDir, logger), logger)
	if _, err := cat.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load pattern catalog: %w", err)
	}

	// Incident sink
	sinkOpts := []outbox.Option{
		outbox.WithTimeout(cfg.Engine.CommitTimeout),
		outbox.WithLogger(logger),
	}
	if suppressor != nil {
		sinkOpts = append(sinkOpts, outbox.WithSuppressor(suppressor))
	}
	if cfg.NATS.Outbox {
		sinkOpts = append(sinkOpts, outbox.WithOutbox(correlatenats.NewOutbox(js)))
	}
	if svc != nil {
		sinkOpts = append(sinkOpts, outbox.WithPersister(svc))
	}
	if deadLetter != nil {
		sinkOpts = append(sinkOpts, outbox.WithDeadLetter(deadLetter))
	}
	sink, err := outbox.NewSink(cat, sinkOpts...)
	if err != nil {
		return fmt.Errorf("failed to create incident sink: %w", err)
	}

	// Correlation engine
	eng, err := engine.New(cat, sink,
		engine.WithLogger(logger),
		engine.WithDedupeSize(cfg.Engine.DedupeSize),
		engine.WithIdleTTL(cfg.Engine.IdleTTL),
		engine.WithMaxClockSkew(cfg.Engine.MaxClockSkew),
	)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	// Message consumers
	if js != nil {
		ingest := correlatenats.NewHandler(js, eng, logger)
		if err := ingest.Start(ctx); err != nil {
			return fmt.Errorf("failed to start event consumer: %w", err)
		}
		defer ingest.Stop()

		if cfg.NATS.Outbox && svc != nil {
			writer := correlatenats.NewIncidentWriter(js, svc, logger)
			if err := writer.Start(ctx); err != nil {
				return fmt.Errorf("failed to start incident writer: %w", err)
			}
			defer writer.Stop()
		}

		if cfg.NATS.Dispatcher {
			dispatcher := playbook.NewDispatcher(js, cat, correlatenats.NewPublisher(js), logger)
			if err := dispatcher.Start(ctx); err != nil {
				return fmt.Errorf("failed to start playbook dispatcher: %w", err)
			}
			defer dispatcher.Stop()
		}
	}

	// Maintenance
	tasks := []scheduler.Task{
		{
			Name:     "sweep-idle-state",
			Interval: cfg.Maintenance.SweepInterval,
			Run: func(ctx context.Context) error {
				eng.Sweep()
				return nil
			},
		},
		{
			Name:     "reload-catalog",
			Interval: cfg.Maintenance.ReloadInterval,
			Run: func(ctx context.Context) error {
				_, err := cat.ReloadIfChanged(ctx)
				return err
			},
		},
	}
	if svc != nil && deadLetter != nil {
		tasks = append(tasks, scheduler.Task{
			Name:     "replay-dead-letters",
			Interval: cfg.Maintenance.ReplayInterval,
			Run: func(ctx context.Context) error {
				_, _, err := svc.ReplayDLQ(ctx, cfg.Maintenance.ReplayBatch)
				return err
			},
		})
	}
	sched := scheduler.NewScheduler(logger, tasks...)
	go sched.Start(ctx)
	defer sched.Stop()

	// HTTP API
	handlerOpts := []handlers.Option{
		handlers.WithLogger(logger),
		handlers.WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
	}
	if svc != nil {
		handlerOpts = append(handlerOpts, handlers.WithIncidents(svc))
	}
	if deadLetter != nil {
		handlerOpts = append(handlerOpts, handlers.WithDeadLetterStats(deadLetter))
	}
	if js != nil {
		handlerOpts = append(handlerOpts, handlers.WithMessageBus(js))
	}
	validator := auth.NewValidator(cfg.Auth.JWTSecret)
	if !validator.Enabled() {
		logger.Warn("auth.jwt_secret is empty; admin endpoints are unauthenticated")
	}
	router := server.NewRouter(handlers.NewHandler(eng, cat, handlerOpts...), validator, logger)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("correlate service listening", "addr", srv.Addr, "patterns", cat.Snapshot().Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Graceful shutdown
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func runMigrations(source, connString string, logger *logging.Logger) error {
	logger.Info("running database migrations", "source", source)
	m, err := migrate.New(source, connString)
	if err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database migrations completed")
	return nil
}

func newRedisClient(ctx context.Context, cfg config.RedisConfig, logger *logging.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		// Suppression checks fail open until Redis answers.
		logger.Warn("redis unreachable at startup", logging.Error(err))
	} else {
		logger.Info("connected to redis")
	}
	return client, nil
}
