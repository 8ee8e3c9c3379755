package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/flightdeck-ai/flightdeck/internal/budget"
	"github.com/flightdeck-ai/flightdeck/internal/checkpoint"
	"github.com/flightdeck-ai/flightdeck/internal/config"
	"github.com/flightdeck-ai/flightdeck/internal/database"
	"github.com/flightdeck-ai/flightdeck/internal/events"
	"github.com/flightdeck-ai/flightdeck/internal/observability"
	"github.com/flightdeck-ai/flightdeck/internal/orchestrator"
	"github.com/flightdeck-ai/flightdeck/internal/priority"
	"github.com/flightdeck-ai/flightdeck/internal/queue"
	"github.com/flightdeck-ai/flightdeck/internal/quota"
	"github.com/flightdeck-ai/flightdeck/internal/registry"
	"github.com/flightdeck-ai/flightdeck/internal/scheduler"
	"github.com/flightdeck-ai/flightdeck/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the flightdeck orchestrator",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	dbCfg := database.DefaultConfig(cfg.Database.Path)
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	dbCfg.BusyTimeout = time.Duration(cfg.Database.BusyTimeoutMs) * time.Millisecond
	db, err := database.OpenWithConfig(dbCfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := database.NewMigrator(db).Migrate(ctx); err != nil {
		return err
	}

	defs, etcdClient, err := buildDefinitionStore(cfg, logger)
	if err != nil {
		return err
	}
	if etcdClient != nil {
		defer etcdClient.Close()
	}

	bus := events.NewEventBus(events.WithDropHandler(func(subscriberID string, ev events.Event) {
		logger.Warn("event dropped for slow subscriber",
			"subscriber_id", subscriberID, "event_type", string(ev.Type))
	}))
	defer bus.Close()

	jobs := queue.NewSQLiteQueue(db, cfg.QueueConfig(), logger)
	checkpoints := checkpoint.NewManager(checkpoint.NewSQLiteStore(db), cfg.Checkpoint.Retention, logger)
	runDAO := database.NewRunDAO(db)
	enforcer := quota.NewEnforcer(db, defs, runDAO, bus, logger)
	priorities := priority.NewScheduler(db, bus, logger)

	policy, err := cfg.BudgetPolicy()
	if err != nil {
		return err
	}
	guard, err := budget.NewGuard(db, priorities, bus, policy, logger)
	if err != nil {
		return err
	}

	// Executors are registered by the embedding deployment; a bare serve
	// starts with an empty registry and fails fast on unknown targets.
	reg := registry.NewInMemoryRegistry()

	sched := scheduler.NewScheduler(db, jobs, priorities, reg, bus, logger, cfg.Worker.Stream)
	pool := worker.NewPool(cfg.WorkerConfig(), db, jobs, reg, checkpoints, bus, logger)
	orch := orchestrator.New(db, sched, enforcer, guard, pool, checkpoints, jobs, bus, logger)

	if err := orch.Start(ctx); err != nil {
		return err
	}
	logger.Info("flightdeck serving", "database", cfg.Database.Path)

	<-ctx.Done()
	logger.Info("shutting down")
	return orch.Stop()
}

func buildDefinitionStore(cfg *config.Config, logger *slog.Logger) (quota.DefinitionStore, *clientv3.Client, error) {
	if len(cfg.Etcd.Endpoints) == 0 {
		logger.Info("no etcd endpoints configured, using in-memory quota definitions")
		return quota.NewInMemoryDefinitionStore(), nil, nil
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Etcd.Endpoints,
		DialTimeout: cfg.Etcd.DialTimeout,
		Username:    cfg.Etcd.Username,
		Password:    cfg.Etcd.Password,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	return quota.NewEtcdDefinitionStore(client, cfg.Etcd.QuotaPrefix), client, nil
}
