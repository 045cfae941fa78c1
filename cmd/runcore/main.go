// Command runcore is the execution core's server binary: one process
// hosting the Ledger, Dispatcher, Scheduler, DLQ watcher, and operational
// HTTP surface, wired together with cobra subcommands the way the
// teacher's cmd/server does for its own server/api-server/worker split.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runcore/core/internal/backfill"
	"github.com/runcore/core/internal/concurrency"
	"github.com/runcore/core/internal/condition"
	"github.com/runcore/core/internal/config"
	"github.com/runcore/core/internal/dispatcher"
	"github.com/runcore/core/internal/dlq"
	"github.com/runcore/core/internal/eventbus"
	"github.com/runcore/core/internal/executor"
	"github.com/runcore/core/internal/httpapi"
	"github.com/runcore/core/internal/notifier"
	"github.com/runcore/core/internal/qualitygate"
	"github.com/runcore/core/internal/registry"
	"github.com/runcore/core/internal/scheduler"
	"github.com/runcore/core/internal/source"
	"github.com/runcore/core/internal/store"
	"github.com/runcore/core/internal/store/postgres"
	"github.com/runcore/core/internal/store/sqlite"
	"github.com/runcore/core/internal/tracing"
	"github.com/runcore/core/internal/watermark"
	"github.com/runcore/core/internal/workflow"
)

var (
	cfgPath  string
	logLevel string
)

// version is stamped by the release build via -ldflags "-X main.version=...";
// left as "dev" for local and test builds.
var version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runcore",
	Short: "runcore is a multi-tenant execution core for tasks, operations, and workflows",
	Long: `runcore hosts the Ledger, Registry, Dispatcher, Workflow Runner,
Scheduler, DLQ, and Watermark/Backfill bookkeeping described by its design
doc behind one process, suitable for embedding as a library's server mode
or running standalone.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the execution core server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database maintenance commands",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Apply migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDBInit()
	},
}

var dbHealthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDBHealth()
	},
}

var retentionDays int

var dbPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminal runs older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDBPurge(retentionDays)
	},
}

var dbTablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the tables the core's schema creates",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, name := range store.TableNames {
			fmt.Println(name)
		}
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check connectivity to the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDBHealth()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", ".", "directory to search for config.yaml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug|info|warn|error")
	dbPurgeCmd.Flags().IntVar(&retentionDays, "older-than-days", 90, "delete terminal runs created more than this many days ago")

	dbCmd.AddCommand(dbInitCmd, dbHealthCmd, dbPurgeCmd, dbTablesCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(healthCmd)
}

func newLogger() (*zap.Logger, error) {
	var zcfg zap.Config
	switch logLevel {
	case "debug":
		zcfg = zap.NewDevelopmentConfig()
	default:
		zcfg = zap.NewProductionConfig()
	}
	return zcfg.Build()
}

// coreStore is the union every backend Store must satisfy for runcore to
// wire every module off a single connection.
type coreStore interface {
	store.Ledger
	store.ScheduleStore
	concurrency.LockStore
	store.WatermarkStore
	store.BackfillStore
	dlq.Store
	source.Store
}

func openStore(cfg *config.Config, logger *zap.Logger) (coreStore, func() error, error) {
	if cfg.DatabaseURL == "" || cfg.DatabaseURL == "sqlite" {
		db, err := sqlite.Open("runcore.db")
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return db, db.Close, nil
	}
	pgCfg := postgres.Config{DSN: cfg.DatabaseURL, MaxOpenConns: 25, MaxIdleConns: 10, ConnMaxLifetime: 5 * time.Minute, ConnMaxIdleTime: 2 * time.Minute}
	db, err := postgres.Connect(pgCfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres store: %w", err)
	}
	return db, db.Close, nil
}

func runServe() error {
	logger, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	db, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tracerProvider, err := tracing.NewProvider("runcore", version)
	if err != nil {
		return fmt.Errorf("start tracer provider: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
	}()

	var bus eventbus.Bus
	switch cfg.EventBackend {
	case "distributed":
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis_url: %w", err)
		}
		bus = eventbus.NewRedisBus(redis.NewClient(opts), "runcore:events", 256)
	default:
		bus = eventbus.NewInProcessBus(256)
	}
	defer bus.Close()

	reg := registry.New()
	guard := concurrency.NewStoreGuard(db)

	execCfg := executor.DefaultConfig()
	execCfg.WorkersPerLane = cfg.WorkerPoolSize
	exec := executor.New(execCfg, db, reg, bus, guard, logger)
	exec.Start(context.Background())
	defer exec.Stop()

	disp := dispatcher.New(db, reg, exec, bus, guard, logger)

	var evaluator condition.Evaluator
	switch cfg.ConditionLanguage {
	case "expr":
		evaluator = condition.NewExprEvaluator()
	default:
		evaluator = condition.NewGojqEvaluator()
	}
	workflowDefs := workflow.NewMemDefStore()
	workflowRunner := workflow.New(reg, evaluator, bus, disp, logger)
	if err := workflow.RegisterAll(reg, workflowRunner, workflowDefs); err != nil {
		return fmt.Errorf("register workflow defs: %w", err)
	}

	var dlqNotifier dlq.Notifier
	if cfg.DLQNotifySlackWebhook != "" {
		slackNotifier := notifier.NewSlack(cfg.DLQNotifySlackWebhook, "", logger)
		defer slackNotifier.Close()
		dlqNotifier = slackNotifier
	}
	dlqSvc := dlq.New(db, db, disp, dlqNotifier, logger)
	watcher := dlq.NewWatcher(bus, db, disp, dlqSvc, logger)
	if _, err := watcher.Start(context.Background()); err != nil {
		return fmt.Errorf("start dlq watcher: %w", err)
	}

	gate, err := qualitygate.New(context.Background(), qualitygate.DefaultPolicy, logger)
	if err != nil {
		return fmt.Errorf("prepare quality gate: %w", err)
	}

	watermarks := watermark.New(db, bus, logger)
	backfills := backfill.New(db, bus, gate, logger)

	schedCfg := scheduler.DefaultConfig(cfg.SchedulerInstanceID)
	schedCfg.TickInterval = time.Duration(cfg.SchedulerIntervalSeconds * float64(time.Second))
	sched := scheduler.New(db, disp, logger, schedCfg)
	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	go sched.Run(schedCtx)

	server := httpapi.New(disp, dlqSvc, watermarks, backfills, gate, db, logger)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.Int("port", cfg.HTTPPort))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runDBInit() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	_, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("database initialized")
	return nil
}

func runDBHealth() error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	db, closeStore, err := openStore(cfg, logger)
	if err != nil {
		fmt.Println("unhealthy:", err)
		return err
	}
	defer closeStore()
	if err := db.Health(context.Background()); err != nil {
		fmt.Println("unhealthy:", err)
		return err
	}
	fmt.Println("ok")
	return nil
}

func runDBPurge(olderThanDays int) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	db, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	removed, err := db.PurgeOlderThanDays(context.Background(), olderThanDays)
	if err != nil {
		return fmt.Errorf("purge: %w", err)
	}
	fmt.Printf("purged %d runs older than %d days\n", removed, olderThanDays)
	return nil
}
