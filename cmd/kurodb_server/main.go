// Command kurodb_server boots a standalone transaction engine node: lock
// table, deadlock detector, version store, write-ahead log, transaction
// manager, and the 2PC and saga coordinators, plus the telemetry endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kurodb/kurodb/core/deadlock"
	"github.com/kurodb/kurodb/core/saga"
	"github.com/kurodb/kurodb/core/transaction"
	"github.com/kurodb/kurodb/core/twophase"
	"github.com/kurodb/kurodb/core/wal"
	"github.com/kurodb/kurodb/internal/metrics"
	"github.com/kurodb/kurodb/pkg/config"
	"github.com/kurodb/kurodb/pkg/kvstore"
	"github.com/kurodb/kurodb/pkg/logger"
	"github.com/kurodb/kurodb/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to the yaml configuration file")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	tel, telShutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		log.Fatal("failed to initialize telemetry", zap.Error(err))
	}

	engineMetrics, err := metrics.NewEngineMetrics(tel.Meter)
	if err != nil {
		log.Fatal("failed to register engine metrics", zap.Error(err))
	}

	walManager, err := wal.NewLogManager(cfg.Engine.WALDir, log.Named("wal"))
	if err != nil {
		log.Fatal("failed to open write-ahead log", zap.Error(err))
	}

	store := kvstore.NewMemoryStore()
	mgr := transaction.NewManager(transaction.Config{
		Shards:          cfg.Engine.Shards,
		LockWaitTimeout: cfg.Engine.LockWaitTimeout.Std(),
	}, walManager, store, log.Named("txn"), engineMetrics)

	detector := deadlock.NewDetector(
		deadlock.Config{Interval: cfg.Engine.DeadlockInterval.Std()},
		mgr.Locks(), mgr, mgr.AbortVictim,
		log.Named("deadlock"),
	)
	detector.Start()

	coordinator := twophase.NewCoordinator(twophase.Config{
		PrepareTimeout:  cfg.TwoPhase.PrepareTimeout.Std(),
		DecisionTimeout: cfg.TwoPhase.DecisionTimeout.Std(),
		MaxAttempts:     cfg.TwoPhase.MaxAttempts,
		RetryRate:       rate.Limit(cfg.TwoPhase.RetryPerSecond),
	}, walManager, log.Named("2pc"))

	sagas := saga.NewCoordinator(saga.Config{
		MaxAttempts: cfg.Saga.MaxAttempts,
		BaseBackoff: cfg.Saga.BaseBackoff.Std(),
		MaxBackoff:  cfg.Saga.MaxBackoff.Std(),
	}, walManager, log.Named("saga"))
	log.Info("saga coordinator ready", zap.Int("needs_attention", len(sagas.NeedsAttention())))

	// Replay any 2PC decision logged before a previous shutdown. With no
	// remote participants registered at boot, unresolved entries stay
	// pending until a participant re-registers.
	if err := coordinator.Recover(context.Background(), func(string) (twophase.Participant, bool) {
		return nil, false
	}); err != nil {
		log.Warn("2pc recovery incomplete", zap.Error(err))
	}

	log.Info("kurodb server started",
		zap.Int("shards", cfg.Engine.Shards),
		zap.Duration("lock_wait_timeout", cfg.Engine.LockWaitTimeout.Std()),
		zap.Duration("deadlock_interval", cfg.Engine.DeadlockInterval.Std()),
		zap.String("wal_dir", cfg.Engine.WALDir))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutting down", zap.String("signal", sig.String()))

	detector.Stop()
	if err := walManager.Close(); err != nil {
		log.Error("failed to close write-ahead log", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := telShutdown(shutdownCtx); err != nil {
		log.Error("failed to shut down telemetry", zap.Error(err))
	}
}
