package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/usedtobeme/docsync/internal/coordinator"
	"github.com/usedtobeme/docsync/internal/engine"
	"github.com/usedtobeme/docsync/internal/locator"
	"github.com/usedtobeme/docsync/internal/localstore"
	"github.com/usedtobeme/docsync/internal/persistence"
	"github.com/usedtobeme/docsync/internal/remote"
	"github.com/usedtobeme/docsync/internal/scheduler"
)

// Service names registered in the container.
const (
	svcPersistence = "persistence"
	svcNotifier    = "notifier"
	svcScheduler   = "scheduler"
	svcLocalStore  = "localstore"
	svcRemoteStore = "remotestore"
	svcEngine      = "engine"
	svcCoordinator = "coordinator"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run a sync client until interrupted",
	Long: `Run one sync client instance against the shared store.

The client:
  1. Opens (or creates) the shared store database
  2. Joins the primary election among co-resident clients
  3. If primary, opens the watch/write streams to the remote backend
  4. Replays queued local writes and applies remote changes
  5. Shuts down cleanly on SIGINT/SIGTERM`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

func runDaemon() error {
	logger := newDaemonLogger()
	clientID := uuid.NewString()
	logger.Printf("Starting client %s", clientID)

	container := locator.NewContainer()
	defer func() {
		if err := container.Close(); err != nil {
			logger.Printf("Teardown error: %v", err)
		}
	}()

	if err := registerServices(container, clientID, logger); err != nil {
		return err
	}

	// Resolving the coordinator pulls the whole graph up.
	inst, err := container.GetImmediate(svcCoordinator)
	if err != nil {
		return err
	}
	coord := inst.(*coordinator.Coordinator)

	notifierInst, err := container.GetImmediate(svcNotifier)
	if err != nil {
		return err
	}
	notifier := notifierInst.(*persistence.Notifier)
	if err := notifier.Start(); err != nil {
		return fmt.Errorf("failed to start notifier: %w", err)
	}
	defer notifier.Stop()

	if err := coord.Start(); err != nil {
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	defer coord.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Printf("Received %v, shutting down", sig)
	return nil
}

// registerServices wires every component as a named singleton.
func registerServices(container *locator.Container, clientID string, logger *log.Logger) error {
	regs := []struct {
		name    string
		factory locator.Factory
	}{
		{svcPersistence, func() (any, error) {
			return persistence.Open(viper.GetString("store"))
		}},
		{svcNotifier, func() (any, error) {
			db, err := getService[*persistence.DB](container, svcPersistence)
			if err != nil {
				return nil, err
			}
			cfg := persistence.DefaultNotifierConfig()
			cfg.Logger = logger
			return persistence.NewNotifier(db, clientID, cfg)
		}},
		{svcScheduler, func() (any, error) {
			return scheduler.New(logger), nil
		}},
		{svcLocalStore, func() (any, error) {
			db, err := getService[*persistence.DB](container, svcPersistence)
			if err != nil {
				return nil, err
			}
			notifier, err := getService[*persistence.Notifier](container, svcNotifier)
			if err != nil {
				return nil, err
			}
			store := localstore.New(db, notifier, logger)
			if err := store.Start(context.Background()); err != nil {
				return nil, err
			}
			return store, nil
		}},
		{svcRemoteStore, func() (any, error) {
			local, err := getService[*localstore.LocalStore](container, svcLocalStore)
			if err != nil {
				return nil, err
			}
			sched, err := getService[*scheduler.Scheduler](container, svcScheduler)
			if err != nil {
				return nil, err
			}
			transport := remote.NewWebSocketTransport(viper.GetString("remote.url"), logger)
			cfg := remote.DefaultConfig()
			cfg.Logger = logger
			return remote.NewStore(transport, local, sched, cfg), nil
		}},
		{svcEngine, func() (any, error) {
			local, err := getService[*localstore.LocalStore](container, svcLocalStore)
			if err != nil {
				return nil, err
			}
			remoteStore, err := getService[*remote.Store](container, svcRemoteStore)
			if err != nil {
				return nil, err
			}
			sched, err := getService[*scheduler.Scheduler](container, svcScheduler)
			if err != nil {
				return nil, err
			}
			cfg := engine.DefaultConfig()
			cfg.Logger = logger
			return engine.New(local, remoteStore, sched, cfg), nil
		}},
		{svcCoordinator, func() (any, error) {
			db, err := getService[*persistence.DB](container, svcPersistence)
			if err != nil {
				return nil, err
			}
			notifier, err := getService[*persistence.Notifier](container, svcNotifier)
			if err != nil {
				return nil, err
			}
			eng, err := getService[*engine.Engine](container, svcEngine)
			if err != nil {
				return nil, err
			}
			cfg := coordinator.DefaultConfig()
			cfg.Logger = logger
			cfg.LeaseDuration = viper.GetDuration("daemon.lease_duration")
			cfg.RefreshInterval = viper.GetDuration("daemon.refresh_interval")
			return coordinator.New(db, notifier, eng, clientID, cfg)
		}},
	}

	for _, reg := range regs {
		if err := container.Register(reg.name, reg.factory, locator.Lazy, locator.Single); err != nil {
			return err
		}
	}
	return nil
}

// getService resolves a typed singleton from the container.
func getService[T any](container *locator.Container, name string) (T, error) {
	var zero T
	inst, err := container.GetImmediate(name)
	if err != nil {
		return zero, err
	}
	typed, ok := inst.(T)
	if !ok {
		return zero, fmt.Errorf("service %q has unexpected type %T", name, inst)
	}
	return typed, nil
}

// newDaemonLogger builds the daemon logger, rotating through
// lumberjack when a log file is configured.
func newDaemonLogger() *log.Logger {
	var out io.Writer = os.Stderr
	if logFile := viper.GetString("daemon.log_file"); logFile != "" {
		out = &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return log.New(out, "[docsync] ", log.LstdFlags)
}
