package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/reportflow/reportflow/internal/api"
	"github.com/reportflow/reportflow/internal/artifacts"
	"github.com/reportflow/reportflow/internal/dispatch"
	"github.com/reportflow/reportflow/internal/engine"
	"github.com/reportflow/reportflow/internal/logging"
	"github.com/reportflow/reportflow/internal/scheduler"
	"github.com/reportflow/reportflow/internal/secrets"
	"github.com/reportflow/reportflow/internal/status"
	"github.com/reportflow/reportflow/internal/steps"
	"github.com/reportflow/reportflow/internal/store"
	"github.com/reportflow/reportflow/internal/streaming"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "reportflow:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(reportflowDir(), 0o755); err != nil {
		return err
	}
	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return err
	}

	objStore, err := artifacts.NewFSStore(cfg.ArtifactDir)
	if err != nil {
		return err
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		if cfg.VaultSalt == "" {
			return errors.New("REPORTFLOW_VAULT_SALT is required with a vault passphrase")
		}
		vault, err = secrets.NewAESVault(st, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return err
		}
	}

	registry := engine.NewRegistry()
	steps.RegisterBuiltins(registry, steps.Deps{
		Sources: map[string]steps.DataSource{
			"file": &steps.FileSource{Root: cfg.DataDir},
			"sql":  &steps.SQLSource{DB: st.DB()},
		},
		Deliverers: map[string]steps.Deliverer{
			"filesystem": &steps.FSDeliverer{Root: cfg.OutboxDir},
		},
		Artifacts: objStore,
		Vault:     vault,
	})

	// Transitions committed by the engine fan out to SSE subscribers.
	hub := streaming.NewMemoryHub()
	orch, err := engine.NewOrchestrator(streaming.NewPublishingStore(st, hub), registry, objStore, logger, engine.OrchestratorConfig{
		PoolSize: cfg.PoolSize,
	})
	if err != nil {
		return err
	}
	defer orch.Shutdown()

	// With Redis configured, runs are enqueued through asynq so one worker
	// picks each run up exactly once across processes. Without it, runs
	// launch directly on the in-process pool.
	var controller api.RunController = orch
	if cfg.RedisURI != "" {
		dispatcher, err := dispatch.NewDispatcher(cfg.RedisURI, cfg.DispatchConcurrency, orch, logger)
		if err != nil {
			return err
		}
		dispatcher.StartWorkers()
		defer dispatcher.Shutdown()
		controller = &queuedController{Orchestrator: orch, dispatcher: dispatcher}
	}

	sched := scheduler.NewScheduler(st, controller, cfg.schedulerInterval(), logger)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	apiServer := api.NewServer(controller, status.NewService(st), st, sched, logger).WithHub(hub)
	if vault != nil {
		apiServer.WithVault(vault)
	}
	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: apiServer.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// queuedController routes launches through the dispatch queue instead of the
// in-process pool. Everything else passes through to the orchestrator.
type queuedController struct {
	*engine.Orchestrator
	dispatcher *dispatch.Dispatcher
}

func (c *queuedController) Launch(runID string) error {
	return c.dispatcher.Enqueue(context.Background(), runID)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}
