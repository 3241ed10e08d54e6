package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	agentports "counsel/internal/agent/ports"
	"counsel/internal/agent/sessions"
	"counsel/internal/async"
	"counsel/internal/logging"
	"counsel/internal/server/app"
	serverhttp "counsel/internal/server/http"

	"golang.org/x/sync/errgroup"
)

// RunServer starts the HTTP API server and blocks until a shutdown signal is received.
func RunServer(observabilityConfigPath string, runner agentports.Runner) error {
	logger := logging.NewComponentLogger("Main")
	logger.Info("Starting counsel live run server...")

	obs, cleanupObs := InitObservability(observabilityConfigPath, logger)
	if cleanupObs != nil {
		defer cleanupObs()
	}

	config, err := LoadConfig(DefaultEnvLookup)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger.Info("Configuration: port=%s env=%s history=%d retained_runs=%d keepalive=%s",
		config.Port, config.Environment, config.MaxHistory, config.MaxRetainedRuns, config.SSEKeepalive)

	store, err := app.NewRunStore(config.MaxRetainedRuns)
	if err != nil {
		return fmt.Errorf("create run store: %w", err)
	}
	resolver := sessions.NewInMemoryResolver(serverhttp.ServiceName, logging.NewComponentLogger("Sessions"))

	managerOpts := []app.ManagerOption{app.WithMaxHistory(config.MaxHistory)}
	if obs != nil {
		managerOpts = append(managerOpts, app.WithMetrics(obs.Metrics), app.WithTracer(obs.Tracer))
	}
	manager := app.NewLiveRunManager(runner, resolver, store, managerOpts...)

	healthChecker := app.NewHealthChecker()
	healthChecker.RegisterProbe(app.NewRunManagerProbe(manager))
	healthChecker.RegisterProbe(app.NewRunStoreProbe(store, config.MaxRetainedRuns))
	healthChecker.RegisterProbe(app.NewRunnerProbe(runner != nil))

	router := serverhttp.NewRouter(manager, healthChecker, serverhttp.RouterConfig{
		Environment:    config.Environment,
		AllowedOrigins: config.AllowedOrigins,
		SSEKeepalive:   config.SSEKeepalive,
	}, obs)

	server := &http.Server{
		Addr:        ":" + config.Port,
		Handler:     router,
		ReadTimeout: 5 * time.Minute,
		// SSE streams stay open indefinitely, so no write timeout.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return serveUntilSignal(server, manager, config.ShutdownTimeout, logger)
}

func serveUntilSignal(server *http.Server, manager *app.LiveRunManager, drainTimeout time.Duration, logger logging.Logger) error {
	logger = logging.OrNop(logger)

	errCh := make(chan error, 1)
	async.Go(logger, "server.listen", func() {
		logger.Info("Server listening on %s", server.Addr)
		errCh <- server.ListenAndServe()
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err == nil || err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	case <-quit:
		logger.Info("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		var group errgroup.Group
		group.Go(func() error {
			return server.Shutdown(ctx)
		})
		group.Go(func() error {
			if err := manager.DrainActive(ctx); err != nil {
				logger.Warn("Active runs did not finish before shutdown: %v", err)
			}
			return nil
		})
		shutdownErr := group.Wait()

		serveErr := <-errCh
		if serveErr == http.ErrServerClosed {
			serveErr = nil
		}

		if shutdownErr != nil {
			return fmt.Errorf("shutdown: %w", shutdownErr)
		}
		if serveErr != nil {
			return fmt.Errorf("server error: %w", serveErr)
		}

		logger.Info("Server stopped")
		return nil
	}
}
