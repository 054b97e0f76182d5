package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/tenantgw/internal/config"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
)

// waitForShutdown blocks until SIGINT or SIGTERM, or until the server
// fails, then shuts everything down within the configured timeout.
func waitForShutdown(app *application, watcher *config.Watcher) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))
	case err := <-app.gateway.Done():
		if err != nil {
			app.logger.Error("gateway stopped unexpectedly", observability.Error(err))
		}
	}

	app.mu.Lock()
	timeout := app.cfg.Server.ShutdownTimeout.Duration()
	app.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if err := app.shutdown(ctx); err != nil {
		app.logger.Error("shutdown completed with errors", observability.Error(err))
		return
	}
	app.logger.Info("gateway stopped")
}
