// Command node is the per-node entrypoint of the scale-to-zero
// controller: it wires the kernel-map bridge, packet consumer, idle
// detector, scaling scheduler, autoscaler manager, cluster watcher, and
// (optionally) the distributed coordinator or same-node Redis mirror
// into one running Application, following the teacher's cmd/main.go
// signal-handling shape.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"scaletozero/pkg/logger"
)

func main() {
	app := NewApplication()

	if err := app.Initialize(); err != nil {
		logger.FatalCtx(app.ctx, "Application initialization failed: %v", err)
	}

	if err := app.Start(); err != nil {
		logger.FatalCtx(app.ctx, "Application startup failed: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.InfoCtx(app.ctx, "Received exit signal: %v", sig)

	if err := app.Shutdown(30 * time.Second); err != nil {
		logger.ErrorCtx(app.ctx, "Application shutdown failed: %v", err)
		os.Exit(1)
	}

	logger.InfoCtx(app.ctx, "Application safely exited")
}
