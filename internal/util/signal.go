package util

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// WithSignalContext returns a context cancelled on the first SIGINT or
// SIGTERM. The signal is logged so shutdowns are attributable.
func WithSignalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			if logger != nil {
				logger.Info("received signal, shutting down", "signal", sig.String())
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, cancel
}
