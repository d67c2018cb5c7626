package database

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbsmedya/importguard/internal/logger"
)

// SetupSignalHandler returns a context canceled on SIGTERM or SIGINT. A running
// session notices the cancellation between chunks, so the chunk in flight
// still completes and is accounted for.
func SetupSignalHandler(log *logger.Logger) context.Context {
	if log == nil {
		log = logger.NewDefault()
	}
	return SetupSignalHandlerWithCallback(func(sig os.Signal) {
		log.Warnf("Received %s, stopping after the chunk in flight", sig)
	})
}

// SetupSignalHandlerWithCallback is SetupSignalHandler with a custom callback,
// run before the context is canceled.
func SetupSignalHandlerWithCallback(callback func(os.Signal)) context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			if callback != nil {
				callback(sig)
			}
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx
}
