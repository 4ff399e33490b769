package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// waitForShutdown blocks until the serving goroutine fails or the process
// receives SIGTERM/SIGINT. Either way shutdownC is closed; on the signal
// path it then waits for the goroutine to drain and report through errC.
func waitForShutdown(errC chan error, shutdownC chan struct{}, log *zerolog.Logger) error {
	signals := make(chan os.Signal, 10)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(signals)

	select {
	case err := <-errC:
		close(shutdownC)
		return err
	case s := <-signals:
		log.Info().Str("signal", s.String()).Msg("initiating graceful shutdown")
		close(shutdownC)
		return <-errC
	}
}
