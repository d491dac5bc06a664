package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/formgate/formgate/internal/buildinfo"
)

func main() {
	log.Printf("formgate %s (%s, built %s)", buildinfo.Version, buildinfo.GitCommit, buildinfo.BuildTime)
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// waitForShutdown blocks until a termination signal arrives or a server
// fails. Returns the server error, if any.
func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Printf("received signal %s, shutting down", sig)
		return nil
	case err := <-serverErrCh:
		return err
	}
}
