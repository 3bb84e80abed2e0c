package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"relpose/internal/cli"
	"relpose/internal/config"
	"relpose/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cli.NewRoot(cfg, log, nil)
	err = cli.NewRootCmd(root).ExecuteContext(ctx)
	if cerr := root.Close(); cerr != nil {
		log.Warn("closing database", "error", cerr)
	}
	if err != nil {
		os.Exit(1)
	}
}
