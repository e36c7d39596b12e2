package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vivangkumar/forward/cmd/internal/cli"
)

func run(ctx context.Context, args []string) error {
	if err := cli.New().RunContext(ctx, args); err != nil {
		return fmt.Errorf("forward: %w", err)
	}

	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := run(ctx, os.Args); err != nil {
		stop()
		log.WithError(err).Fatal("exiting")
	}
}
