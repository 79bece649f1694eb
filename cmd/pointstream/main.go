// Package main is the pointstream command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.viam.com/pointstream/logging"
)

func main() {
	// tables go to stdout, log lines to stderr
	logger := logging.NewBlankLogger("pointstream")
	logger.AddAppender(logging.NewWriterAppender(os.Stderr))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newApp(os.Stdout, logger).RunContext(ctx, os.Args); err != nil {
		logger.Error(err)
		stop()
		//nolint:gocritic
		os.Exit(1)
	}
}
