package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := NewRootCmd().ExecuteContext(ctx)
	if err != nil && errors.Is(err, context.Canceled) && ctx.Err() != nil {
		// Interrupted: claims were released and progress is in the store.
		fmt.Fprintln(os.Stderr, "interrupted, progress saved")
		return
	}
	if err != nil {
		os.Exit(1)
	}
}
