//go:build unix

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// watchSave turns SIGUSR1 into save requests.
func watchSave(ctx context.Context, r *Runner) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			r.log.Info("SIGUSR1: saving")
			r.RequestSave()
		}
	}
}
