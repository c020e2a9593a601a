package canhw

import (
	"context"

	"github.com/cockroachdb/errors"
)

// ErrClosed is returned by ReadFrame once the bus is closed.
var ErrClosed = errors.New("canhw: bus closed")

// Bus is a driver that also delivers received frames.
type Bus interface {
	Driver
	ReadFrame(ctx context.Context) (Frame, error)
	Close() error
}

// Pump reads frames from bus into out until ctx is done or the bus fails.
func Pump(ctx context.Context, bus Bus, out chan<- Frame) error {
	for {
		f, err := bus.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return nil
			}
			return errors.Wrap(err, "read frame")
		}
		select {
		case out <- f:
		case <-ctx.Done():
			return nil
		}
	}
}
