//go:build linux

package canhw

import (
	"context"

	"github.com/cockroachdb/errors"
)

func (s *SocketCAN) receiveLoop() {
	for s.recv.Receive() {
		if s.recv.HasErrorFrame() {
			s.log.Warn("socketcan: error frame on %s: %v", s.iface, s.recv.ErrorFrame())
			continue
		}
		select {
		case s.frames <- s.recv.Frame():
		case <-s.done:
			return
		}
	}
	err := s.recv.Err()
	if err == nil {
		err = ErrClosed
	}
	select {
	case <-s.done:
		err = ErrClosed
	default:
	}
	s.errs <- err
}

// ReadFrame blocks until a frame arrives, the socket fails or ctx is done.
func (s *SocketCAN) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case cf := <-s.frames:
		return FrameFromEinride(cf), nil
	case err := <-s.errs:
		s.errs <- err
		if errors.Is(err, ErrClosed) {
			return Frame{}, err
		}
		return Frame{}, errors.Wrapf(err, "receive on %s", s.iface)
	}
}
