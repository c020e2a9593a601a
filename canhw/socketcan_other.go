//go:build !linux

package canhw

import (
	"context"

	"github.com/cockroachdb/errors"

	"oi-canmap/utils"
)

// SocketCAN is only available on Linux.
type SocketCAN struct{}

func DialSocketCAN(ctx context.Context, iface string, log *utils.Logger) (*SocketCAN, error) {
	return nil, errors.Newf("socketcan %s: not supported on this platform", iface)
}

func (s *SocketCAN) Interface() string                        { return "" }
func (s *SocketCAN) Send(uint32, [2]uint32, uint8) error      { return ErrClosed }
func (s *SocketCAN) ConfigureFilters([]UserMessage) error     { return nil }
func (s *SocketCAN) ReadFrame(context.Context) (Frame, error) { return Frame{}, ErrClosed }
func (s *SocketCAN) KernelFiltering() bool                    { return false }
func (s *SocketCAN) Close() error                             { return nil }
