package canhw

import (
	"context"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"go.einride.tech/can"
	"go.einride.tech/can/pkg/socketcan"
	"golang.org/x/sys/unix"

	"oi-canmap/utils"
)

// SocketCAN drives a Linux CAN interface through einride's socketcan
// package. Acceptance filters go to the kernel when the connection exposes
// its descriptor; otherwise every frame is delivered and Hardware.Receive
// filters in software.
type SocketCAN struct {
	iface       string
	conn        net.Conn
	tx          *socketcan.Transmitter
	recv        *socketcan.Receiver
	sendTimeout time.Duration
	log         *utils.Logger

	mu            sync.Mutex
	kernelFilters bool

	frames chan can.Frame
	errs   chan error
	done   chan struct{}
	once   sync.Once
}

// DialSocketCAN opens iface ("can0", "vcan0", ...).
func DialSocketCAN(ctx context.Context, iface string, log *utils.Logger) (*SocketCAN, error) {
	if log == nil {
		log = utils.Nop()
	}
	conn, err := socketcan.DialContext(ctx, "can", iface)
	if err != nil {
		return nil, errors.Wrapf(err, "socketcan dial %s", iface)
	}
	s := &SocketCAN{
		iface:       iface,
		conn:        conn,
		tx:          socketcan.NewTransmitter(conn),
		recv:        socketcan.NewReceiver(conn),
		sendTimeout: 100 * time.Millisecond,
		log:         log,
		frames:      make(chan can.Frame, 64),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

func (s *SocketCAN) Interface() string { return s.iface }

// Send transmits one frame. Ids above 0x7FF or carrying ForceExtended use
// extended framing.
func (s *SocketCAN) Send(canID uint32, data [2]uint32, length uint8) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()
	f := Frame{ID: canID, Data: data, Length: length}
	if err := s.tx.TransmitFrame(ctx, f.ToEinride()); err != nil {
		return errors.Wrapf(err, "transmit 0x%X on %s", canID&MaxCOBID, s.iface)
	}
	return nil
}

// ConfigureFilters programs CAN_RAW_FILTER with one entry per user message.
func (s *SocketCAN) ConfigureFilters(msgs []UserMessage) error {
	sc, ok := s.conn.(syscall.Conn)
	if !ok {
		s.log.Debug("socketcan: %s has no descriptor, filtering in software", s.iface)
		return nil
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "socketcan raw conn")
	}

	filters := KernelFilters(msgs)
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptCanRawFilter(int(fd), unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filters)
	}); err != nil {
		return errors.Wrap(err, "socketcan control")
	}
	if serr != nil {
		return errors.Wrapf(serr, "set CAN_RAW_FILTER on %s", s.iface)
	}

	s.mu.Lock()
	s.kernelFilters = true
	s.mu.Unlock()
	s.log.Debug("socketcan: %d kernel filters on %s", len(filters), s.iface)
	return nil
}

// KernelFilters translates user messages into CAN_RAW_FILTER entries. A zero
// mask matches the identifier and frame format exactly.
func KernelFilters(msgs []UserMessage) []unix.CanFilter {
	out := make([]unix.CanFilter, 0, len(msgs))
	for _, m := range msgs {
		id := m.ID & MaxCOBID
		var f unix.CanFilter
		if m.Extended() {
			f.Id = id | unix.CAN_EFF_FLAG
			f.Mask = unix.CAN_EFF_MASK
		} else {
			f.Id = id
			f.Mask = unix.CAN_SFF_MASK
		}
		if m.Mask != 0 {
			f.Mask = m.Mask & MaxCOBID
		}
		f.Mask |= unix.CAN_EFF_FLAG | unix.CAN_RTR_FLAG
		out = append(out, f)
	}
	return out
}

// KernelFiltering reports whether the last filter set reached the kernel.
func (s *SocketCAN) KernelFiltering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kernelFilters
}

func (s *SocketCAN) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
