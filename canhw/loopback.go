package canhw

import (
	"context"
	"sync"
)

// Loopback is an in-memory bus. Sent frames are recorded and, with echo
// enabled, delivered back to the reader.
type Loopback struct {
	mu      sync.Mutex
	sent    []Frame
	filters []UserMessage
	echo    bool
	rx      chan Frame
	closed  chan struct{}
	once    sync.Once
}

func NewLoopback(echo bool) *Loopback {
	return &Loopback{
		echo:   echo,
		rx:     make(chan Frame, 64),
		closed: make(chan struct{}),
	}
}

func (l *Loopback) Send(canID uint32, data [2]uint32, length uint8) error {
	f := Frame{
		ID:       canID & MaxCOBID,
		Data:     data,
		Length:   length,
		Extended: canID&ForceExtended != 0 || canID&MaxCOBID > 0x7FF,
	}
	l.mu.Lock()
	l.sent = append(l.sent, f)
	l.mu.Unlock()
	if l.echo {
		l.Inject(f)
	}
	return nil
}

func (l *Loopback) ConfigureFilters(msgs []UserMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filters = append(l.filters[:0], msgs...)
	return nil
}

// Filters returns the filter list last programmed by the registrar.
func (l *Loopback) Filters() []UserMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]UserMessage(nil), l.filters...)
}

// Sent returns every frame sent so far.
func (l *Loopback) Sent() []Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Frame(nil), l.sent...)
}

// Reset forgets the sent frames.
func (l *Loopback) Reset() {
	l.mu.Lock()
	l.sent = l.sent[:0]
	l.mu.Unlock()
}

// Inject queues a frame for ReadFrame. Frames are dropped when the queue is
// full or the bus is closed.
func (l *Loopback) Inject(f Frame) bool {
	select {
	case <-l.closed:
		return false
	default:
	}
	select {
	case l.rx <- f:
		return true
	default:
		return false
	}
}

func (l *Loopback) ReadFrame(ctx context.Context) (Frame, error) {
	select {
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-l.closed:
		return Frame{}, ErrClosed
	case f := <-l.rx:
		return f, nil
	}
}

func (l *Loopback) Close() error {
	l.once.Do(func() { close(l.closed) })
	return nil
}
