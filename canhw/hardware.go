// Package canhw tracks the CAN identifiers a node wants to receive and binds
// a single receiver to the bus driver.
package canhw

import (
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.einride.tech/can"

	"oi-canmap/utils"
)

const (
	// MaxUserMessages is the capacity of the receive filter list.
	MaxUserMessages = 10

	// ForceExtended requests 29-bit framing for an id that fits in 11 bits.
	ForceExtended = 0x20000000

	// MaxCOBID is the largest extended identifier.
	MaxCOBID = 0x1FFFFFFF
)

// Callback receives frames accepted by the filter list.
type Callback interface {
	HandleRx(canID uint32, data [2]uint32, dlc uint8)
	HandleClear()
}

type nullCallback struct{}

func (nullCallback) HandleRx(uint32, [2]uint32, uint8) {}
func (nullCallback) HandleClear()                      {}

// UserMessage is one acceptance filter. A zero mask matches ID exactly.
type UserMessage struct {
	ID   uint32
	Mask uint32
}

// Matches reports whether a received identifier passes the filter.
func (m UserMessage) Matches(canID uint32) bool {
	want := m.ID & MaxCOBID
	canID &= MaxCOBID
	if m.Mask == 0 {
		return canID == want
	}
	return canID&m.Mask == want&m.Mask
}

// Extended reports whether the filter targets 29-bit frames.
func (m UserMessage) Extended() bool {
	return m.ID&ForceExtended != 0 || m.ID&MaxCOBID > utils.MaxStandardID
}

// Accepts reports whether any filter passes canID.
func Accepts(msgs []UserMessage, canID uint32) bool {
	for _, m := range msgs {
		if m.Matches(canID) {
			return true
		}
	}
	return false
}

// Frame is a classic CAN frame in the word layout used by the signal map.
type Frame struct {
	ID       uint32
	Data     [2]uint32
	Length   uint8
	Extended bool
}

// ToEinride converts the frame for the einride transmitters. The force
// extended bit of ID is folded into the framing flag.
func (f Frame) ToEinride() can.Frame {
	return utils.EncodeEinrideFrame(f.ID&MaxCOBID, f.Data, f.Length, f.Extended || f.ID&ForceExtended != 0)
}

func FrameFromEinride(cf can.Frame) Frame {
	id, data, dlc := utils.DecodeEinrideFrame(cf)
	return Frame{ID: id, Data: data, Length: dlc, Extended: cf.IsExtended}
}

// Driver is the bus back end.
type Driver interface {
	Send(canID uint32, data [2]uint32, length uint8) error
	ConfigureFilters(msgs []UserMessage) error
}

// Hardware is the filter registrar sitting between a driver and the one
// receiver bound to it.
type Hardware struct {
	mu     sync.Mutex
	driver Driver
	msgs   []UserMessage
	recv   Callback
	lastRx time.Time
	log    *utils.Logger
}

type Option func(*Hardware)

func WithLogger(l *utils.Logger) Option {
	return func(h *Hardware) {
		if l != nil {
			h.log = l
		}
	}
}

func New(driver Driver, opts ...Option) *Hardware {
	h := &Hardware{
		driver: driver,
		msgs:   make([]UserMessage, 0, MaxUserMessages),
		recv:   nullCallback{},
		log:    utils.Nop(),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// AddCallback binds recv as the only receiver. A nil recv installs a quiet
// sink and returns false.
func (h *Hardware) AddCallback(recv Callback) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if recv == nil {
		h.recv = nullCallback{}
		return false
	}
	h.recv = recv
	return true
}

// RegisterUserMessage adds canID to the filter list. It returns false when
// the list is full or canID is already present. canID may carry
// ForceExtended to request an extended filter for a small id.
func (h *Hardware) RegisterUserMessage(canID, mask uint32) bool {
	h.mu.Lock()
	if len(h.msgs) >= MaxUserMessages {
		h.mu.Unlock()
		h.log.Warn("canhw: filter list full, dropping 0x%X", canID)
		return false
	}
	for _, m := range h.msgs {
		if m.ID == canID {
			h.mu.Unlock()
			return false
		}
	}
	h.msgs = append(h.msgs, UserMessage{ID: canID, Mask: mask})
	msgs := h.userMessagesLocked()
	h.mu.Unlock()

	h.configure(msgs)
	return true
}

// ClearUserMessages empties the filter list and lets the receiver register
// what it still needs.
func (h *Hardware) ClearUserMessages() {
	h.mu.Lock()
	h.msgs = h.msgs[:0]
	recv := h.recv
	h.mu.Unlock()

	h.configure(nil)
	recv.HandleClear()
}

func (h *Hardware) configure(msgs []UserMessage) {
	if h.driver == nil {
		return
	}
	if err := h.driver.ConfigureFilters(msgs); err != nil {
		h.log.Error("canhw: configure filters: %v", err)
	}
}

// UserMessages returns a copy of the filter list.
func (h *Hardware) UserMessages() []UserMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.userMessagesLocked()
}

func (h *Hardware) userMessagesLocked() []UserMessage {
	return append([]UserMessage(nil), h.msgs...)
}

// HandleRx forwards a frame to the receiver without filtering.
func (h *Hardware) HandleRx(canID uint32, data [2]uint32, dlc uint8) {
	h.mu.Lock()
	h.lastRx = time.Now()
	recv := h.recv
	h.mu.Unlock()
	recv.HandleRx(canID, data, dlc)
}

// Receive applies the filter list in software and forwards accepted frames.
func (h *Hardware) Receive(f Frame) bool {
	if !Accepts(h.UserMessages(), f.ID) {
		return false
	}
	h.HandleRx(f.ID&MaxCOBID, f.Data, f.Length)
	return true
}

// LastRx is the time of the latest forwarded frame.
func (h *Hardware) LastRx() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastRx
}

// Send hands a frame to the driver. Ids above 0x7FF or carrying
// ForceExtended go out with extended framing.
func (h *Hardware) Send(canID uint32, data [2]uint32, length uint8) error {
	if h.driver == nil {
		return errors.New("canhw: no driver")
	}
	return h.driver.Send(canID, data, length)
}

// Baudrate is a supported nominal bit rate.
type Baudrate int

const (
	Baud125  Baudrate = 125000
	Baud250  Baudrate = 250000
	Baud500  Baudrate = 500000
	Baud800  Baudrate = 800000
	Baud1000 Baudrate = 1000000
)

// ParseBaudrate accepts bit rates in bit/s.
func ParseBaudrate(bps int) (Baudrate, error) {
	switch b := Baudrate(bps); b {
	case Baud125, Baud250, Baud500, Baud800, Baud1000:
		return b, nil
	}
	return 0, errors.Newf("unsupported bitrate %d", bps)
}

func (b Baudrate) String() string {
	if b >= Baud1000 {
		return fmt.Sprintf("%dM", int(b)/1000000)
	}
	return fmt.Sprintf("%dk", int(b)/1000)
}
