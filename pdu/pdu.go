// Package pdu packs typed parameters into fixed CAN payloads with an
// optional rolling counter and CRC-8. Bit placement is little-endian at bit
// granularity.
package pdu

import (
	"math"
	"time"

	"go.einride.tech/can"

	"oi-canmap/canhw"
	"oi-canmap/params"
	"oi-canmap/utils"
)

// Scaling maps a physical value onto raw bits: raw = round((v-Offset)/Factor).
// A zero Factor is treated as 1.
type Scaling struct {
	Factor float32
	Offset float32
}

func (s Scaling) factor() float32 {
	if s.Factor == 0 {
		return 1
	}
	return s.Factor
}

// Element is one part of a PDU layout: a field built with Field, a Counter
// or a CRC8.
type Element interface {
	element()
}

type codec interface {
	Element
	encode(buf []byte)
	decode(buf []byte, nowMs uint32)
}

type field[T params.Number] struct {
	param  *params.Param[T]
	start  uint16
	length uint8
	scale  Scaling
}

// Field binds p to length bits starting at start.
func Field[T params.Number](p *params.Param[T], start uint16, length uint8, scale Scaling) Element {
	return &field[T]{param: p, start: start, length: length, scale: scale}
}

func (*field[T]) element() {}

func (f *field[T]) encode(buf []byte) {
	if f.param == nil {
		return
	}
	scaled := (float32(f.param.Value()) - f.scale.Offset) / f.scale.factor()
	raw := int64(math.Round(float64(scaled)))
	utils.SetBufferBits(buf, f.start, f.length, uint64(raw))
}

// decode sign-extends the raw bits when the parameter range maps onto
// negative raw values.
func (f *field[T]) decode(buf []byte, nowMs uint32) {
	if f.param == nil {
		return
	}
	raw := int64(utils.GetBufferBits(buf, f.start, f.length))
	if f.signed() && f.length > 0 && f.length < 64 && raw&(1<<(f.length-1)) != 0 {
		raw -= 1 << f.length
	}
	phys := float32(raw)*f.scale.factor() + f.scale.Offset
	if integral[T]() {
		f.param.SetValue(T(math.Round(float64(phys))), nowMs)
		return
	}
	f.param.SetValue(T(phys), nowMs)
}

// integral reports whether T drops fractions.
func integral[T params.Number]() bool {
	half := 0.5
	return T(half) == 0
}

func (f *field[T]) signed() bool {
	return (float32(f.param.Min())-f.scale.Offset)/f.scale.factor() < 0
}

// Counter is a rolling counter advanced on every Pack.
type Counter struct {
	Start   uint16
	Length  uint8
	Modulus uint32
}

func (Counter) element() {}

// CRC8 protects the payload. Compute defaults to utils.CRC8.
type CRC8 struct {
	Start   uint16
	Length  uint8
	Init    uint8
	Poly    uint8
	Compute func(data []byte, init, poly uint8) uint8
}

func (CRC8) element() {}

func (c *CRC8) sum(buf []byte) uint8 {
	tmp := append([]byte(nil), buf...)
	utils.SetBufferBits(tmp, c.Start, c.length(), 0)
	fn := c.Compute
	if fn == nil {
		fn = utils.CRC8
	}
	return fn(tmp, c.Init, c.Poly)
}

func (c *CRC8) length() uint8 {
	if c.Length == 0 {
		return 8
	}
	return c.Length
}

// PDU is a fixed frame layout bound to one CAN id.
type PDU struct {
	id      uint32
	elems   []Element
	crc     *CRC8
	counter uint32
	rx      uint32
	clock   func() uint32
}

// New builds a PDU. When several CRC8 elements are given the last one wins.
// Counter and CRC8 may be passed by value or by pointer; nil pointers are
// ignored.
func New(canID uint32, elems ...Element) *PDU {
	p := &PDU{id: canID}
	for _, e := range elems {
		switch e := e.(type) {
		case CRC8:
			p.crc = &e
		case *CRC8:
			if e != nil {
				c := *e
				p.crc = &c
			}
		case *Counter:
			if e != nil {
				p.elems = append(p.elems, *e)
			}
		default:
			if e != nil {
				p.elems = append(p.elems, e)
			}
		}
	}
	start := time.Now()
	p.clock = func() uint32 { return uint32(time.Since(start).Milliseconds()) + 1 }
	return p
}

// WithClock sets the millisecond clock stamped on decoded parameters.
func (p *PDU) WithClock(fn func() uint32) *PDU {
	if fn != nil {
		p.clock = fn
	}
	return p
}

func (p *PDU) ID() uint32 { return p.id }

// Counter is the value written by the latest Pack.
func (p *PDU) Counter() uint32 { return p.counter }

// ReceivedCounter is the value read by the latest Unpack.
func (p *PDU) ReceivedCounter() uint32 { return p.rx }

// Pack zeroes buf and writes every field, the next counter value and the
// CRC.
func (p *PDU) Pack(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for i := range buf {
		buf[i] = 0
	}
	next := p.counter
	for _, e := range p.elems {
		switch e := e.(type) {
		case Counter:
			if e.Modulus > 0 {
				next = (next + 1) % e.Modulus
			}
			utils.SetBufferBits(buf, e.Start, e.Length, uint64(next))
		case codec:
			e.encode(buf)
		}
	}
	p.counter = next
	if p.crc != nil {
		utils.SetBufferBits(buf, p.crc.Start, p.crc.length(), uint64(p.crc.sum(buf)))
	}
}

// Unpack decodes every field of buf into its parameter and records the
// counter. It returns whether the CRC matched; fields are decoded either way.
func (p *PDU) Unpack(buf []byte) bool {
	if len(buf) == 0 {
		return false
	}
	ok := true
	if p.crc != nil {
		got := utils.GetBufferBits(buf, p.crc.Start, p.crc.length())
		ok = got == uint64(p.crc.sum(buf))
	}
	now := p.clock()
	for _, e := range p.elems {
		switch e := e.(type) {
		case Counter:
			p.rx = uint32(utils.GetBufferBits(buf, e.Start, e.Length))
		case codec:
			e.decode(buf, now)
		}
	}
	return ok
}

// Frame packs a classic 8 byte frame. Ids above 11 bits or carrying
// canhw.ForceExtended use extended framing.
func (p *PDU) Frame() can.Frame {
	f := can.Frame{
		ID:         p.id & canhw.MaxCOBID,
		Length:     8,
		IsExtended: p.id&canhw.ForceExtended != 0 || p.id&canhw.MaxCOBID > utils.MaxStandardID,
	}
	p.Pack(f.Data[:])
	return f
}

// UnpackFrame is Unpack over the payload of f.
func (p *PDU) UnpackFrame(f can.Frame) bool {
	n := int(f.Length)
	if n > len(f.Data) {
		n = len(f.Data)
	}
	return p.Unpack(f.Data[:n])
}
