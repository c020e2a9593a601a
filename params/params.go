// Package params holds the node's parameter registry: a fixed table of
// named values with stable ids, limits, status flags and timeout budgets.
package params

import (
	"time"

	"github.com/cockroachdb/errors"
)

// Num indexes the registry.
type Num uint16

// Invalid is returned by lookups that find nothing.
const Invalid Num = 0xFFFF

type Type uint8

const (
	TypeParam Type = iota
	TypeTestParam
	TypeSpotValue
)

func (t Type) String() string {
	switch t {
	case TypeParam:
		return "param"
	case TypeTestParam:
		return "testparam"
	case TypeSpotValue:
		return "value"
	default:
		return "unknown"
	}
}

type Flag uint8

const (
	FlagNone    Flag = 0
	FlagInitial Flag = 1 << 0
	FlagUpdated Flag = 1 << 1
	FlagTimeout Flag = 1 << 2
	FlagError   Flag = 1 << 3
)

// Attributes is the static description of one parameter.
type Attributes struct {
	Category  string
	Name      string
	Unit      string
	Min       float32
	Max       float32
	Def       float32
	ID        uint16
	Type      Type
	TimeoutMs uint32
}

// Entry declares a tunable parameter.
func Entry(category, name, unit string, min, max, def float32, id uint16) Attributes {
	return Attributes{Category: category, Name: name, Unit: unit, Min: min, Max: max, Def: def, ID: id, Type: TypeParam}
}

// TestEntry declares a test parameter. It is settable but never persisted.
func TestEntry(category, name, unit string, min, max, def float32, id uint16) Attributes {
	a := Entry(category, name, unit, min, max, def, id)
	a.Type = TypeTestParam
	return a
}

// Value declares a spot value.
func Value(name, unit string, id uint16) Attributes {
	return Attributes{Name: name, Unit: unit, ID: id, Type: TypeSpotValue}
}

// WithTimeout sets the staleness budget in milliseconds.
func (a Attributes) WithTimeout(ms uint32) Attributes {
	a.TimeoutMs = ms
	return a
}

// Registry is not safe for concurrent use. A node owns it from a single
// goroutine.
type Registry struct {
	attribs    []Attributes
	values     []float32
	flags      []Flag
	lastUpdate []uint32
	written    []bool

	idSumOffset uint32
	change      func(Num)
	clock       func() uint32
}

type Option func(*Registry)

// WithChangeHook installs the function called after every successful Set.
func WithChangeHook(fn func(Num)) Option {
	return func(r *Registry) {
		if fn != nil {
			r.change = fn
		}
	}
}

// WithClock sets the monotonic millisecond clock used to stamp writes.
func WithClock(fn func() uint32) Option {
	return func(r *Registry) {
		if fn != nil {
			r.clock = fn
		}
	}
}

// WithIDSumOffset sets the start value of GetIDSum.
func WithIDSumOffset(offset uint32) Option {
	return func(r *Registry) { r.idSumOffset = offset }
}

// NewRegistry builds a registry from its declaration list. Values start at
// their defaults.
func NewRegistry(attrs []Attributes, opts ...Option) (*Registry, error) {
	if len(attrs) >= int(Invalid) {
		return nil, errors.Newf("registry holds at most %d parameters", int(Invalid)-1)
	}
	seen := make(map[uint16]string, len(attrs))
	for _, a := range attrs {
		if prev, ok := seen[a.ID]; ok {
			return nil, errors.Wrapf(ErrDuplicateID, "id %d used by %s and %s", a.ID, prev, a.Name)
		}
		seen[a.ID] = a.Name
		if a.Type == TypeSpotValue && (a.Min != 0 || a.Max != 0 || a.Def != 0) {
			return nil, errors.Wrapf(ErrSpotLimits, "%s", a.Name)
		}
	}

	start := time.Now()
	r := &Registry{
		attribs:    append([]Attributes(nil), attrs...),
		values:     make([]float32, len(attrs)),
		flags:      make([]Flag, len(attrs)),
		lastUpdate: make([]uint32, len(attrs)),
		written:    make([]bool, len(attrs)),
		change:     func(Num) {},
		clock:      func() uint32 { return uint32(time.Since(start).Milliseconds()) },
	}
	for _, o := range opts {
		o(r)
	}
	for i, a := range r.attribs {
		r.values[i] = a.Def
	}
	return r, nil
}

// MustRegistry is NewRegistry for static declaration lists.
func MustRegistry(attrs []Attributes, opts ...Option) *Registry {
	r, err := NewRegistry(attrs, opts...)
	if err != nil {
		panic(err)
	}
	return r
}

// Len is the number of declared parameters.
func (r *Registry) Len() int { return len(r.attribs) }

func (r *Registry) valid(num Num) bool { return int(num) < len(r.attribs) }

func (r *Registry) touch(num Num) {
	r.lastUpdate[num] = r.clock()
	r.written[num] = true
}

// Set stores a fixed-point value after checking it against the limits and
// calls the change hook. Out of range values leave the parameter intact.
func (r *Registry) Set(num Num, v Fixed) error {
	if !r.valid(num) {
		return ErrUnknownParam
	}
	f := v.Float()
	a := &r.attribs[num]
	if f < a.Min || f > a.Max {
		return errors.Wrapf(ErrRange, "%s=%g outside [%g, %g]", a.Name, f, a.Min, a.Max)
	}
	r.values[num] = f
	r.touch(num)
	r.change(num)
	return nil
}

// SetFixed stores without range check or callback.
func (r *Registry) SetFixed(num Num, v Fixed) {
	r.SetFloat(num, v.Float())
}

// SetFloat stores without range check or callback.
func (r *Registry) SetFloat(num Num, v float32) {
	if !r.valid(num) {
		return
	}
	r.values[num] = v
	r.touch(num)
}

// SetInt stores without range check or callback.
func (r *Registry) SetInt(num Num, v int32) {
	r.SetFloat(num, float32(v))
}

// Get returns the value in fixed point.
func (r *Registry) Get(num Num) Fixed {
	return FixedFromFloat(r.GetFloat(num))
}

func (r *Registry) GetFloat(num Num) float32 {
	if !r.valid(num) {
		return 0
	}
	return r.values[num]
}

func (r *Registry) GetInt(num Num) int32 {
	return int32(r.GetFloat(num))
}

// GetBool is true when the integer value is exactly 1.
func (r *Registry) GetBool(num Num) bool {
	return r.GetInt(num) == 1
}

// GetAttrib returns nil for an unknown index.
func (r *Registry) GetAttrib(num Num) *Attributes {
	if !r.valid(num) {
		return nil
	}
	return &r.attribs[num]
}

func (r *Registry) GetType(num Num) Type {
	if !r.valid(num) {
		return TypeSpotValue
	}
	return r.attribs[num].Type
}

// NumFromID returns the first parameter with the given id.
func (r *Registry) NumFromID(id uint16) Num {
	for i := range r.attribs {
		if r.attribs[i].ID == id {
			return Num(i)
		}
	}
	return Invalid
}

func (r *Registry) NumFromString(name string) Num {
	for i := range r.attribs {
		if r.attribs[i].Name == name {
			return Num(i)
		}
	}
	return Invalid
}

// GetIDSum adds every declared id to the configured offset. Peers compare it
// to detect a schema mismatch.
func (r *Registry) GetIDSum() uint32 {
	sum := r.idSumOffset
	for i := range r.attribs {
		sum += uint32(r.attribs[i].ID)
	}
	return sum
}

// LoadDefaults restores every parameter with a non-zero id.
func (r *Registry) LoadDefaults() {
	for i := range r.attribs {
		if r.attribs[i].ID > 0 {
			r.values[i] = r.attribs[i].Def
		}
	}
}

func (r *Registry) SetFlagsRaw(num Num, raw Flag) {
	if r.valid(num) {
		r.flags[num] = raw
	}
}

func (r *Registry) SetFlag(num Num, f Flag) {
	if r.valid(num) {
		r.flags[num] |= f
	}
}

func (r *Registry) ClearFlag(num Num, f Flag) {
	if r.valid(num) {
		r.flags[num] &^= f
	}
}

func (r *Registry) GetFlag(num Num) Flag {
	if !r.valid(num) {
		return FlagNone
	}
	return r.flags[num]
}

// LastUpdate returns the clock value of the latest write and whether the
// parameter was ever written.
func (r *Registry) LastUpdate(num Num) (uint32, bool) {
	if !r.valid(num) {
		return 0, false
	}
	return r.lastUpdate[num], r.written[num]
}

// CheckTimeouts raises FlagTimeout on every parameter whose budget has run
// out since its last write and clears it on the others. Parameters without a
// budget or never written are left alone.
func (r *Registry) CheckTimeouts(nowMs uint32) int {
	stale := 0
	for i := range r.attribs {
		budget := r.attribs[i].TimeoutMs
		if budget == 0 || !r.written[i] {
			continue
		}
		if nowMs-r.lastUpdate[i] > budget {
			r.flags[i] |= FlagTimeout
			stale++
		} else {
			r.flags[i] &^= FlagTimeout
		}
	}
	return stale
}

// IsValid is false while the parameter is timed out or in error.
func (r *Registry) IsValid(num Num) bool {
	return r.GetFlag(num)&(FlagTimeout|FlagError) == 0
}

// Now reads the registry clock.
func (r *Registry) Now() uint32 { return r.clock() }
