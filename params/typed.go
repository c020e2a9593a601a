package params

import "github.com/cockroachdb/errors"

// Number is the set of value types a typed parameter can hold.
type Number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~int |
		~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uint |
		~float32 | ~float64
}

// Desc is the static description of a typed parameter.
type Desc[T Number] struct {
	ID         uint16
	Name       string
	Unit       string
	Category   string
	Min        T
	Max        T
	Default    T
	TimeoutMs  uint32
	EnumNames  []string
	Persistent bool
}

// Base is the type-erased view of a typed parameter.
type Base interface {
	ID() uint16
	Name() string
	Unit() string
	Category() string
	Flags() Flag
	IsValid() bool
	TimeoutBudget() uint32
	LastUpdate() uint32
	Persistent() bool
	Float64() float64
	CheckTimeout(nowMs uint32)
}

// Param is a typed parameter that validates its writes and tracks its own
// status flags.
type Param[T Number] struct {
	desc       Desc[T]
	value      T
	flags      Flag
	lastUpdate uint32
}

// NewParam builds a parameter at its default value and registers it with m
// when m is not nil.
func NewParam[T Number](m *Manager, d Desc[T]) (*Param[T], error) {
	p := &Param[T]{desc: d, value: d.Default, flags: FlagInitial}
	if m != nil {
		if err := m.Register(p); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// SetValue stores v stamped with tsMs. An out of range value raises
// FlagError and is discarded.
func (p *Param[T]) SetValue(v T, tsMs uint32) bool {
	if v < p.desc.Min || v > p.desc.Max {
		p.flags |= FlagError
		return false
	}
	p.value = v
	p.flags &^= FlagError | FlagTimeout | FlagInitial
	p.flags |= FlagUpdated
	p.lastUpdate = tsMs
	return true
}

func (p *Param[T]) Value() T      { return p.value }
func (p *Param[T]) Min() T        { return p.desc.Min }
func (p *Param[T]) Max() T        { return p.desc.Max }
func (p *Param[T]) Default() T    { return p.desc.Default }
func (p *Param[T]) Desc() Desc[T] { return p.desc }

func (p *Param[T]) ID() uint16            { return p.desc.ID }
func (p *Param[T]) Name() string          { return p.desc.Name }
func (p *Param[T]) Unit() string          { return p.desc.Unit }
func (p *Param[T]) Category() string      { return p.desc.Category }
func (p *Param[T]) Flags() Flag           { return p.flags }
func (p *Param[T]) TimeoutBudget() uint32 { return p.desc.TimeoutMs }
func (p *Param[T]) LastUpdate() uint32    { return p.lastUpdate }
func (p *Param[T]) Persistent() bool      { return p.desc.Persistent }
func (p *Param[T]) Float64() float64      { return float64(p.value) }

func (p *Param[T]) IsValid() bool {
	return p.flags&(FlagError|FlagTimeout) == 0
}

// CheckTimeout raises or clears FlagTimeout. Parameters without a budget or
// never stamped are left alone.
func (p *Param[T]) CheckTimeout(nowMs uint32) {
	if p.desc.TimeoutMs == 0 || p.lastUpdate == 0 {
		return
	}
	if nowMs-p.lastUpdate > p.desc.TimeoutMs {
		p.flags |= FlagTimeout
	} else {
		p.flags &^= FlagTimeout
	}
}

// MaxManaged bounds the number of typed parameters a Manager accepts.
const MaxManaged = 64

// Manager indexes typed parameters by id and name.
type Manager struct {
	params []Base
}

func NewManager() *Manager {
	return &Manager{}
}

// Register rejects a full manager and duplicate ids.
func (m *Manager) Register(p Base) error {
	if len(m.params) >= MaxManaged {
		return errors.Newf("parameter manager full (%d)", MaxManaged)
	}
	if m.ByID(p.ID()) != nil {
		return errors.Wrapf(ErrDuplicateID, "id %d (%s)", p.ID(), p.Name())
	}
	m.params = append(m.params, p)
	return nil
}

func (m *Manager) ByID(id uint16) Base {
	for _, p := range m.params {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (m *Manager) ByName(name string) Base {
	for _, p := range m.params {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

func (m *Manager) ForEach(fn func(Base)) {
	for _, p := range m.params {
		fn(p)
	}
}

func (m *Manager) CheckTimeouts(nowMs uint32) {
	for _, p := range m.params {
		p.CheckTimeout(nowMs)
	}
}

func (m *Manager) Len() int { return len(m.params) }
