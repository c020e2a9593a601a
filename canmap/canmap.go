// Package canmap binds registry parameters to bit fields of CAN frames. It
// decodes received frames into parameters, composes outgoing frames from
// parameters and persists its tables to EEPROM.
package canmap

import (
	"math"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"oi-canmap/canhw"
	"oi-canmap/eeprom"
	"oi-canmap/params"
	"oi-canmap/utils"
)

const (
	// MaxMessages is the number of id entries per direction.
	MaxMessages = 10

	// MaxItems is the number of signal slots shared by both directions.
	MaxItems = 70

	// DefaultBase places the map right after the parameter page.
	DefaultBase = params.PageSize

	itemUnset = 0xFF
	endOfList = MaxItems

	extForceFlag = 1 << 29
	stdForceFlag = 1 << 11
)

// Hardware is the part of the filter registrar the map needs.
type Hardware interface {
	RegisterUserMessage(canID, mask uint32) bool
	ClearUserMessages()
	AddCallback(recv canhw.Callback) bool
	Send(canID uint32, data [2]uint32, length uint8) error
}

type idEntry struct {
	canID uint32
	first uint8
}

func (e *idEntry) empty() bool { return e.first == endOfList }

type slot struct {
	param      uint16
	gain       float32
	offset     int8
	offsetBits uint8
	numBits    int8
	next       uint8
	// orphan keeps the stored id while param is params.Invalid.
	orphan uint16
}

type table [MaxMessages]idEntry

// Mapping is one binding as seen from outside the map. CanID is in public
// form: the numeric id plus canhw.ForceExtended when requested.
//
// A binding loaded for a parameter id the registry does not declare has
// Param == params.Invalid and carries the stored id in OrphanID.
type Mapping struct {
	Param      params.Num
	OrphanID   uint16
	CanID      uint32
	OffsetBits uint8
	Length     int8
	Gain       float32
	Offset     int8
	Rx         bool
}

// Width is the field width in bits.
func (m Mapping) Width() uint8 { return utils.FieldWidth(m.Length) }

// BigEndian reports a Motorola ordered field.
func (m Mapping) BigEndian() bool { return m.Length < 0 }

// SignedLength folds a width and a byte order into the signed length used by
// AddSend and AddRecv.
func SignedLength(width uint8, bigEndian bool) int8 {
	if bigEndian {
		return -int8(width)
	}
	return int8(width)
}

// Stats counts live entries and slots.
type Stats struct {
	Send  int
	Recv  int
	Slots int
}

// Map is the runtime signal map. Mutations and HandleRx must come from the
// same goroutine; Save excludes HandleRx and SendAll through a saving flag.
type Map struct {
	hw   Hardware
	reg  *params.Registry
	send table
	recv table
	pos  [MaxItems + 1]slot

	saving   atomic.Bool
	forceBit uint32
	maxCOBID uint32
	signed   bool

	mem      eeprom.Memory
	base     int
	loadBoot bool
	log      *utils.Logger
}

type Option func(*Map)

// WithEEPROM attaches the memory used by Save and Load.
func WithEEPROM(mem eeprom.Memory, base int) Option {
	return func(m *Map) {
		m.mem = mem
		m.base = base
	}
}

// WithLoad restores the stored map during New.
func WithLoad() Option {
	return func(m *Map) { m.loadBoot = true }
}

// WithStandardIDs limits ids to 11 bits and keeps the force flag in bit 11.
func WithStandardIDs() Option {
	return func(m *Map) {
		m.forceBit = stdForceFlag
		m.maxCOBID = utils.MaxStandardID
	}
}

// WithSignedFields sign-extends every received field.
func WithSignedFields() Option {
	return func(m *Map) { m.signed = true }
}

func WithLogger(l *utils.Logger) Option {
	return func(m *Map) {
		if l != nil {
			m.log = l
		}
	}
}

// New builds an empty map, optionally restores it from EEPROM, binds it as
// the receiver of hw and registers every receive id.
func New(hw Hardware, reg *params.Registry, opts ...Option) *Map {
	m := &Map{
		hw:       hw,
		reg:      reg,
		forceBit: extForceFlag,
		maxCOBID: canhw.MaxCOBID,
		base:     DefaultBase,
		log:      utils.Nop(),
	}
	for _, o := range opts {
		o(m)
	}
	if m.hw == nil {
		m.hw = canhw.New(nil)
	}
	m.clearTables()

	if m.loadBoot {
		if err := m.Load(); err != nil {
			m.log.Warn("canmap: starting empty: %v", err)
		} else {
			st := m.Stats()
			m.log.Info("canmap: loaded %d send, %d receive ids, %d slots", st.Send, st.Recv, st.Slots)
		}
	}
	m.hw.AddCallback(m)
	m.HandleClear()
	return m
}

// Standard reports whether the map was built for 11-bit ids.
func (m *Map) Standard() bool { return m.forceBit == stdForceFlag }

// Signed reports whether received fields are sign-extended.
func (m *Map) Signed() bool { return m.signed }

// Registry returns the registry the map reads and writes.
func (m *Map) Registry() *params.Registry { return m.reg }

// IsSaving reports whether a save is in progress.
func (m *Map) IsSaving() bool { return m.saving.Load() }

func (m *Map) clearTables() {
	for i := range m.send {
		m.send[i].first = endOfList
		m.recv[i].first = endOfList
	}
	for i := range m.pos {
		m.pos[i].next = itemUnset
	}
}

func (m *Map) table(rx bool) *table {
	if rx {
		return &m.recv
	}
	return &m.send
}

// walk visits the slots of e in list order until fn returns false. It never
// takes more than MaxItems steps.
func (m *Map) walk(e *idEntry, fn func(idx uint8, s *slot) bool) {
	for idx, n := e.first, 0; idx < MaxItems && n < MaxItems; n++ {
		s := &m.pos[idx]
		if s.next == itemUnset {
			return
		}
		if !fn(idx, s) {
			return
		}
		idx = s.next
	}
}

func (m *Map) findByID(t *table, canID uint32) *idEntry {
	want := canID &^ m.forceBit
	for i := 0; i < MaxMessages && !t[i].empty(); i++ {
		if t[i].canID&^m.forceBit == want {
			return &t[i]
		}
	}
	return nil
}

func liveEntries(t *table) int {
	n := 0
	for n < MaxMessages && !t[n].empty() {
		n++
	}
	return n
}

// storedID converts a public id into the stored form.
func (m *Map) storedID(canID uint32) (uint32, error) {
	force := canID&canhw.ForceExtended != 0
	id := canID &^ canhw.ForceExtended
	if id > m.maxCOBID {
		return 0, errors.Wrapf(ErrInvalidID, "0x%X", canID)
	}
	if force {
		id |= m.forceBit
	}
	return id, nil
}

func (m *Map) publicID(stored uint32) uint32 {
	id := stored &^ m.forceBit
	if stored&m.forceBit != 0 {
		id |= canhw.ForceExtended
	}
	return id
}

// AddSend binds param to a field of the outgoing frame canID and returns
// the number of live send ids.
func (m *Map) AddSend(param params.Num, canID uint32, offsetBits uint8, length int8, gain float32, offset int8) (int, error) {
	id, err := m.storedID(canID)
	if err != nil {
		return 0, err
	}
	n, err := m.add(&m.send, param, id, offsetBits, length, gain, offset)
	if err != nil {
		m.log.Warn("canmap: send 0x%X param %d rejected: %v", canID, param, err)
	}
	return n, err
}

// AddRecv binds param to a field of the incoming frame canID, registers the
// id with the hardware and returns the number of live receive ids.
func (m *Map) AddRecv(param params.Num, canID uint32, offsetBits uint8, length int8, gain float32, offset int8) (int, error) {
	id, err := m.storedID(canID)
	if err != nil {
		return 0, err
	}
	n, err := m.add(&m.recv, param, id, offsetBits, length, gain, offset)
	if err != nil {
		m.log.Warn("canmap: recv 0x%X param %d rejected: %v", canID, param, err)
		return n, err
	}
	m.hw.RegisterUserMessage(canID, 0)
	return n, nil
}

func (m *Map) add(t *table, param params.Num, canID uint32, offsetBits uint8, length int8, gain float32, offset int8) (int, error) {
	if err := utils.CheckField(offsetBits, length); err != nil {
		return 0, errors.Wrapf(fieldError(err), "offset %d length %d", offsetBits, length)
	}
	if m.reg != nil && int(param) >= m.reg.Len() {
		return 0, errors.Wrapf(ErrUnknownParam, "%d", param)
	}

	e := m.findByID(t, canID)
	fresh := e == nil
	if fresh {
		for i := range t {
			if t[i].empty() {
				e = &t[i]
				break
			}
		}
		if e == nil {
			return 0, ErrMaxMessages
		}
	}

	free := -1
	for i := 0; i < MaxItems; i++ {
		if m.pos[i].next == itemUnset {
			free = i
			break
		}
	}
	if free < 0 {
		return 0, ErrMaxItems
	}

	m.pos[free] = slot{
		param:      uint16(param),
		gain:       gain,
		offset:     offset,
		offsetBits: offsetBits,
		numBits:    length,
		next:       endOfList,
	}
	if fresh {
		e.canID = canID
		e.first = uint8(free)
	} else {
		last := e.first
		m.walk(e, func(idx uint8, _ *slot) bool {
			last = idx
			return true
		})
		m.pos[last].next = uint8(free)
	}
	return liveEntries(t), nil
}

// Remove drops the first slot bound to param, searching the send table
// before the receive table. An id entry left without slots is replaced by
// the last live entry of its table.
func (m *Map) Remove(param params.Num) bool {
	for _, rx := range []bool{false, true} {
		t := m.table(rx)
		for i := 0; i < MaxMessages && !t[i].empty(); i++ {
			item := -1
			n := 0
			m.walk(&t[i], func(_ uint8, s *slot) bool {
				if params.Num(s.param) == param {
					item = n
					return false
				}
				n++
				return true
			})
			if item >= 0 {
				return m.removeAt(t, i, item)
			}
		}
	}
	return false
}

func (m *Map) removeAt(t *table, entry, item int) bool {
	e := &t[entry]
	prev := -1
	for idx, n := int(e.first), 0; idx < MaxItems && n < MaxItems; n++ {
		cur := &m.pos[idx]
		if item == 0 {
			switch {
			case prev >= 0:
				m.pos[prev].next = cur.next
			case cur.next != endOfList:
				e.first = cur.next
			default:
				last := entry
				for last+1 < MaxMessages && !t[last+1].empty() {
					last++
				}
				t[entry] = t[last]
				t[last].first = endOfList
			}
			cur.next = itemUnset
			return true
		}
		item--
		prev = idx
		idx = int(cur.next)
	}
	return false
}

// Clear empties both tables and the hardware filter list.
func (m *Map) Clear() {
	m.clearTables()
	m.hw.ClearUserMessages()
}

// HandleClear registers every receive id again after the hardware dropped
// its filters.
func (m *Map) HandleClear() {
	for i := 0; i < MaxMessages && !m.recv[i].empty(); i++ {
		m.hw.RegisterUserMessage(m.publicID(m.recv[i].canID), 0)
	}
}

// HandleRx decodes every slot bound to canID into the registry. Tunable and
// test parameters are written in fixed point, spot values as floats. Frames
// arriving during a save are dropped.
func (m *Map) HandleRx(canID uint32, data [2]uint32, dlc uint8) {
	if m.saving.Load() || m.reg == nil {
		return
	}
	e := m.findByID(&m.recv, canID)
	if e == nil {
		return
	}
	m.walk(e, func(_ uint8, s *slot) bool {
		num := params.Num(s.param)
		if int(num) >= m.reg.Len() {
			return true
		}
		var val float32
		if m.signed {
			val = float32(utils.ExtractSigned(data, s.offsetBits, s.numBits))
		} else {
			val = float32(utils.ExtractBits(data, s.offsetBits, s.numBits))
		}
		val = (val + float32(s.offset)) * s.gain

		switch m.reg.GetType(num) {
		case params.TypeParam, params.TypeTestParam:
			m.reg.SetFixed(num, params.FixedFromFloat(val))
		default:
			m.reg.SetFloat(num, val)
		}
		return true
	})
}

// SendAll composes and sends one 8 byte frame per send id. Slots sharing an
// id OR into the same payload. It returns the combined send errors.
func (m *Map) SendAll() error {
	if m.reg == nil {
		return nil
	}
	var errs error
	for i := 0; i < MaxMessages && !m.send[i].empty(); i++ {
		if m.saving.Load() {
			return errs
		}
		e := &m.send[i]
		var data [2]uint32
		m.walk(e, func(_ uint8, s *slot) bool {
			if int(s.param) >= m.reg.Len() {
				return true
			}
			val := m.reg.GetFloat(params.Num(s.param))*s.gain + float32(s.offset)
			utils.InsertBits(&data, s.offsetBits, s.numBits, uint32(truncInt32(val)))
			return true
		})
		id := m.publicID(e.canID)
		if err := m.hw.Send(id, data, 8); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "send 0x%X", id))
		}
	}
	return errs
}

// truncInt32 converts toward zero and saturates at the int32 limits.
func truncInt32(v float32) int32 {
	switch {
	case v != v:
		return 0
	case v >= math.MaxInt32:
		return math.MaxInt32
	case v <= math.MinInt32:
		return math.MinInt32
	}
	return int32(v)
}

func (m *Map) mapping(rx bool, e *idEntry, s *slot) Mapping {
	return Mapping{
		Param:      params.Num(s.param),
		OrphanID:   s.orphan,
		CanID:      m.publicID(e.canID),
		OffsetBits: s.offsetBits,
		Length:     s.numBits,
		Gain:       s.gain,
		Offset:     s.offset,
		Rx:         rx,
	}
}

// FindMap returns the first binding of param, send table first.
func (m *Map) FindMap(param params.Num) (Mapping, bool) {
	var (
		out   Mapping
		found bool
	)
	for _, rx := range []bool{false, true} {
		t := m.table(rx)
		for i := 0; i < MaxMessages && !t[i].empty() && !found; i++ {
			m.walk(&t[i], func(_ uint8, s *slot) bool {
				if params.Num(s.param) == param {
					out, found = m.mapping(rx, &t[i], s), true
					return false
				}
				return true
			})
		}
		if found {
			return out, true
		}
	}
	return Mapping{}, false
}

// GetMap returns slot itemIndex of id entry idIndex.
func (m *Map) GetMap(rx bool, idIndex, itemIndex int) (Mapping, bool) {
	if idIndex < 0 || idIndex >= MaxMessages || itemIndex < 0 {
		return Mapping{}, false
	}
	e := &m.table(rx)[idIndex]
	if e.empty() {
		return Mapping{}, false
	}
	var (
		out   Mapping
		found bool
	)
	n := 0
	m.walk(e, func(_ uint8, s *slot) bool {
		if n == itemIndex {
			out, found = m.mapping(rx, e, s), true
			return false
		}
		n++
		return true
	})
	return out, found
}

// Iterate calls fn for every binding, send table first, in list order.
func (m *Map) Iterate(fn func(Mapping)) {
	for _, rx := range []bool{false, true} {
		t := m.table(rx)
		for i := 0; i < MaxMessages && !t[i].empty(); i++ {
			e := &t[i]
			m.walk(e, func(_ uint8, s *slot) bool {
				fn(m.mapping(rx, e, s))
				return true
			})
		}
	}
}

// Mappings collects Iterate into a slice.
func (m *Map) Mappings() []Mapping {
	var out []Mapping
	m.Iterate(func(mp Mapping) { out = append(out, mp) })
	return out
}

func (m *Map) Stats() Stats {
	st := Stats{Send: liveEntries(&m.send), Recv: liveEntries(&m.recv)}
	for i := 0; i < MaxItems; i++ {
		if m.pos[i].next != itemUnset {
			st.Slots++
		}
	}
	return st
}
