package canmap

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"oi-canmap/eeprom"
	"oi-canmap/params"
	"oi-canmap/utils"
)

// Blob layout, all little-endian:
//
//	header   4 bytes   version, flags (bit0: 11-bit ids), MaxMessages, MaxItems
//	send     MaxMessages x {u32 canId; u16 first; u16 pad}
//	recv     MaxMessages x {u32 canId; u16 first; u16 pad}
//	slots    (MaxItems+1) x {u16 param; u16 pad; f32 gain; i8 offset; u8 offsetBits; i8 numBits; u8 next}
//	crc      u32 CRC-32 over every preceding byte
//
// Slots carry parameter ids, not registry indices.
const (
	BlobVersion = 1

	headerSize  = 4
	idEntrySize = 8
	slotSize    = 12
	poolSize    = (MaxItems + 1) * slotSize
	tablesSize  = 2 * MaxMessages * idEntrySize

	// BlobSize is the number of bytes Save writes.
	BlobSize = headerSize + tablesSize + poolSize + 4

	flagStandardIDs = 1 << 0
)

type image struct {
	send table
	recv table
	pos  [MaxItems + 1]slot
}

// Save writes the tables to EEPROM. While it runs, HandleRx and SendAll
// return immediately.
func (m *Map) Save() error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if m.reg == nil {
		return errors.New("can map has no registry")
	}
	if m.base < 0 || m.base+BlobSize > m.mem.Size() {
		return errors.Newf("can map at %d does not fit a %d byte memory", m.base, m.mem.Size())
	}

	m.saving.Store(true)
	defer m.saving.Store(false)

	m.replaceNumByID()
	blob := m.encode()
	m.replaceIDByNum()

	eeprom.Write(m.mem, m.base, blob)
	if err := eeprom.Flush(m.mem); err != nil {
		return errors.Wrap(err, "flush can map")
	}
	m.log.Debug("canmap: saved %d bytes at %d", len(blob), m.base)
	return nil
}

// Load replaces the tables with the stored map. A blob that fails its
// header, CRC or structure checks is retried with the headerless legacy
// layout; if that fails too, ErrNoValidBlob is returned and RAM is left as
// it was.
func (m *Map) Load() error {
	if m.mem == nil {
		return ErrNoMemory
	}
	if m.reg == nil {
		return errors.New("can map has no registry")
	}
	raw := eeprom.Read(m.mem, m.base, BlobSize)
	if erased(raw) {
		return errors.Wrap(ErrNoValidBlob, "memory is erased")
	}

	img, err := m.decode(raw)
	if err != nil {
		legacy, lerr := m.decodeLegacy(eeprom.Read(m.mem, m.base, m.legacySize()))
		if lerr != nil {
			m.log.Debug("canmap: legacy layout rejected: %v", lerr)
			return errors.Wrapf(ErrNoValidBlob, "%v", err)
		}
		m.log.Info("canmap: loaded legacy layout")
		img = legacy
	}

	m.send, m.recv, m.pos = img.send, img.recv, img.pos
	if n := m.replaceIDByNum(); n > 0 {
		m.log.Warn("canmap: %d binding(s) refer to undeclared parameter ids; kept inactive", n)
	}
	return nil
}

func (m *Map) forEachLiveSlot(fn func(s *slot)) {
	for _, t := range []*table{&m.send, &m.recv} {
		for i := 0; i < MaxMessages && !t[i].empty(); i++ {
			m.walk(&t[i], func(_ uint8, s *slot) bool {
				fn(s)
				return true
			})
		}
	}
}

// replaceNumByID writes back the stored id of orphaned slots so a registry
// that declares the parameter again can resolve them.
func (m *Map) replaceNumByID() {
	m.forEachLiveSlot(func(s *slot) {
		if a := m.reg.GetAttrib(params.Num(s.param)); a != nil {
			s.param = a.ID
		} else {
			s.param = s.orphan
		}
	})
}

// replaceIDByNum returns the number of slots whose id is not declared.
func (m *Map) replaceIDByNum() int {
	orphans := 0
	m.forEachLiveSlot(func(s *slot) {
		id := s.param
		s.param = uint16(m.reg.NumFromID(id))
		s.orphan = 0
		if params.Num(s.param) == params.Invalid {
			s.orphan = id
			orphans++
		}
	})
	return orphans
}

func (m *Map) encode() []byte {
	buf := make([]byte, BlobSize)
	buf[0] = BlobVersion
	if m.Standard() {
		buf[1] = flagStandardIDs
	}
	buf[2] = MaxMessages
	buf[3] = MaxItems

	off := headerSize
	for _, t := range []*table{&m.send, &m.recv} {
		for i := range t {
			putIDEntry(buf[off:], &t[i])
			off += idEntrySize
		}
	}
	for i := range m.pos {
		putSlot(buf[off:], &m.pos[i])
		off += slotSize
	}
	binary.LittleEndian.PutUint32(buf[off:], utils.CRC32(buf[:off]))
	return buf
}

func (m *Map) decode(raw []byte) (*image, error) {
	if len(raw) != BlobSize {
		return nil, errors.Newf("short blob: %d bytes", len(raw))
	}
	if raw[0] != BlobVersion {
		return nil, errors.Newf("unknown blob version %d", raw[0])
	}
	if std := raw[1]&flagStandardIDs != 0; std != m.Standard() {
		return nil, errors.New("blob was saved with a different id width")
	}
	if raw[2] != MaxMessages || raw[3] != MaxItems {
		return nil, errors.Newf("blob geometry %dx%d does not match %dx%d", raw[2], raw[3], MaxMessages, MaxItems)
	}
	crcOff := BlobSize - 4
	if utils.CRC32(raw[:crcOff]) != binary.LittleEndian.Uint32(raw[crcOff:]) {
		return nil, errors.New("crc mismatch")
	}

	img := &image{}
	off := headerSize
	for _, t := range []*table{&img.send, &img.recv} {
		for i := range t {
			t[i] = getIDEntry(raw[off:])
			off += idEntrySize
		}
	}
	decodeSlots(raw[off:], img)
	if err := validate(img); err != nil {
		return nil, err
	}
	return img, nil
}

// legacySize is the length of the headerless layout. Builds limited to
// 11-bit ids stored 4 byte id entries {u16 canId; u16 first}.
func (m *Map) legacySize() int {
	return 2*MaxMessages*m.legacyEntrySize() + poolSize + 4
}

func (m *Map) legacyEntrySize() int {
	if m.Standard() {
		return 4
	}
	return idEntrySize
}

func (m *Map) decodeLegacy(raw []byte) (*image, error) {
	size := m.legacySize()
	if len(raw) != size {
		return nil, errors.Newf("short legacy blob: %d bytes", len(raw))
	}
	crcOff := size - 4
	if utils.CRC32(raw[:crcOff]) != binary.LittleEndian.Uint32(raw[crcOff:]) {
		return nil, errors.New("legacy crc mismatch")
	}

	img := &image{}
	off := 0
	entry := m.legacyEntrySize()
	for _, t := range []*table{&img.send, &img.recv} {
		for i := range t {
			if entry == idEntrySize {
				t[i] = getIDEntry(raw[off:])
			} else {
				t[i] = idEntry{
					canID: uint32(binary.LittleEndian.Uint16(raw[off:])),
					first: slotIndex(binary.LittleEndian.Uint16(raw[off+2:])),
				}
			}
			off += entry
		}
	}
	decodeSlots(raw[off:], img)
	if err := validate(img); err != nil {
		return nil, err
	}
	return img, nil
}

func decodeSlots(raw []byte, img *image) {
	for i := range img.pos {
		img.pos[i] = getSlot(raw[i*slotSize:])
	}
}

// validate checks that every list ends within the pool, no slot is shared,
// live entries are prefix-dense and the free marks match reachability.
func validate(img *image) error {
	var reached [MaxItems]bool
	for ti, t := range []*table{&img.send, &img.recv} {
		ended := false
		for i := range t {
			e := &t[i]
			if e.first == endOfList {
				ended = true
				continue
			}
			if ended {
				return errors.Newf("table %d: entry %d follows an empty entry", ti, i)
			}
			for idx, steps := e.first, 0; idx != endOfList; steps++ {
				if idx >= MaxItems || steps >= MaxItems {
					return errors.Newf("table %d: entry %d links outside the pool", ti, i)
				}
				if reached[idx] {
					return errors.Newf("slot %d is linked twice", idx)
				}
				reached[idx] = true
				s := &img.pos[idx]
				if s.next == itemUnset {
					return errors.Newf("slot %d is live but marked free", idx)
				}
				if err := utils.CheckField(s.offsetBits, s.numBits); err != nil {
					return errors.Wrapf(err, "slot %d", idx)
				}
				idx = s.next
			}
		}
	}
	if img.pos[MaxItems].next != itemUnset {
		return errors.New("sentinel slot is in use")
	}
	for i := range reached {
		if !reached[i] && img.pos[i].next != itemUnset {
			return errors.Newf("slot %d is allocated but unreachable", i)
		}
	}
	return nil
}

func erased(raw []byte) bool {
	for _, b := range raw {
		if b != eeprom.Erased {
			return false
		}
	}
	return true
}

func putIDEntry(b []byte, e *idEntry) {
	binary.LittleEndian.PutUint32(b[0:4], e.canID)
	binary.LittleEndian.PutUint16(b[4:6], uint16(e.first))
	binary.LittleEndian.PutUint16(b[6:8], 0)
}

func getIDEntry(b []byte) idEntry {
	return idEntry{
		canID: binary.LittleEndian.Uint32(b[0:4]),
		first: slotIndex(binary.LittleEndian.Uint16(b[4:6])),
	}
}

// slotIndex narrows a stored index. Values that do not fit become itemUnset
// so validation rejects them.
func slotIndex(v uint16) uint8 {
	if v > 0xFF {
		return itemUnset
	}
	return uint8(v)
}

func putSlot(b []byte, s *slot) {
	binary.LittleEndian.PutUint16(b[0:2], s.param)
	binary.LittleEndian.PutUint16(b[2:4], 0)
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(s.gain))
	b[8] = byte(s.offset)
	b[9] = s.offsetBits
	b[10] = byte(s.numBits)
	b[11] = s.next
}

func getSlot(b []byte) slot {
	return slot{
		param:      binary.LittleEndian.Uint16(b[0:2]),
		gain:       math.Float32frombits(binary.LittleEndian.Uint32(b[4:8])),
		offset:     int8(b[8]),
		offsetBits: b[9],
		numBits:    int8(b[10]),
		next:       b[11],
	}
}
