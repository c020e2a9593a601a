package canmap

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/cockroachdb/errors"

	"oi-canmap/canhw"
	"oi-canmap/eeprom"
	"oi-canmap/params"
	"oi-canmap/prj"
	"oi-canmap/utils"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	f := newFixture(t)
	a := f.num(t, "isaKW")
	if _, err := f.m.AddSend(a, 0x200, 0, 16, 1, 0); err != nil {
		t.Fatalf("AddSend: %v", err)
	}
	f.m.AddRecv(f.num(t, "BMS_Vmin"), 0x373|canhw.ForceExtended, 7, -16, 0.001, -3)

	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if f.m.IsSaving() {
		t.Fatalf("saving flag left raised")
	}
	send, recv, pos := f.m.send, f.m.recv, f.m.pos

	f.m.Clear()
	if st := f.m.Stats(); st != (Stats{}) {
		t.Fatalf("Clear left %+v", st)
	}
	if err := f.m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.m.send != send || f.m.recv != recv || f.m.pos != pos {
		t.Fatalf("tables differ after reload")
	}
}

func TestSaveStoresParameterIDs(t *testing.T) {
	f := newFixture(t)
	a := f.num(t, "isaKW")
	f.m.AddSend(a, 0x200, 0, 16, 1, 0)
	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	blob := eeprom.Read(f.mem, DefaultBase, BlobSize)
	slot0 := headerSize + tablesSize
	if got := binary.LittleEndian.Uint16(blob[slot0:]); got != f.reg.GetAttrib(a).ID {
		t.Fatalf("stored param %d, want id %d", got, f.reg.GetAttrib(a).ID)
	}
	if f.m.pos[0].param != uint16(a) {
		t.Fatalf("RAM slot not restored to index: %d", f.m.pos[0].param)
	}
	crcOff := BlobSize - 4
	if utils.CRC32(blob[:crcOff]) != binary.LittleEndian.Uint32(blob[crcOff:]) {
		t.Fatalf("trailing crc does not cover the blob")
	}
}

func TestLoadAtBoot(t *testing.T) {
	f := newFixture(t)
	f.m.AddRecv(f.num(t, "isaCurrent"), 0x521, 16, 32, 0.001, 0)
	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	bus := canhw.NewLoopback(false)
	hw := canhw.New(bus)
	m := New(hw, f.reg, WithEEPROM(f.mem, DefaultBase), WithLoad())
	if got := m.Mappings(); len(got) != 1 || got[0].CanID != 0x521 {
		t.Fatalf("mappings %+v", got)
	}
	if msgs := hw.UserMessages(); len(msgs) != 1 || msgs[0].ID != 0x521 {
		t.Fatalf("receive id not registered at boot: %+v", msgs)
	}
}

func TestLoadErasedMemory(t *testing.T) {
	f := newFixture(t)
	err := f.m.Load()
	if !errors.Is(err, ErrNoValidBlob) {
		t.Fatalf("got %v, want ErrNoValidBlob", err)
	}
	if st := f.m.Stats(); st != (Stats{}) {
		t.Fatalf("RAM changed: %+v", st)
	}
	for i := range f.m.pos {
		if f.m.pos[i].next != itemUnset {
			t.Fatalf("slot %d not free", i)
		}
	}
}

func TestLoadCorruptBlobKeepsRAM(t *testing.T) {
	f := newFixture(t)
	a := f.num(t, "isaKW")
	f.m.AddSend(a, 0x200, 0, 16, 1, 0)
	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	off := DefaultBase + headerSize + 1
	f.mem.SetByteAt(off, f.mem.ByteAt(off)^0x01)

	f.m.AddSend(a, 0x201, 0, 8, 1, 0)
	before := f.m.Mappings()
	if err := f.m.Load(); !errors.Is(err, ErrNoValidBlob) {
		t.Fatalf("got %v, want ErrNoValidBlob", err)
	}
	if after := f.m.Mappings(); len(after) != len(before) {
		t.Fatalf("RAM changed: %+v", after)
	}
}

func TestLoadRejectsForeignIDWidth(t *testing.T) {
	f := newFixture(t)
	f.m.AddSend(f.num(t, "isaKW"), 0x200, 0, 16, 1, 0)
	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m := New(canhw.New(nil), f.reg, WithEEPROM(f.mem, DefaultBase), WithStandardIDs())
	if err := m.Load(); !errors.Is(err, ErrNoValidBlob) {
		t.Fatalf("got %v", err)
	}
}

func TestLoadRejectsBrokenLinks(t *testing.T) {
	f := newFixture(t)
	a := f.num(t, "isaKW")
	f.m.AddSend(a, 0x200, 0, 8, 1, 0)
	f.m.AddSend(a, 0x200, 8, 8, 1, 0)

	// a cycle between the two slots, saved with a valid crc
	f.m.pos[1].next = 0
	blob := f.m.encode()
	eeprom.Write(f.mem, DefaultBase, blob)

	if err := f.m.Load(); !errors.Is(err, ErrNoValidBlob) {
		t.Fatalf("got %v", err)
	}
}

func TestSaveWithoutMemory(t *testing.T) {
	reg := newFixture(t).reg
	m := New(canhw.New(nil), reg)
	if err := m.Save(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("got %v", err)
	}
	if err := m.Load(); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("got %v", err)
	}
}

func TestSaveRejectsSmallMemory(t *testing.T) {
	reg := newFixture(t).reg
	m := New(canhw.New(nil), reg, WithEEPROM(eeprom.NewMem(DefaultBase+BlobSize-1), DefaultBase))
	if err := m.Save(); err == nil {
		t.Fatalf("Save into a short memory succeeded")
	}
}

// legacyBlob builds the headerless layout of an 11-bit build.
func legacyBlob(paramID uint16, canID uint16) []byte {
	entries := 2 * MaxMessages * 4
	buf := make([]byte, entries+poolSize+4)
	for i := 0; i < 2*MaxMessages; i++ {
		binary.LittleEndian.PutUint16(buf[i*4+2:], endOfList)
	}
	binary.LittleEndian.PutUint16(buf[0:], canID)
	binary.LittleEndian.PutUint16(buf[2:], 0)

	for i := 0; i <= MaxItems; i++ {
		buf[entries+i*slotSize+11] = itemUnset
	}
	s := buf[entries:]
	binary.LittleEndian.PutUint16(s[0:], paramID)
	binary.LittleEndian.PutUint32(s[4:], math.Float32bits(2))
	s[8] = 0
	s[9] = 8
	s[10] = 16
	s[11] = endOfList

	crcOff := len(buf) - 4
	binary.LittleEndian.PutUint32(buf[crcOff:], utils.CRC32(buf[:crcOff]))
	return buf
}

func TestLoadLegacyLayout(t *testing.T) {
	f := newFixture(t, WithStandardIDs())
	a := f.num(t, "isaKWh")
	eeprom.Write(f.mem, DefaultBase, legacyBlob(f.reg.GetAttrib(a).ID, 0x123))

	if err := f.m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	mp, ok := f.m.FindMap(a)
	if !ok || mp.Rx || mp.CanID != 0x123 || mp.OffsetBits != 8 || mp.Length != 16 || mp.Gain != 2 {
		t.Fatalf("legacy binding %+v %v", mp, ok)
	}
	checkLists(t, f.m)

	// the next save upgrades to the versioned layout
	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if got := f.mem.ByteAt(DefaultBase); got != BlobVersion {
		t.Fatalf("version byte %d", got)
	}
}

func TestSaveDropsTrafficOnlyDuringSave(t *testing.T) {
	f := newFixture(t)
	p := f.num(t, "isaKW")
	f.m.AddSend(p, 0x200, 0, 8, 1, 0)
	if err := f.m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := f.m.SendAll(); err != nil || len(f.bus.Sent()) != 1 {
		t.Fatalf("SendAll after save: %v, %d frames", err, len(f.bus.Sent()))
	}
}

func TestLoadKeepsUndeclaredBindings(t *testing.T) {
	ext, err := params.NewRegistry(append(prj.Attributes(), params.Value("oldValue", "", 1200)))
	if err != nil {
		t.Fatal(err)
	}
	mem := eeprom.NewMem(eeprom.DefaultSize)
	old := New(canhw.New(canhw.NewLoopback(false)), ext, WithEEPROM(mem, DefaultBase))
	if _, err := old.AddRecv(ext.NumFromString("oldValue"), 0x521, 0, 16, 1, 0); err != nil {
		t.Fatalf("AddRecv: %v", err)
	}
	if _, err := old.AddRecv(ext.NumFromString("isaCurrent"), 0x521, 16, 32, 0.001, 0); err != nil {
		t.Fatalf("AddRecv: %v", err)
	}
	if err := old.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reg, err := prj.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	m := New(canhw.New(canhw.NewLoopback(false)), reg, WithEEPROM(mem, DefaultBase), WithLoad())
	if st := m.Stats(); st.Slots != 2 || st.Recv != 1 {
		t.Fatalf("stats %+v", st)
	}
	mps := m.Mappings()
	if mps[0].Param != params.Invalid || mps[0].OrphanID != 1200 {
		t.Fatalf("undeclared binding %+v", mps[0])
	}
	m.HandleRx(0x521, [2]uint32{12500 << 16, 0}, 8)
	if got := reg.GetFloat(reg.NumFromString("isaCurrent")); math.Abs(float64(got)-12.5) > 1e-3 {
		t.Fatalf("isaCurrent %v", got)
	}
	rows := m.Schema()
	if rows[0].Param != "1200" || rows[1].Param != "isaCurrent" {
		t.Fatalf("exported params %q %q", rows[0].Param, rows[1].Param)
	}

	// a save with the smaller registry keeps the stored id
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	again := New(canhw.New(canhw.NewLoopback(false)), ext, WithEEPROM(mem, DefaultBase), WithLoad())
	mp, ok := again.FindMap(ext.NumFromString("oldValue"))
	if !ok || !mp.Rx || mp.OrphanID != 0 {
		t.Fatalf("binding not resolved again: %+v %v", mp, ok)
	}
}

func TestSendAllSkipsUndeclaredBindings(t *testing.T) {
	ext, err := params.NewRegistry(append(prj.Attributes(), params.Value("oldValue", "", 1200)))
	if err != nil {
		t.Fatal(err)
	}
	mem := eeprom.NewMem(eeprom.DefaultSize)
	old := New(canhw.New(canhw.NewLoopback(false)), ext, WithEEPROM(mem, DefaultBase))
	if _, err := old.AddSend(ext.NumFromString("oldValue"), 0x300, 0, 8, 1, 5); err != nil {
		t.Fatalf("AddSend: %v", err)
	}
	if _, err := old.AddSend(ext.NumFromString("isaKW"), 0x300, 8, 8, 1, 0); err != nil {
		t.Fatalf("AddSend: %v", err)
	}
	if err := old.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reg, err := prj.NewRegistry()
	if err != nil {
		t.Fatal(err)
	}
	bus := canhw.NewLoopback(false)
	m := New(canhw.New(bus), reg, WithEEPROM(mem, DefaultBase), WithLoad())
	reg.SetFloat(reg.NumFromString("isaKW"), 7)
	if err := m.SendAll(); err != nil {
		t.Fatalf("SendAll: %v", err)
	}
	sent := bus.Sent()
	if len(sent) != 1 || sent[0].Data != [2]uint32{7 << 8, 0} {
		t.Fatalf("sent %+v", sent)
	}
}
