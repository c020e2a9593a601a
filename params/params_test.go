package params

import (
	"bytes"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"oi-canmap/eeprom"
)

func testAttribs() []Attributes {
	return []Attributes{
		Entry("Setup", "nodeid", "", 1, 127, 22, 1),
		Entry("Setup", "gain", "", -10, 10, 1.5, 2),
		TestEntry("Test", "manual", "", 0, 1, 0, 3),
		Value("udc", "V", 2000).WithTimeout(100),
		Value("idc", "A", 2001),
	}
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	reg, err := NewRegistry(testAttribs(), opts...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	return reg
}

func TestDuplicateIDRejected(t *testing.T) {
	attrs := append(testAttribs(), Value("dup", "", 2000))
	if _, err := NewRegistry(attrs); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
}

func TestSpotValueLimitsRejected(t *testing.T) {
	bad := Attributes{Name: "x", ID: 9, Type: TypeSpotValue, Max: 1}
	if _, err := NewRegistry([]Attributes{bad}); !errors.Is(err, ErrSpotLimits) {
		t.Fatalf("expected ErrSpotLimits, got %v", err)
	}
}

func TestSetRangeCheckAndHook(t *testing.T) {
	var changed []Num
	reg := newTestRegistry(t, WithChangeHook(func(n Num) { changed = append(changed, n) }))
	gain := reg.NumFromString("gain")

	if err := reg.Set(gain, FixedFromFloat(2.5)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if reg.GetFloat(gain) != 2.5 || reg.Get(gain) != 80 {
		t.Fatalf("unexpected value %v / %d", reg.GetFloat(gain), reg.Get(gain))
	}
	err := reg.Set(gain, FixedFromFloat(11))
	if !errors.Is(err, ErrRange) || Code(err) != -1 {
		t.Fatalf("expected ErrRange, got %v", err)
	}
	if reg.GetFloat(gain) != 2.5 {
		t.Fatalf("failed Set must leave value intact, got %v", reg.GetFloat(gain))
	}
	if len(changed) != 1 || changed[0] != gain {
		t.Fatalf("hook calls %v", changed)
	}

	reg.SetFixed(gain, FixedFromFloat(99))
	if reg.GetFloat(gain) != 99 || len(changed) != 1 {
		t.Fatalf("SetFixed must be unchecked and silent")
	}
}

func TestLookupsMiss(t *testing.T) {
	reg := newTestRegistry(t)
	if reg.NumFromID(4242) != Invalid || reg.NumFromString("nope") != Invalid {
		t.Fatalf("expected Invalid")
	}
	if reg.GetAttrib(Invalid) != nil {
		t.Fatalf("expected nil attributes")
	}
	if reg.NumFromID(2001) != 4 {
		t.Fatalf("NumFromID(2001) = %d", reg.NumFromID(2001))
	}
}

func TestGetBoolAndInt(t *testing.T) {
	reg := newTestRegistry(t)
	manual := reg.NumFromString("manual")
	reg.SetInt(manual, 1)
	if !reg.GetBool(manual) || reg.GetInt(manual) != 1 {
		t.Fatalf("expected true/1")
	}
	reg.SetFloat(manual, 1.9)
	if !reg.GetBool(manual) {
		t.Fatalf("1.9 truncates to 1")
	}
}

func TestIDSumIsOrderIndependent(t *testing.T) {
	a := newTestRegistry(t, WithIDSumOffset(7))
	rev := testAttribs()
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	b := MustRegistry(rev, WithIDSumOffset(7))
	if a.GetIDSum() != b.GetIDSum() || a.GetIDSum() != 7+1+2+3+2000+2001 {
		t.Fatalf("id sums %d vs %d", a.GetIDSum(), b.GetIDSum())
	}
	c := MustRegistry(append(testAttribs(), Value("extra", "", 5)), WithIDSumOffset(7))
	if c.GetIDSum() == a.GetIDSum() {
		t.Fatalf("adding an id must change the sum")
	}
}

func TestLoadDefaultsSkipsIDZero(t *testing.T) {
	reg := MustRegistry([]Attributes{
		Entry("", "kept", "", 0, 10, 3, 1),
		Entry("", "volatile", "", 0, 10, 4, 0),
	})
	reg.SetFloat(0, 9)
	reg.SetFloat(1, 9)
	reg.LoadDefaults()
	if reg.GetFloat(0) != 3 || reg.GetFloat(1) != 9 {
		t.Fatalf("unexpected values %v %v", reg.GetFloat(0), reg.GetFloat(1))
	}
}

func TestFlags(t *testing.T) {
	reg := newTestRegistry(t)
	reg.SetFlag(0, FlagUpdated)
	reg.SetFlag(0, FlagError)
	reg.ClearFlag(0, FlagUpdated)
	if reg.GetFlag(0) != FlagError || reg.IsValid(0) {
		t.Fatalf("unexpected flags %b", reg.GetFlag(0))
	}
	reg.SetFlagsRaw(0, FlagNone)
	if !reg.IsValid(0) {
		t.Fatalf("expected valid")
	}
}

func TestCheckTimeouts(t *testing.T) {
	now := uint32(1000)
	reg := newTestRegistry(t, WithClock(func() uint32 { return now }))
	udc := reg.NumFromString("udc")

	if reg.CheckTimeouts(5000) != 0 {
		t.Fatalf("never written parameters must not time out")
	}
	reg.SetFloat(udc, 400)
	if reg.CheckTimeouts(1100) != 0 || !reg.IsValid(udc) {
		t.Fatalf("within budget must stay valid")
	}
	if reg.CheckTimeouts(1101) != 1 || reg.IsValid(udc) {
		t.Fatalf("expected timeout")
	}
	now = 1200
	reg.SetFloat(udc, 401)
	reg.CheckTimeouts(1250)
	if reg.GetFlag(udc)&FlagTimeout != 0 {
		t.Fatalf("fresh write must clear timeout")
	}
}

func TestParamPageRoundTrip(t *testing.T) {
	mem := eeprom.NewMem(eeprom.DefaultSize)
	reg := newTestRegistry(t)
	nodeid := reg.NumFromString("nodeid")
	gain := reg.NumFromString("gain")
	manual := reg.NumFromString("manual")

	if err := reg.Set(nodeid, FixedFromInt(42)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	reg.SetFloat(gain, -3.25)
	reg.SetFlag(gain, FlagUpdated)
	reg.SetFloat(manual, 1)
	if _, err := SaveParams(reg, mem, 0); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}

	fresh := newTestRegistry(t)
	n, err := LoadParams(fresh, mem, 0)
	if err != nil {
		t.Fatalf("LoadParams: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 restored parameters, got %d", n)
	}
	if fresh.GetInt(nodeid) != 42 || fresh.GetFloat(gain) != -3.25 || fresh.GetFlag(gain) != FlagUpdated {
		t.Fatalf("unexpected restore %d %v %b", fresh.GetInt(nodeid), fresh.GetFloat(gain), fresh.GetFlag(gain))
	}
	if fresh.GetFloat(manual) != 0 {
		t.Fatalf("test parameters are not persisted")
	}
}

func TestParamPageErasedOrCorrupt(t *testing.T) {
	mem := eeprom.NewMem(eeprom.DefaultSize)
	reg := newTestRegistry(t)
	if _, err := LoadParams(reg, mem, 0); !errors.Is(err, ErrNoValidPage) {
		t.Fatalf("expected ErrNoValidPage on erased memory, got %v", err)
	}

	if _, err := SaveParams(reg, mem, 0); err != nil {
		t.Fatalf("SaveParams: %v", err)
	}
	mem.SetByteAt(4, mem.ByteAt(4)^0x01)
	if _, err := LoadParams(reg, mem, 0); !errors.Is(err, ErrNoValidPage) {
		t.Fatalf("expected ErrNoValidPage on corrupt page, got %v", err)
	}

	if _, err := SaveParams(reg, eeprom.NewMem(100), 0); err == nil {
		t.Fatalf("expected error for an undersized memory")
	}
}

func TestManifest(t *testing.T) {
	reg := newTestRegistry(t)
	reg.SetFloat(reg.NumFromString("udc"), 398.5)

	var buf bytes.Buffer
	if err := WriteManifest(&buf, reg); err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	if !strings.HasPrefix(buf.String(), `{"nodeid":`) {
		t.Fatalf("manifest must keep declaration order: %s", buf.String())
	}
	m, err := ReadManifest(&buf)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if len(m) != reg.Len() {
		t.Fatalf("expected %d entries, got %d", reg.Len(), len(m))
	}
	if e := m["gain"]; e.IsParam != 1 || e.ID != 2 || e.Default != 1.5 || e.Value != nil {
		t.Fatalf("unexpected gain entry %+v", e)
	}
	if e := m["manual"]; e.IsParam != 0 {
		t.Fatalf("test parameters are not isparam")
	}
	if e := m["udc"]; e.Value == nil || *e.Value != 398.5 || e.Unit != "V" {
		t.Fatalf("unexpected udc entry %+v", e)
	}
}
