package pdu

import (
	"math"
	"testing"

	"go.einride.tech/can"

	"oi-canmap/canhw"
	"oi-canmap/params"
	"oi-canmap/utils"
)

type engine struct {
	mode  *params.Param[uint8]
	rpm   *params.Param[int32]
	temp  *params.Param[float32]
	trim  *params.Param[int16]
	frame *PDU
}

func newEngine(t *testing.T, crc CRC8) *engine {
	t.Helper()
	m := params.NewManager()
	e := &engine{}
	var err error
	if e.mode, err = params.NewParam(m, params.Desc[uint8]{ID: 1, Name: "mode", Max: 255}); err != nil {
		t.Fatal(err)
	}
	if e.rpm, err = params.NewParam(m, params.Desc[int32]{ID: 2, Name: "rpm", Unit: "rpm", Max: 8000}); err != nil {
		t.Fatal(err)
	}
	if e.temp, err = params.NewParam(m, params.Desc[float32]{ID: 3, Name: "tempC", Unit: "degC", Min: -40, Max: 215}); err != nil {
		t.Fatal(err)
	}
	if e.trim, err = params.NewParam(m, params.Desc[int16]{ID: 4, Name: "trim", Min: -100, Max: 100}); err != nil {
		t.Fatal(err)
	}
	e.frame = New(0x123,
		Field(e.mode, 0, 8, Scaling{}),
		Field(e.rpm, 8, 16, Scaling{}),
		Field(e.temp, 24, 16, Scaling{Factor: 0.1}),
		Field(e.trim, 40, 8, Scaling{}),
		Counter{Start: 56, Length: 4, Modulus: 16},
		crc,
	).WithClock(func() uint32 { return 1000 })
	return e
}

func TestPackUnpackRoundTrip(t *testing.T) {
	e := newEngine(t, CRC8{Start: 48, Init: 0xFF, Poly: 0x1D})
	e.mode.SetValue(3, 1)
	e.rpm.SetValue(1500, 1)
	e.temp.SetValue(85, 1)
	e.trim.SetValue(-5, 1)

	buf := make([]byte, 8)
	e.frame.Pack(buf)
	if buf[0] != 3 || buf[1] != 0xDC || buf[2] != 0x05 {
		t.Fatalf("payload % X", buf)
	}

	e.mode.SetValue(0, 2)
	e.rpm.SetValue(0, 2)
	e.temp.SetValue(0, 2)
	e.trim.SetValue(0, 2)
	if !e.frame.Unpack(buf) {
		t.Fatalf("crc rejected an unmodified payload")
	}
	if e.mode.Value() != 3 || e.rpm.Value() != 1500 || e.trim.Value() != -5 {
		t.Fatalf("decoded mode=%d rpm=%d trim=%d", e.mode.Value(), e.rpm.Value(), e.trim.Value())
	}
	if d := math.Abs(float64(e.temp.Value() - 85)); d > 0.1 {
		t.Fatalf("tempC %v", e.temp.Value())
	}
	if e.temp.LastUpdate() != 1000 {
		t.Fatalf("decoded value not stamped: %d", e.temp.LastUpdate())
	}
}

func TestCounterRolls(t *testing.T) {
	e := newEngine(t, CRC8{Start: 48, Init: 0xFF, Poly: 0x1D})
	buf := make([]byte, 8)
	for i := 1; i <= 17; i++ {
		e.frame.Pack(buf)
		want := uint32(i % 16)
		if e.frame.Counter() != want {
			t.Fatalf("pack %d: counter %d, want %d", i, e.frame.Counter(), want)
		}
		if got := uint32(buf[7] & 0x0F); got != want {
			t.Fatalf("pack %d: counter bits %d", i, got)
		}
		e.frame.Unpack(buf)
		if e.frame.ReceivedCounter() != want {
			t.Fatalf("pack %d: received counter %d", i, e.frame.ReceivedCounter())
		}
	}
}

func TestCRCDetectsMutation(t *testing.T) {
	e := newEngine(t, CRC8{Start: 48, Init: 0xFF, Poly: 0x1D})
	e.rpm.SetValue(4242, 1)
	buf := make([]byte, 8)
	e.frame.Pack(buf)

	tmp := append([]byte(nil), buf...)
	tmp[6] = 0
	if want := utils.CRC8(tmp, 0xFF, 0x1D); buf[6] != want {
		t.Fatalf("crc byte %02X, want %02X", buf[6], want)
	}
	for i := 0; i < 8; i++ {
		if i == 6 {
			continue
		}
		bad := append([]byte(nil), buf...)
		bad[i] ^= 0x10
		if e.frame.Unpack(bad) {
			t.Fatalf("mutation of byte %d not detected", i)
		}
	}
}

func TestCustomCRC(t *testing.T) {
	calls := 0
	xor := func(data []byte, init, poly uint8) uint8 {
		calls++
		c := init
		for _, b := range data {
			c ^= b
		}
		return c
	}
	e := newEngine(t, CRC8{Start: 48, Length: 8, Compute: xor})
	e.mode.SetValue(0x5A, 1)
	buf := make([]byte, 8)
	e.frame.Pack(buf)
	if !e.frame.Unpack(buf) || calls != 2 {
		t.Fatalf("custom crc not used: calls=%d", calls)
	}
}

func TestNoCRCAlwaysValid(t *testing.T) {
	p, _ := params.NewParam(nil, params.Desc[uint16]{ID: 9, Name: "x", Max: 1000})
	frame := New(0x10, Field(p, 0, 16, Scaling{}))
	if !frame.Unpack([]byte{1, 2}) {
		t.Fatalf("payload without crc rejected")
	}
	if p.Value() != 0x0201 {
		t.Fatalf("decoded %d", p.Value())
	}
	if frame.Unpack(nil) {
		t.Fatalf("empty payload accepted")
	}
}

func TestScalingWithOffset(t *testing.T) {
	p, _ := params.NewParam(nil, params.Desc[float32]{ID: 9, Name: "v", Min: -50, Max: 50})
	frame := New(0x10, Field(p, 4, 12, Scaling{Factor: 0.5, Offset: -50}))
	p.SetValue(12.5, 1)
	buf := make([]byte, 2)
	frame.Pack(buf)
	// (12.5 + 50) / 0.5 = 125
	if got := utils.GetBufferBits(buf, 4, 12); got != 125 {
		t.Fatalf("raw %d", got)
	}
	p.SetValue(0, 1)
	frame.Unpack(buf)
	if p.Value() != 12.5 {
		t.Fatalf("decoded %v", p.Value())
	}
}

func TestFrame(t *testing.T) {
	e := newEngine(t, CRC8{Start: 48, Init: 0xFF, Poly: 0x1D})
	e.mode.SetValue(7, 1)
	f := e.frame.Frame()
	if f.ID != 0x123 || f.IsExtended || f.Length != 8 || f.Data[0] != 7 {
		t.Fatalf("frame %v", f)
	}
	if !e.frame.UnpackFrame(f) {
		t.Fatalf("frame crc rejected")
	}

	ext := New(0x123|canhw.ForceExtended).Frame()
	if !ext.IsExtended || ext.ID != 0x123 {
		t.Fatalf("forced extended frame %v", ext)
	}
	if big := New(0x18FF50E5).Frame(); !big.IsExtended {
		t.Fatalf("29-bit id sent as standard")
	}
	if e.frame.UnpackFrame(can.Frame{ID: 0x123}) {
		t.Fatalf("empty frame accepted")
	}
}

func TestIntegerFieldRoundTrip(t *testing.T) {
	for _, factor := range []float32{0.1, 0.3, 0.7, 0.05} {
		p, err := params.NewParam(nil, params.Desc[int32]{ID: 9, Name: "torque", Min: -2000, Max: 2000})
		if err != nil {
			t.Fatal(err)
		}
		frame := New(0x10, Field(p, 0, 32, Scaling{Factor: factor}))
		buf := make([]byte, 4)
		for v := int32(-2000); v <= 2000; v++ {
			p.SetValue(v, 1)
			frame.Pack(buf)
			p.SetValue(0, 1)
			frame.Unpack(buf)
			if p.Value() != v {
				t.Fatalf("factor %v: %d came back as %d", factor, v, p.Value())
			}
		}
	}
}

func TestPointerElements(t *testing.T) {
	p, _ := params.NewParam(nil, params.Desc[uint8]{ID: 9, Name: "x", Max: 255})
	frame := New(0x10,
		Field(p, 0, 8, Scaling{}),
		&Counter{Start: 8, Length: 4, Modulus: 16},
		&CRC8{Start: 16, Init: 0xFF, Poly: 0x1D},
	)
	p.SetValue(0x42, 1)
	buf := make([]byte, 3)
	frame.Pack(buf)
	if frame.Counter() != 1 || buf[1] != 1 {
		t.Fatalf("counter %d, bits % X", frame.Counter(), buf)
	}
	tmp := []byte{buf[0], buf[1], 0}
	if want := utils.CRC8(tmp, 0xFF, 0x1D); buf[2] != want {
		t.Fatalf("crc %02X, want %02X", buf[2], want)
	}
	buf[0] ^= 1
	if frame.Unpack(buf) {
		t.Fatalf("crc given by pointer not checked")
	}
}
