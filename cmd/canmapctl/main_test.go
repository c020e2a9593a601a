package main

import (
	"bytes"
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"oi-canmap/canhw"
	"oi-canmap/canmap"
	"oi-canmap/eeprom"
	"oi-canmap/params"
	"oi-canmap/prj"
)

var schemaCSV = filepath.Join("..", "..", "canmap", "testdata", "schema.csv")

func imageArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--eeprom", filepath.Join(t.TempDir(), "img", "eeprom.bin")}
}

func with(base []string, extra ...string) []string {
	return append(append([]string(nil), base...), extra...)
}

func TestImportShowExport(t *testing.T) {
	img := imageArgs(t)
	if err := importCmd(with(img, "--schema", schemaCSV)); err != nil {
		t.Fatalf("import: %v", err)
	}

	var out bytes.Buffer
	if err := showCmd(img, &out); err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out.String(), "isaCurrent") || !strings.Contains(out.String(), "0x373") {
		t.Fatalf("show output:\n%s", out.String())
	}

	out.Reset()
	if err := exportCmd(img, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(out.String()), "\n"); len(lines) != 7 {
		t.Fatalf("exported %d lines:\n%s", len(lines), out.String())
	}

	xlsx := filepath.Join(t.TempDir(), "map.xlsx")
	if err := exportCmd(with(img, "--out", xlsx), &out); err != nil {
		t.Fatalf("export xlsx: %v", err)
	}
	rows, err := canmap.LoadXLSX(xlsx, "")
	if err != nil || len(rows) != 6 {
		t.Fatalf("xlsx: %d rows, %v", len(rows), err)
	}
}

func TestImportReplace(t *testing.T) {
	img := imageArgs(t)
	if err := importCmd(with(img, "--schema", schemaCSV)); err != nil {
		t.Fatalf("import: %v", err)
	}
	dbc := filepath.Join("..", "..", "canmap", "testdata", "node.dbc")
	if err := importCmd(with(img, "--schema", dbc, "--node", "STM", "--replace")); err != nil {
		t.Fatalf("import dbc: %v", err)
	}
	fs := flag.NewFlagSet("image", flag.ContinueOnError)
	f := addImageFlags(fs)
	if err := fs.Parse(img); err != nil {
		t.Fatal(err)
	}
	w, err := f.open()
	if err != nil {
		t.Fatal(err)
	}
	if st := w.cmap.Stats(); st.Slots != 4 {
		t.Fatalf("stats after replace %+v", st)
	}
	if err := importCmd(with(img)); err == nil {
		t.Fatalf("import without schema accepted")
	}
}

func TestDecode(t *testing.T) {
	img := imageArgs(t)
	if err := importCmd(with(img, "--schema", schemaCSV)); err != nil {
		t.Fatalf("import: %v", err)
	}
	var out bytes.Buffer
	if err := decodeCmd(with(img, "--id", "0x521", "--data", "00 00 D4 30 00 00 00 00"), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.String(), "isaCurrent") || !strings.Contains(out.String(), "12.5") {
		t.Fatalf("decode output:\n%s", out.String())
	}
	if err := decodeCmd(with(img, "--id", "0x600", "--data", "00"), &out); err == nil {
		t.Fatalf("unbound id decoded")
	}
	if err := decodeCmd(with(img, "--id", "0x521", "--data", "000102030405060708"), &out); err == nil {
		t.Fatalf("9 byte payload accepted")
	}
}

func TestSetAndParams(t *testing.T) {
	img := imageArgs(t)
	if err := setCmd(with(img, "--param", "canNodeId", "--value", "42")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := setCmd(with(img, "--param", "canNodeId", "--value", "500")); err == nil {
		t.Fatalf("out of range value accepted")
	}
	if err := setCmd(with(img, "--param", "isaCurrent", "--value", "1")); err == nil {
		t.Fatalf("spot value accepted")
	}

	var out bytes.Buffer
	if err := paramsCmd(img, &out); err != nil {
		t.Fatalf("params: %v", err)
	}
	if !strings.Contains(out.String(), "42") {
		t.Fatalf("params output:\n%s", out.String())
	}

	out.Reset()
	if err := manifestCmd(img, &out); err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if !strings.Contains(out.String(), `"canNodeId"`) {
		t.Fatalf("manifest:\n%s", out.String())
	}
}

func TestRemove(t *testing.T) {
	img := imageArgs(t)
	if err := importCmd(with(img, "--schema", schemaCSV)); err != nil {
		t.Fatalf("import: %v", err)
	}
	if err := removeCmd(with(img, "--param", "isaKW")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := removeCmd(with(img, "--param", "isaKW")); err == nil {
		t.Fatalf("second remove succeeded")
	}
}

func TestReport(t *testing.T) {
	img := imageArgs(t)
	dir := t.TempDir()
	pdf, js := filepath.Join(dir, "r.pdf"), filepath.Join(dir, "r.json")
	if err := reportCmd(with(img, "--pdf", pdf, "--json", js, "--node", "shunt")); err != nil {
		t.Fatalf("report: %v", err)
	}
	for _, p := range []string{pdf, js} {
		if fi, err := os.Stat(p); err != nil || fi.Size() == 0 {
			t.Fatalf("%s: %v", p, err)
		}
	}
	if err := reportCmd(img); err == nil {
		t.Fatalf("report without outputs accepted")
	}
}

func TestDecodeUndeclaredBinding(t *testing.T) {
	img := imageArgs(t)
	path := img[1]
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	ext, err := params.NewRegistry(append(prj.Attributes(), params.Value("oldValue", "", 1200)))
	if err != nil {
		t.Fatal(err)
	}
	mem, err := eeprom.OpenFile(path, eeprom.DefaultSize)
	if err != nil {
		t.Fatal(err)
	}
	m := canmap.New(canhw.New(canhw.NewLoopback(false)), ext, canmap.WithEEPROM(mem, canmap.DefaultBase))
	m.AddRecv(ext.NumFromString("oldValue"), 0x521, 0, 16, 1, 0)
	m.AddRecv(ext.NumFromString("isaCurrent"), 0x521, 16, 32, 0.001, 0)
	if err := m.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var out bytes.Buffer
	if err := decodeCmd(with(img, "--id", "0x521", "--data", "00 00 D4 30 00 00 00 00"), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(out.String(), "1200") || !strings.Contains(out.String(), "12.5") {
		t.Fatalf("decode output:\n%s", out.String())
	}

	out.Reset()
	if err := exportCmd(img, &out); err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(out.String(), "recv,0x521,1200,") {
		t.Fatalf("export output:\n%s", out.String())
	}
}
