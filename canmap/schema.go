package canmap

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"

	"oi-canmap/params"
)

// Direction selects the table a schema row goes to.
type Direction string

const (
	Send Direction = "send"
	Recv Direction = "recv"
)

// SchemaColumns is the header of CSV and XLSX schemas.
var SchemaColumns = []string{
	"direction", "can_id", "param", "start_bit", "bit_length", "endianness", "gain", "offset",
}

// SchemaRow is one binding read from a schema file.
type SchemaRow struct {
	Direction  Direction
	CanID      uint32
	Param      string
	StartBit   uint8
	BitLength  uint8
	Endianness string
	Gain       float32
	Offset     int8

	Source string
	Line   int
}

// BigEndian reports a Motorola ordered row.
func (r SchemaRow) BigEndian() bool { return r.Endianness == "big" }

// SignedLength is the length argument for AddSend and AddRecv.
func (r SchemaRow) SignedLength() int8 { return SignedLength(r.BitLength, r.BigEndian()) }

// LoadCSV reads a schema from a CSV file with a header row.
func LoadCSV(path string) ([]SchemaRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open schema")
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1
	r.Comment = '#'

	var (
		records [][]string
		lines   []int
	)
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", path)
		}
		line, _ := r.FieldPos(0)
		records = append(records, rec)
		lines = append(lines, line)
	}
	return parseRecords(path, records, lines)
}

// LoadXLSX reads a schema from a worksheet. An empty sheet name selects the
// active sheet.
func LoadXLSX(path, sheet string) ([]SchemaRow, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "open workbook")
	}
	defer f.Close()

	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, errors.Wrapf(err, "read sheet %q", sheet)
	}
	// GetRows keeps empty rows, so row i sits on sheet row i+1.
	return parseRecords(path+":"+sheet, rows, nil)
}

// LoadSchemaFile picks the reader from the file extension: .csv, .xlsx or
// .dbc. For DBC files node names the local transmitter; the returned notes
// list the signals that were skipped.
func LoadSchemaFile(path, node string, reg *params.Registry) ([]SchemaRow, []string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		rows, err := LoadCSV(path)
		return rows, nil, err
	case ".xlsx":
		rows, err := LoadXLSX(path, "")
		return rows, nil, err
	case ".dbc":
		imp, err := LoadDBC(path, node, reg)
		if err != nil {
			return nil, nil, err
		}
		return imp.Rows, imp.Skipped, nil
	}
	return nil, nil, errors.Newf("unknown schema format %q", filepath.Ext(path))
}

// parseRecords converts records to rows. lines holds the file line of each
// record; when nil, record i is on line i+1.
func parseRecords(source string, records [][]string, lines []int) ([]SchemaRow, error) {
	if len(records) == 0 {
		return nil, errors.Newf("%s: empty schema", source)
	}
	idx := make(map[string]int, len(records[0]))
	for i, h := range records[0] {
		idx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, k := range SchemaColumns {
		if _, ok := idx[k]; !ok {
			return nil, errors.Newf("%s: missing required column %q", source, k)
		}
	}

	var out []SchemaRow
	for n, rec := range records[1:] {
		line := n + 2
		if lines != nil {
			line = lines[n+1]
		}
		cell := func(name string) string {
			i := idx[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}
		if blank(rec) {
			continue
		}

		row := SchemaRow{Source: source, Line: line, Param: cell("param")}
		switch d := strings.ToLower(cell("direction")); d {
		case "send", "tx":
			row.Direction = Send
		case "recv", "rx", "receive":
			row.Direction = Recv
		default:
			return nil, errors.Newf("%s:%d: invalid direction %q", source, line, d)
		}

		id, err := parseHexOrDecUint32(cell("can_id"))
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid can_id", source, line)
		}
		row.CanID = id

		start, err := strconv.ParseUint(cell("start_bit"), 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid start_bit", source, line)
		}
		row.StartBit = uint8(start)

		length, err := strconv.ParseUint(cell("bit_length"), 10, 8)
		if err != nil {
			return nil, errors.Wrapf(err, "%s:%d: invalid bit_length", source, line)
		}
		row.BitLength = uint8(length)

		switch e := strings.ToLower(cell("endianness")); e {
		case "", "little", "intel", "le":
			row.Endianness = "little"
		case "big", "motorola", "be":
			row.Endianness = "big"
		default:
			return nil, errors.Newf("%s:%d: unsupported endianness %q", source, line, e)
		}

		row.Gain = 1
		if g := cell("gain"); g != "" {
			v, err := strconv.ParseFloat(g, 32)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: invalid gain", source, line)
			}
			row.Gain = float32(v)
		}
		if o := cell("offset"); o != "" {
			v, err := strconv.ParseInt(o, 10, 8)
			if err != nil {
				return nil, errors.Wrapf(err, "%s:%d: invalid offset", source, line)
			}
			row.Offset = int8(v)
		}
		out = append(out, row)
	}
	return out, nil
}

func blank(rec []string) bool {
	for _, c := range rec {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}

func parseHexOrDecUint32(s string) (uint32, error) {
	ss := strings.TrimSpace(s)
	base := 10
	if strings.HasPrefix(ss, "0x") || strings.HasPrefix(ss, "0X") {
		base = 16
		ss = ss[2:]
	}
	u, err := strconv.ParseUint(ss, base, 32)
	if err != nil {
		return 0, err
	}
	return uint32(u), nil
}

// resolveParam accepts a parameter name or a numeric parameter id.
func resolveParam(reg *params.Registry, name string) params.Num {
	if num := reg.NumFromString(name); num != params.Invalid {
		return num
	}
	if id, err := strconv.ParseUint(name, 10, 16); err == nil {
		return reg.NumFromID(uint16(id))
	}
	return params.Invalid
}

// Apply adds every row to the map. Rows that fail are reported together
// with their source position; the others are still applied. It returns the
// number of rows applied.
func (m *Map) Apply(rows []SchemaRow) (int, error) {
	var errs error
	applied := 0
	for _, row := range rows {
		num := resolveParam(m.reg, row.Param)
		if num == params.Invalid {
			errs = errors.CombineErrors(errs, errors.Wrapf(ErrUnknownParam, "%s:%d: %q", row.Source, row.Line, row.Param))
			continue
		}
		var err error
		if row.Direction == Recv {
			_, err = m.AddRecv(num, row.CanID, row.StartBit, row.SignedLength(), row.Gain, row.Offset)
		} else {
			_, err = m.AddSend(num, row.CanID, row.StartBit, row.SignedLength(), row.Gain, row.Offset)
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "%s:%d", row.Source, row.Line))
			continue
		}
		applied++
	}
	return applied, errs
}

// Schema exports the current bindings as schema rows.
func (m *Map) Schema() []SchemaRow {
	var out []SchemaRow
	m.Iterate(func(mp Mapping) {
		row := SchemaRow{
			Direction:  Send,
			CanID:      mp.CanID,
			StartBit:   mp.OffsetBits,
			BitLength:  mp.Width(),
			Endianness: "little",
			Gain:       mp.Gain,
			Offset:     mp.Offset,
		}
		if mp.Rx {
			row.Direction = Recv
		}
		if mp.BigEndian() {
			row.Endianness = "big"
		}
		if a := m.reg.GetAttrib(mp.Param); a != nil {
			row.Param = a.Name
		} else {
			row.Param = strconv.Itoa(int(mp.OrphanID))
		}
		out = append(out, row)
	})
	return out
}

func (r SchemaRow) record() []string {
	return []string{
		string(r.Direction),
		"0x" + strconv.FormatUint(uint64(r.CanID), 16),
		r.Param,
		strconv.Itoa(int(r.StartBit)),
		strconv.Itoa(int(r.BitLength)),
		r.Endianness,
		strconv.FormatFloat(float64(r.Gain), 'g', -1, 32),
		strconv.Itoa(int(r.Offset)),
	}
}

// WriteCSV writes rows in the layout LoadCSV reads.
func WriteCSV(w io.Writer, rows []SchemaRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SchemaColumns); err != nil {
		return errors.Wrap(err, "write header")
	}
	for _, r := range rows {
		if err := cw.Write(r.record()); err != nil {
			return errors.Wrap(err, "write row")
		}
	}
	cw.Flush()
	return errors.Wrap(cw.Error(), "flush csv")
}

// WriteXLSX saves rows as a workbook with one sheet in the layout LoadXLSX
// reads.
func WriteXLSX(path, sheet string, rows []SchemaRow) error {
	if sheet == "" {
		sheet = "canmap"
	}
	f := excelize.NewFile()
	defer f.Close()

	if _, err := f.NewSheet(sheet); err != nil {
		return errors.Wrapf(err, "create sheet %q", sheet)
	}
	if sheet != "Sheet1" {
		if err := f.DeleteSheet("Sheet1"); err != nil {
			return errors.Wrap(err, "drop default sheet")
		}
	}
	idx, err := f.GetSheetIndex(sheet)
	if err != nil {
		return errors.Wrapf(err, "find sheet %q", sheet)
	}
	f.SetActiveSheet(idx)

	header := make([]interface{}, len(SchemaColumns))
	for i, c := range SchemaColumns {
		header[i] = c
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return errors.Wrap(err, "write header")
	}
	for i, r := range rows {
		rec := r.record()
		cells := make([]interface{}, len(rec))
		for j, c := range rec {
			cells[j] = c
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return errors.Wrap(err, "cell name")
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return errors.Wrapf(err, "write row %d", i+2)
		}
	}
	if err := f.SaveAs(path); err != nil {
		return errors.Wrapf(err, "save %s", path)
	}
	return nil
}
