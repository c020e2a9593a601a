// Package report renders the node configuration, parameters and CAN
// bindings, as a PDF sheet or JSON document.
package report

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/jung-kurt/gofpdf"
	qrcode "github.com/skip2/go-qrcode"

	"oi-canmap/canmap"
	"oi-canmap/params"
	"oi-canmap/prj"
)

type ParamRow struct {
	Name     string  `json:"name"`
	ID       uint16  `json:"id"`
	Category string  `json:"category"`
	Unit     string  `json:"unit"`
	Value    float32 `json:"value"`
	Kind     string  `json:"kind"`
	Valid    bool    `json:"valid"`
}

type BindingRow struct {
	Direction string  `json:"direction"`
	CanID     string  `json:"can_id"`
	Param     string  `json:"param"`
	StartBit  uint8   `json:"start_bit"`
	BitLength uint8   `json:"bit_length"`
	BigEndian bool    `json:"big_endian"`
	Gain      float32 `json:"gain"`
	Offset    int8    `json:"offset"`
}

// Summary is the content of a configuration report.
type Summary struct {
	Node      string       `json:"node"`
	Generated time.Time    `json:"generated"`
	IDSum     uint32       `json:"id_sum"`
	Params    []ParamRow   `json:"params"`
	Bindings  []BindingRow `json:"bindings"`
	Stats     canmap.Stats `json:"stats"`
}

// Build collects the registry and map state. m may be nil.
func Build(node string, reg *params.Registry, m *canmap.Map) Summary {
	s := Summary{Node: node, Generated: time.Now().UTC(), IDSum: reg.GetIDSum()}
	for i := 0; i < reg.Len(); i++ {
		num := params.Num(i)
		a := reg.GetAttrib(num)
		s.Params = append(s.Params, ParamRow{
			Name:     a.Name,
			ID:       a.ID,
			Category: prj.Category(*a),
			Unit:     a.Unit,
			Value:    reg.GetFloat(num),
			Kind:     a.Type.String(),
			Valid:    reg.IsValid(num),
		})
	}
	if m == nil {
		return s
	}
	s.Stats = m.Stats()
	for _, r := range m.Schema() {
		s.Bindings = append(s.Bindings, BindingRow{
			Direction: string(r.Direction),
			CanID:     fmt.Sprintf("0x%X", r.CanID),
			Param:     r.Param,
			StartBit:  r.StartBit,
			BitLength: r.BitLength,
			BigEndian: r.BigEndian(),
			Gain:      r.Gain,
			Offset:    r.Offset,
		})
	}
	return s
}

// SaveJSON writes s as indented JSON.
func SaveJSON(s Summary, out string) error {
	b, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode report")
	}
	return os.WriteFile(out, b, 0644)
}

// IDSumQR encodes the parameter id sum as a QR code PNG.
func IDSumQR(sum uint32, size int) ([]byte, error) {
	if size <= 0 {
		size = 128
	}
	png, err := qrcode.Encode(fmt.Sprintf("IDSUM:%08X", sum), qrcode.Medium, size)
	if err != nil {
		return nil, errors.Wrap(err, "encode qr")
	}
	return png, nil
}

// SavePDF renders s into a PDF document at out.
func SavePDF(s Summary, out string) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("CAN Map Report", false)
	pdf.SetAuthor("canmapctl", false)
	pdf.SetCreator("canmapctl", false)
	pdf.SetMargins(15, 20, 15)
	pdf.SetAutoPageBreak(true, 20)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, "CAN Map Report")
	pdf.Ln(12)

	if err := addQR(pdf, s.IDSum); err != nil {
		return err
	}
	addSummarySection(pdf, s)
	addParamSection(pdf, s.Params)
	addBindingSection(pdf, s.Bindings)

	if pdf.Err() {
		return errors.Wrap(pdf.Error(), "render pdf")
	}
	return errors.Wrapf(pdf.OutputFileAndClose(out), "write %s", out)
}

func addQR(pdf *gofpdf.Fpdf, sum uint32) error {
	png, err := IDSumQR(sum, 256)
	if err != nil {
		return err
	}
	opts := gofpdf.ImageOptions{ImageType: "PNG"}
	pdf.RegisterImageOptionsReader("idsum", opts, bytes.NewReader(png))
	pageW, _ := pdf.GetPageSize()
	_, _, right, _ := pdf.GetMargins()
	pdf.ImageOptions("idsum", pageW-right-30, 15, 30, 30, false, opts, 0, "")
	return nil
}

func addSummarySection(pdf *gofpdf.Fpdf, s Summary) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Summary")
	pdf.Ln(8)

	pdf.SetFont("Helvetica", "", 11)
	items := []struct {
		label string
		value string
	}{
		{label: "Node", value: emptyFallback(s.Node, "-")},
		{label: "Generated", value: s.Generated.Format(time.RFC3339)},
		{label: "Parameter id sum", value: fmt.Sprintf("%d (0x%08X)", s.IDSum, s.IDSum)},
		{label: "Send ids", value: strconv.Itoa(s.Stats.Send)},
		{label: "Receive ids", value: strconv.Itoa(s.Stats.Recv)},
		{label: "Signal slots", value: fmt.Sprintf("%d / %d", s.Stats.Slots, canmap.MaxItems)},
	}
	for _, item := range items {
		pdf.CellFormat(50, 6, item.label, "", 0, "L", false, 0, "")
		pdf.CellFormat(0, 6, item.value, "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func addParamSection(pdf *gofpdf.Fpdf, rows []ParamRow) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "Parameters")
	pdf.Ln(9)

	headers := []string{"Name", "Id", "Category", "Value", "Unit", "Kind"}
	widths := []float64{40, 14, 44, 26, 30, 26}
	tableHeader(pdf, headers, widths)

	pdf.SetFont("Helvetica", "", 9)
	for _, r := range rows {
		value := strconv.FormatFloat(float64(r.Value), 'g', 6, 32)
		if !r.Valid {
			value += " (stale)"
		}
		renderTableRow(pdf, widths, []string{
			r.Name, strconv.Itoa(int(r.ID)), r.Category, value, r.Unit, r.Kind,
		}, 5)
	}
	pdf.Ln(4)
}

func addBindingSection(pdf *gofpdf.Fpdf, rows []BindingRow) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.Cell(0, 8, "CAN Bindings")
	pdf.Ln(9)

	if len(rows) == 0 {
		pdf.SetFont("Helvetica", "", 11)
		pdf.MultiCell(0, 6, "No bindings configured.", "", "L", false)
		return
	}

	headers := []string{"Dir", "CAN id", "Parameter", "Start", "Len", "Order", "Gain", "Offset"}
	widths := []float64{14, 26, 44, 16, 14, 20, 28, 18}
	tableHeader(pdf, headers, widths)

	pdf.SetFont("Helvetica", "", 9)
	for _, r := range rows {
		order := "LE"
		if r.BigEndian {
			order = "BE"
		}
		renderTableRow(pdf, widths, []string{
			r.Direction, r.CanID, r.Param,
			strconv.Itoa(int(r.StartBit)), strconv.Itoa(int(r.BitLength)), order,
			strconv.FormatFloat(float64(r.Gain), 'g', 6, 32), strconv.Itoa(int(r.Offset)),
		}, 5)
	}
}

func tableHeader(pdf *gofpdf.Fpdf, headers []string, widths []float64) {
	pdf.SetFillColor(240, 240, 240)
	pdf.SetFont("Helvetica", "B", 10)
	for i, h := range headers {
		pdf.CellFormat(widths[i], 7, h, "1", 0, "L", true, 0, "")
	}
	pdf.Ln(-1)
}

func renderTableRow(pdf *gofpdf.Fpdf, widths []float64, values []string, lineHeight float64) {
	xStart := pdf.GetX()
	yStart := pdf.GetY()
	maxLines := 1
	splitCols := make([][]string, len(values))
	for i, val := range values {
		text := strings.TrimSpace(val)
		if text == "" {
			text = "-"
		}
		lines := pdf.SplitText(text, widths[i]-2)
		if len(lines) == 0 {
			lines = []string{""}
		}
		splitCols[i] = lines
		if len(lines) > maxLines {
			maxLines = len(lines)
		}
	}
	rowHeight := float64(maxLines) * lineHeight
	x := xStart
	for i, lines := range splitCols {
		pdf.SetXY(x, yStart)
		pdf.MultiCell(widths[i], lineHeight, strings.Join(lines, "\n"), "1", "L", false)
		x += widths[i]
	}
	pdf.SetXY(xStart, yStart+rowHeight)
}

func emptyFallback(val, fallback string) string {
	if strings.TrimSpace(val) == "" {
		return fallback
	}
	return val
}
