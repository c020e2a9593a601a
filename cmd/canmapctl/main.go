// Command canmapctl inspects and edits the parameters and CAN map stored in
// a canmapd EEPROM image.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"go.einride.tech/can"

	"oi-canmap/canhw"
	"oi-canmap/canmap"
	"oi-canmap/params"
	"oi-canmap/prj"
	"oi-canmap/report"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "params":
		err = paramsCmd(args, os.Stdout)
	case "set":
		err = setCmd(args)
	case "show":
		err = showCmd(args, os.Stdout)
	case "manifest":
		err = manifestCmd(args, os.Stdout)
	case "import":
		err = importCmd(args)
	case "export":
		err = exportCmd(args, os.Stdout)
	case "remove":
		err = removeCmd(args)
	case "decode":
		err = decodeCmd(args, os.Stdout)
	case "report":
		err = reportCmd(args)
	default:
		usage()
		return
	}
	if err != nil {
		pterm.Error.Println(err.Error())
		os.Exit(1)
	}
}

func usage() {
	fmt.Printf(`canmapctl %s <command> [options]

Commands:
  params    [image flags]                         list parameters
  set       --param <name> --value <v> [image flags]
  show      [image flags]                         list can bindings
  manifest  [--out <file.json>] [image flags]
  import    --schema <file.csv|.xlsx|.dbc> [--node <name>] [--replace] [image flags]
  export    [--out <file.csv|.xlsx>] [image flags]
  remove    --param <name> [image flags]
  decode    --id <can id> --data <hex bytes> [image flags]
  report    [--pdf <file>] [--json <file>] [--node <name>] [image flags]

Image flags: --eeprom <file> --size <bytes> --param-base <off> --map-base <off> --std --signed
`, version)
}

func paramsCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("params", flag.ContinueOnError)
	img := addImageFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	if !w.paramsLoaded {
		pterm.Warning.Println("no valid parameter page, showing defaults")
	}

	data := [][]string{{"Name", "Id", "Category", "Value", "Unit", "Min", "Max"}}
	for i := 0; i < w.reg.Len(); i++ {
		num := params.Num(i)
		a := w.reg.GetAttrib(num)
		limits := []string{"", ""}
		if a.Type != params.TypeSpotValue {
			limits = []string{formatFloat(a.Min), formatFloat(a.Max)}
		}
		data = append(data, []string{
			a.Name, strconv.Itoa(int(a.ID)), prj.Category(*a),
			formatFloat(w.reg.GetFloat(num)), a.Unit, limits[0], limits[1],
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func setCmd(args []string) error {
	fs := flag.NewFlagSet("set", flag.ContinueOnError)
	img := addImageFlags(fs)
	name := fs.String("param", "", "parameter name")
	value := fs.Float64("value", 0, "new value")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	num := w.reg.NumFromString(*name)
	if num == params.Invalid {
		return errors.Wrapf(params.ErrUnknownParam, "%q", *name)
	}
	if w.reg.GetType(num) != params.TypeParam {
		return errors.Newf("%s is not a tunable parameter", *name)
	}
	if err := w.reg.Set(num, params.FixedFromFloat(float32(*value))); err != nil {
		return err
	}
	if err := w.saveParams(); err != nil {
		return err
	}
	pterm.Success.Printfln("%s = %s", *name, formatFloat(w.reg.GetFloat(num)))
	return nil
}

func showCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	img := addImageFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	st := w.cmap.Stats()
	pterm.Info.Printfln("%d send ids, %d receive ids, %d of %d slots", st.Send, st.Recv, st.Slots, canmap.MaxItems)
	if st.Slots == 0 {
		return nil
	}

	data := [][]string{{"Dir", "CAN id", "Parameter", "Start", "Len", "Order", "Gain", "Offset"}}
	for _, r := range w.cmap.Schema() {
		data = append(data, []string{
			string(r.Direction), fmt.Sprintf("0x%X", r.CanID), r.Param,
			strconv.Itoa(int(r.StartBit)), strconv.Itoa(int(r.BitLength)), r.Endianness,
			formatFloat(r.Gain), strconv.Itoa(int(r.Offset)),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func manifestCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("manifest", flag.ContinueOnError)
	img := addImageFlags(fs)
	outPath := fs.String("out", "", "output json (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	if *outPath == "" {
		return params.WriteManifest(stdout, w.reg)
	}
	f, err := os.Create(*outPath)
	if err != nil {
		return errors.Wrap(err, "create manifest")
	}
	if err := params.WriteManifest(f, w.reg); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close manifest")
	}
	pterm.Success.Printfln("Wrote manifest: %s", *outPath)
	return nil
}

func importCmd(args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	img := addImageFlags(fs)
	schema := fs.String("schema", "", "schema file (.csv, .xlsx or .dbc)")
	node := fs.String("node", "", "local node name for .dbc files")
	replace := fs.Bool("replace", false, "clear the stored map first")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *schema == "" {
		return errors.New("required: --schema")
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	rows, skipped, err := canmap.LoadSchemaFile(*schema, *node, w.reg)
	if err != nil {
		return err
	}
	for _, s := range skipped {
		pterm.Warning.Printfln("skipped %s", s)
	}
	if *replace {
		w.cmap.Clear()
	}
	n, applyErr := w.cmap.Apply(rows)
	if applyErr != nil {
		pterm.Warning.Println(applyErr.Error())
	}
	if n == 0 && len(rows) > 0 {
		return errors.Newf("no rows of %s applied", filepath.Base(*schema))
	}
	if err := w.saveMap(); err != nil {
		return err
	}
	pterm.Success.Printfln("Imported %d of %d rows into %s", n, len(rows), *img.path)
	return nil
}

func exportCmd(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	img := addImageFlags(fs)
	outPath := fs.String("out", "", "output .csv or .xlsx (default csv on stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	rows := w.cmap.Schema()
	switch {
	case *outPath == "":
		return canmap.WriteCSV(stdout, rows)
	case strings.EqualFold(filepath.Ext(*outPath), ".xlsx"):
		if err := canmap.WriteXLSX(*outPath, "", rows); err != nil {
			return err
		}
	default:
		f, err := os.Create(*outPath)
		if err != nil {
			return errors.Wrap(err, "create export")
		}
		if err := canmap.WriteCSV(f, rows); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return errors.Wrap(err, "close export")
		}
	}
	pterm.Success.Printfln("Exported %d rows to %s", len(rows), *outPath)
	return nil
}

func removeCmd(args []string) error {
	fs := flag.NewFlagSet("remove", flag.ContinueOnError)
	img := addImageFlags(fs)
	name := fs.String("param", "", "parameter name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	num := w.reg.NumFromString(*name)
	if num == params.Invalid {
		return errors.Wrapf(params.ErrUnknownParam, "%q", *name)
	}
	removed := 0
	for w.cmap.Remove(num) {
		removed++
	}
	if removed == 0 {
		return errors.Newf("%s has no binding", *name)
	}
	if err := w.saveMap(); err != nil {
		return err
	}
	pterm.Success.Printfln("Removed %d binding(s) of %s", removed, *name)
	return nil
}

func decodeCmd(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("decode", flag.ContinueOnError)
	img := addImageFlags(fs)
	idStr := fs.String("id", "", "CAN id, decimal or 0x hex")
	dataStr := fs.String("data", "", "payload as hex, up to 8 bytes")
	ext := fs.Bool("ext", false, "extended frame")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := strconv.ParseUint(*idStr, 0, 32)
	if err != nil {
		return errors.Wrapf(err, "invalid id %q", *idStr)
	}
	payload, err := hex.DecodeString(strings.Join(strings.Fields(*dataStr), ""))
	if err != nil {
		return errors.Wrap(err, "invalid data")
	}
	if len(payload) > 8 {
		return errors.Newf("%d data bytes, at most 8", len(payload))
	}
	w, err := img.open()
	if err != nil {
		return err
	}

	cf := can.Frame{ID: uint32(id) & canhw.MaxCOBID, Length: uint8(len(payload)), IsExtended: *ext || id > 0x7FF}
	copy(cf.Data[:], payload)
	if !w.hw.Receive(canhw.FrameFromEinride(cf)) {
		return errors.Newf("no receive binding for 0x%X", cf.ID)
	}

	data := [][]string{{"Parameter", "Value", "Unit"}}
	w.cmap.Iterate(func(mp canmap.Mapping) {
		if !mp.Rx || mp.CanID&canhw.MaxCOBID != cf.ID {
			return
		}
		a := w.reg.GetAttrib(mp.Param)
		if a == nil {
			data = append(data, []string{fmt.Sprintf("id %d (undeclared)", mp.OrphanID), "-", ""})
			return
		}
		data = append(data, []string{a.Name, formatFloat(w.reg.GetFloat(mp.Param)), a.Unit})
	})
	return pterm.DefaultTable.WithHasHeader().WithWriter(out).WithData(data).Render()
}

func reportCmd(args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	img := addImageFlags(fs)
	pdfPath := fs.String("pdf", "", "output PDF")
	jsonPath := fs.String("json", "", "output JSON")
	node := fs.String("node", "", "node name printed on the report")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *pdfPath == "" && *jsonPath == "" {
		return errors.New("required: --pdf or --json")
	}
	w, err := img.open()
	if err != nil {
		return err
	}
	s := report.Build(*node, w.reg, w.cmap)
	if *pdfPath != "" {
		if err := report.SavePDF(s, *pdfPath); err != nil {
			return err
		}
		pterm.Success.Printfln("Wrote PDF: %s", *pdfPath)
	}
	if *jsonPath != "" {
		if err := report.SaveJSON(s, *jsonPath); err != nil {
			return err
		}
		pterm.Success.Printfln("Wrote JSON: %s", *jsonPath)
	}
	return nil
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', 6, 32)
}
