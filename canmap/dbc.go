package canmap

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	cdbc "go.einride.tech/can/pkg/dbc"

	"oi-canmap/canhw"
	"oi-canmap/params"
	"oi-canmap/utils"
)

// DBCImport is the result of reading a DBC file against a registry.
type DBCImport struct {
	Version string
	Rows    []SchemaRow
	// Skipped lists signals that could not become a binding, with the reason.
	Skipped []string
}

// LoadDBC converts the signals of a DBC file into schema rows. Messages
// transmitted by node become send rows, every other message becomes receive
// rows. Signals are matched to parameters by name; unmatched signals and
// signals whose scaling has no exact slot form are skipped.
func LoadDBC(path, node string, reg *params.Registry) (*DBCImport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read dbc file")
	}
	parser := cdbc.NewParser(filepath.Base(path), data)
	if perr := parser.Parse(); perr != nil {
		return nil, errors.Wrap(perr, "parse dbc")
	}

	out := &DBCImport{}
	for _, def := range parser.File().Defs {
		switch m := def.(type) {
		case *cdbc.MessageDef:
			id := uint32(m.MessageID)
			if uint64(m.MessageID)&0x80000000 != 0 {
				id = uint32(uint64(m.MessageID) & canhw.MaxCOBID)
				if id <= utils.MaxStandardID {
					id |= canhw.ForceExtended
				}
			}
			dir := Recv
			if node != "" && string(m.Transmitter) == node {
				dir = Send
			}
			for _, s := range m.Signals {
				name := string(s.Name)
				if reg != nil && resolveParam(reg, name) == params.Invalid {
					out.Skipped = append(out.Skipped, fmt.Sprintf("%s.%s: no such parameter", m.Name, name))
					continue
				}
				row, err := signalRow(dir, id, name, int(s.StartBit), int(s.Size), s.IsBigEndian, s.Factor, s.Offset)
				if err != nil {
					out.Skipped = append(out.Skipped, fmt.Sprintf("%s.%s: %v", m.Name, name, err))
					continue
				}
				row.Source = path
				out.Rows = append(out.Rows, row)
			}
		case *cdbc.VersionDef:
			out.Version = m.Version
		}
	}
	return out, nil
}

// signalRow turns DBC scaling, phys = raw*factor + offset, into slot
// scaling. Receive slots compute (raw+offset)*gain and send slots
// raw = phys*gain + offset, so the DBC offset must be a whole multiple of
// the factor that fits an int8.
func signalRow(dir Direction, id uint32, name string, start, size int, bigEndian bool, factor, offset float64) (SchemaRow, error) {
	if size <= 0 || size > utils.MaxFieldBits {
		return SchemaRow{}, errors.Wrapf(ErrInvalidLen, "%d bits", size)
	}
	if start < 0 || start > 63 {
		return SchemaRow{}, errors.Wrapf(ErrInvalidOfs, "start bit %d", start)
	}
	if factor == 0 {
		return SchemaRow{}, errors.New("zero factor")
	}
	row := SchemaRow{
		Direction:  dir,
		CanID:      id,
		Param:      name,
		StartBit:   uint8(start),
		BitLength:  uint8(size),
		Endianness: "little",
	}
	if bigEndian {
		row.Endianness = "big"
	}
	if err := utils.CheckField(row.StartBit, row.SignedLength()); err != nil {
		return SchemaRow{}, fieldError(err)
	}

	steps := offset / factor
	if math.Abs(steps-math.Round(steps)) > 1e-6 || steps < -math.MaxInt8 || steps > math.MaxInt8 {
		return SchemaRow{}, errors.Newf("offset %g is not a whole int8 multiple of factor %g", offset, factor)
	}
	if dir == Recv {
		row.Gain = float32(factor)
		row.Offset = int8(math.Round(steps))
	} else {
		row.Gain = float32(1 / factor)
		row.Offset = int8(-math.Round(steps))
	}
	return row, nil
}
