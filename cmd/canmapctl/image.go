package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"

	"oi-canmap/canhw"
	"oi-canmap/canmap"
	"oi-canmap/eeprom"
	"oi-canmap/params"
	"oi-canmap/prj"
)

// imageFlags locate the EEPROM image shared with canmapd.
type imageFlags struct {
	path      *string
	size      *int
	paramBase *int
	mapBase   *int
	standard  *bool
	signed    *bool
}

func addImageFlags(fs *flag.FlagSet) imageFlags {
	return imageFlags{
		path:      fs.String("eeprom", filepath.Join("data", "eeprom.bin"), "EEPROM image file"),
		size:      fs.Int("size", eeprom.DefaultSize, "EEPROM image size in bytes"),
		paramBase: fs.Int("param-base", 0, "offset of the parameter page"),
		mapBase:   fs.Int("map-base", canmap.DefaultBase, "offset of the can map"),
		standard:  fs.Bool("std", false, "11-bit ids only"),
		signed:    fs.Bool("signed", false, "sign-extend received fields"),
	}
}

// workspace is an offline node: the registry and map restored from an
// image, bound to a quiet loopback bus.
type workspace struct {
	flags imageFlags
	mem   *eeprom.File
	reg   *params.Registry
	bus   *canhw.Loopback
	hw    *canhw.Hardware
	cmap  *canmap.Map
	// paramsLoaded is false when the parameter page was missing or corrupt.
	paramsLoaded bool
}

func (f imageFlags) open() (*workspace, error) {
	if err := os.MkdirAll(filepath.Dir(*f.path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create image dir")
	}
	mem, err := eeprom.OpenFile(*f.path, *f.size)
	if err != nil {
		return nil, err
	}
	reg, err := prj.NewRegistry()
	if err != nil {
		return nil, err
	}
	w := &workspace{flags: f, mem: mem, reg: reg, bus: canhw.NewLoopback(false)}
	if _, err := params.LoadParams(reg, mem, *f.paramBase); err == nil {
		w.paramsLoaded = true
	} else {
		reg.LoadDefaults()
	}
	w.hw = canhw.New(w.bus)

	opts := []canmap.Option{canmap.WithEEPROM(mem, *f.mapBase), canmap.WithLoad()}
	if *f.standard {
		opts = append(opts, canmap.WithStandardIDs())
	}
	if *f.signed {
		opts = append(opts, canmap.WithSignedFields())
	}
	w.cmap = canmap.New(w.hw, reg, opts...)
	return w, nil
}

func (w *workspace) saveMap() error {
	return errors.Wrap(w.cmap.Save(), "save can map")
}

func (w *workspace) saveParams() error {
	_, err := params.SaveParams(w.reg, w.mem, *w.flags.paramBase)
	return err
}
