package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"oi-canmap/canhw"
	"oi-canmap/canmap"
	"oi-canmap/eeprom"
	"oi-canmap/params"
	"oi-canmap/prj"
	"oi-canmap/utils"
)

// loopInterface selects the in-process loopback bus instead of SocketCAN.
const loopInterface = "loop"

type Runner struct {
	cfg  config
	log  *utils.Logger
	bus  canhw.Bus
	hw   *canhw.Hardware
	reg  *params.Registry
	cmap *canmap.Map
	mem  *eeprom.File
	save chan struct{}
}

func NewRunner(ctx context.Context, cfg config, log *utils.Logger) (*Runner, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.EEPROM.Path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create eeprom dir")
	}
	mem, err := eeprom.OpenFile(cfg.EEPROM.Path, cfg.EEPROM.Size)
	if err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg, log: log, mem: mem, save: make(chan struct{}, 1)}
	r.reg, err = prj.NewRegistry(params.WithChangeHook(r.paramChanged))
	if err != nil {
		return nil, errors.Wrap(err, "build registry")
	}
	if n, err := params.LoadParams(r.reg, mem, cfg.ParamBase); err != nil {
		log.Warn("Parameters not restored (%v); using defaults", err)
		r.reg.LoadDefaults()
	} else {
		log.Info("Restored %d parameters from %s", n, mem.Path())
	}

	if cfg.Interface == loopInterface {
		r.bus = canhw.NewLoopback(true)
	} else {
		sc, err := canhw.DialSocketCAN(ctx, cfg.Interface, log)
		if err != nil {
			return nil, err
		}
		r.bus = sc
	}
	r.hw = canhw.New(r.bus, canhw.WithLogger(log))

	opts := []canmap.Option{
		canmap.WithEEPROM(mem, cfg.CANMap.Base),
		canmap.WithLoad(),
		canmap.WithLogger(log),
	}
	if cfg.CANMap.StandardIDs {
		opts = append(opts, canmap.WithStandardIDs())
	}
	if cfg.CANMap.Signed {
		opts = append(opts, canmap.WithSignedFields())
	}
	r.cmap = canmap.New(r.hw, r.reg, opts...)

	if cfg.CANMap.Schema != "" && r.cmap.Stats().Slots == 0 {
		if err := r.seedFromSchema(); err != nil {
			r.Close()
			return nil, err
		}
	}
	return r, nil
}

// seedFromSchema fills an empty map from the configured schema file and
// stores the result.
func (r *Runner) seedFromSchema() error {
	path := r.cfg.CANMap.Schema
	rows, skipped, err := canmap.LoadSchemaFile(path, r.cfg.CANMap.Node, r.reg)
	if err != nil {
		return errors.Wrap(err, "load schema")
	}
	for _, s := range skipped {
		r.log.Warn("Schema %s: skipped %s", filepath.Base(path), s)
	}
	n, err := r.cmap.Apply(rows)
	if err != nil {
		r.log.Error("Schema %s: %v", filepath.Base(path), err)
	}
	r.log.Info("Seeded can map from %s: %d of %d rows", path, n, len(rows))
	if n == 0 {
		return nil
	}
	return r.cmap.Save()
}

func (r *Runner) paramChanged(num params.Num) {
	a := r.reg.GetAttrib(num)
	r.log.Info("Parameter %s changed to %g", a.Name, r.reg.GetFloat(num))
}

// RequestSave asks the owner loop to store parameters and map.
func (r *Runner) RequestSave() {
	select {
	case r.save <- struct{}{}:
	default:
	}
}

func (r *Runner) Close() {
	if r.bus != nil {
		if err := r.bus.Close(); err != nil {
			r.log.Warn("Close bus: %v", err)
		}
	}
}

func (r *Runner) Run(ctx context.Context) error {
	st := r.cmap.Stats()
	r.log.Info("Starting: iface=%s send_ids=%d recv_ids=%d slots=%d/%d send_ms=%d timeout_ms=%d",
		r.cfg.Interface, st.Send, st.Recv, st.Slots, canmap.MaxItems,
		r.cfg.SendIntervalMs, r.cfg.TimeoutCheckMs)

	g, ctx := errgroup.WithContext(ctx)
	frames := make(chan canhw.Frame, 100)
	g.Go(func() error {
		return canhw.Pump(ctx, r.bus, frames)
	})
	g.Go(func() error {
		return r.loop(ctx, frames)
	})
	return g.Wait()
}

// loop owns the map and registry: every mutation happens here.
func (r *Runner) loop(ctx context.Context, frames <-chan canhw.Frame) error {
	sendTick := time.NewTicker(time.Duration(r.cfg.SendIntervalMs) * time.Millisecond)
	defer sendTick.Stop()
	timeoutTick := time.NewTicker(time.Duration(r.cfg.TimeoutCheckMs) * time.Millisecond)
	defer timeoutTick.Stop()

	var received, sent uint64
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping. frames_received=%d send_cycles=%d", received, sent)
			return nil

		case f := <-frames:
			if r.hw.Receive(f) {
				received++
				r.log.Trace("RX id=0x%X len=%d data=%08X %08X", f.ID, f.Length, f.Data[0], f.Data[1])
			}

		case <-sendTick.C:
			if err := r.cmap.SendAll(); err != nil {
				r.log.Error("Send cycle failed: %v", err)
				continue
			}
			sent++

		case <-timeoutTick.C:
			if n := r.reg.CheckTimeouts(r.reg.Now()); n > 0 {
				r.log.Debug("%d values timed out", n)
			}

		case <-r.save:
			r.store()
		}
	}
}

func (r *Runner) store() {
	crc, err := params.SaveParams(r.reg, r.mem, r.cfg.ParamBase)
	if err != nil {
		r.log.Error("Save parameters: %v", err)
		return
	}
	if err := r.cmap.Save(); err != nil {
		r.log.Error("Save can map: %v", err)
		return
	}
	r.log.Info("Saved parameters (crc %08X) and can map to %s", crc, r.mem.Path())
}
