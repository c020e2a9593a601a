package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"oi-canmap/canhw"
	"oi-canmap/canmap"
	"oi-canmap/eeprom"
	"oi-canmap/utils"
)

type config struct {
	Interface      string          `yaml:"interface"`
	Bitrate        int             `yaml:"bitrate"`
	EEPROM         eepromConfig    `yaml:"eeprom"`
	ParamBase      int             `yaml:"paramBase"`
	CANMap         canmapConfig    `yaml:"canmap"`
	SendIntervalMs int             `yaml:"sendIntervalMs"`
	TimeoutCheckMs int             `yaml:"timeoutCheckMs"`
	Logs           utils.LogConfig `yaml:"logs"`
}

type eepromConfig struct {
	Path string `yaml:"path"`
	Size int    `yaml:"size"`
}

type canmapConfig struct {
	Base        int    `yaml:"base"`
	Signed      bool   `yaml:"signed"`
	StandardIDs bool   `yaml:"standardIds"`
	Schema      string `yaml:"schema"`
	Node        string `yaml:"node"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	f, err := os.Open(path)
	if err != nil {
		return cfg, errors.Wrap(err, "open config")
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "decode %s", path)
	}
	baseDir := filepath.Dir(path)
	resolvePath := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		candidate := filepath.Clean(filepath.Join(baseDir, p))
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		return filepath.Clean(p)
	}
	// files the daemon writes live next to the config
	resolveOutput := func(p string) string {
		p = strings.TrimSpace(p)
		if p == "" || filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}

	if cfg.Interface == "" {
		cfg.Interface = "can0"
	}
	if cfg.Bitrate == 0 {
		cfg.Bitrate = int(canhw.Baud500)
	}
	if _, err := canhw.ParseBaudrate(cfg.Bitrate); err != nil {
		return cfg, err
	}
	cfg.EEPROM.Path = strings.TrimSpace(cfg.EEPROM.Path)
	if cfg.EEPROM.Path == "" {
		cfg.EEPROM.Path = filepath.Join("data", "eeprom.bin")
	}
	cfg.EEPROM.Path = resolveOutput(cfg.EEPROM.Path)
	if cfg.EEPROM.Size <= 0 {
		cfg.EEPROM.Size = eeprom.DefaultSize
	}
	if cfg.CANMap.Base <= 0 {
		cfg.CANMap.Base = canmap.DefaultBase
	}
	if cfg.CANMap.Base+canmap.BlobSize > cfg.EEPROM.Size {
		return cfg, errors.Newf("can map at %d does not fit a %d byte eeprom", cfg.CANMap.Base, cfg.EEPROM.Size)
	}
	cfg.CANMap.Schema = resolvePath(cfg.CANMap.Schema)
	if cfg.SendIntervalMs <= 0 {
		cfg.SendIntervalMs = 100
	}
	if cfg.TimeoutCheckMs <= 0 {
		cfg.TimeoutCheckMs = 50
	}
	if strings.TrimSpace(cfg.Logs.Directory) == "" {
		cfg.Logs.Directory = "logs"
	}
	cfg.Logs.Directory = resolveOutput(cfg.Logs.Directory)
	if cfg.Logs.MaxSizeMB <= 0 {
		cfg.Logs.MaxSizeMB = 25
	}
	if cfg.Logs.MaxAgeDays <= 0 {
		cfg.Logs.MaxAgeDays = 7
	}
	if cfg.Logs.MaxBackups <= 0 {
		cfg.Logs.MaxBackups = 5
	}
	return cfg, nil
}
