// Command canmapd runs the CAN signal map of a node: it decodes received
// frames into parameters, sends mapped values cyclically and stores
// parameters and map to an EEPROM image on SIGUSR1.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"oi-canmap/utils"
)

func main() {
	var (
		cfgPath  = flag.String("config", "config/canmapd.yaml", "Path to canmapd.yaml")
		iface    = flag.String("iface", "", "Override the CAN interface (\"loop\" for loopback)")
		logLevel = flag.String("log", "", "trace|debug|info|warn|error|critical")
	)
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *iface != "" {
		cfg.Interface = *iface
	}
	if *logLevel != "" {
		cfg.Logs.Level = *logLevel
	}

	log, err := utils.NewRotatingLogger(cfg.Logs, true)
	if err != nil {
		_, _ = os.Stderr.WriteString("ERROR: cannot open log: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	go watchSave(ctx, runner)

	if err := runner.Run(ctx); err != nil && err != context.Canceled {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}
