// paseod is the per-host agent daemon. It exposes the WebSocket gateway,
// supervises ACP agent processes, and multiplexes terminals.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/kodymullinsx/paseo-sub005/internal/common/config"
	"github.com/kodymullinsx/paseo-sub005/internal/common/logger"
	"github.com/kodymullinsx/paseo-sub005/internal/daemon"
)

func main() {
	var (
		listen     = flag.String("listen", "", "bind address (overrides PASEO_LISTEN)")
		noRelay    = flag.Bool("no-relay", false, "disable the relay transport")
		logFormat  = flag.String("log-format", "", "log format: json or console")
		logLevel   = flag.String("log-level", "", "log level: debug, info, warn, error")
		configPath = flag.String("config", "", "path to config file")
	)
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseod: %v\n", err)
		os.Exit(1)
	}

	if *listen != "" {
		cfg.Server.Listen = *listen
	}
	if *noRelay {
		cfg.Relay.Enabled = false
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "paseod: failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	d, err := daemon.New(cfg, log)
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		os.Exit(1)
	}

	if err := d.Run(context.Background()); err != nil {
		log.Error("daemon exited with error", zap.Error(err))
		os.Exit(1)
	}
}
