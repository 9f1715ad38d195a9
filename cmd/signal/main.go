// Command signal sends one message to the actuator and reports the result.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"github.com/dj-oyu/esp32-object-sentry/internal/config"
	"github.com/dj-oyu/esp32-object-sentry/internal/dispatch"
	"github.com/dj-oyu/esp32-object-sentry/internal/logger"
)

func main() {
	var (
		configPath string
		addr       string
		message    string
		timeout    time.Duration
		logLevel   string
	)

	flag.StringVar(&configPath, "config", "sentry.yaml", "Configuration file (YAML)")
	flag.StringVar(&addr, "addr", "", "Actuator host:port (overrides config)")
	flag.StringVar(&message, "msg", "a", "Message to send")
	flag.DurationVar(&timeout, "timeout", 0, "Dial timeout (overrides config)")
	flag.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error, silent)")
	flag.Parse()

	level, err := logger.ParseLevel(logLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, true)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if addr == "" {
		addr = cfg.Actuator.Address
	}
	if timeout <= 0 {
		timeout = cfg.Actuator.DialTimeout
	}

	start := time.Now()
	if err := dispatch.Send(context.Background(), addr, message, timeout); err != nil {
		logger.Error("Signal", "%v", err)
		os.Exit(1)
	}
	logger.Info("Signal", "Sent %q to %s in %s", message, addr, time.Since(start).Round(time.Millisecond))
}
