package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Device roles selected by --mode.
const (
	modeSava   = "sava"
	modeDevice = "anti-ddos-device"
)

type appConfig struct {
	mode        string
	configFile  string
	logFormat   string
	logLevel    string
	metricsAddr string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	mode := flag.String("mode", "", "Device role: sava|anti-ddos-device")
	configFile := flag.String("config-file", "", "INI configuration file path")
	flag.StringVar(configFile, "C", "", "INI configuration file path (shorthand)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9101); empty disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.mode = *mode
	cfg.configFile = *configFile
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.mode {
	case modeSava, modeDevice:
	case "":
		return errors.New("--mode is required (sava|anti-ddos-device)")
	default:
		return fmt.Errorf("invalid mode: %s", c.mode)
	}
	if c.configFile == "" {
		return errors.New("-C/--config-file is required")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	return nil
}

// applyEnvOverrides maps SAVD_* environment variables to flags not explicitly
// set on the command line (flag wins).
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["mode"]; !ok {
		if v, ok := get("SAVD_MODE"); ok && v != "" {
			c.mode = v
		}
	}
	if _, ok := set["config-file"]; !ok {
		if _, okShort := set["C"]; !okShort {
			if v, ok := get("SAVD_CONFIG_FILE"); ok && v != "" {
				c.configFile = v
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("SAVD_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("SAVD_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("SAVD_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	return nil
}
