package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type appConfig struct {
	configFile      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	heartbeatTO     time.Duration
	queueDepth      int
	issueInterval   time.Duration
	pruneAfter      time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	configFile := flag.String("config-file", "", "INI configuration file path")
	flag.StringVar(configFile, "C", "", "INI configuration file path (shorthand)")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	heartbeatTO := flag.Duration("heartbeat-timeout", 300*time.Second, "Trusted-client liveness window")
	queueDepth := flag.Int("queue-depth", 64, "Per-client send queue depth (envelopes)")
	issueInterval := flag.Duration("issue-interval", 15*time.Second, "Rule distribution interval")
	pruneAfter := flag.Duration("blacklist-prune-after", 0, "Remove blacklist rows older than this; 0 disables")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default savd-controller-<hostname>)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.configFile = *configFile
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.heartbeatTO = *heartbeatTO
	cfg.queueDepth = *queueDepth
	cfg.issueInterval = *issueInterval
	cfg.pruneAfter = *pruneAfter
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName

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

// validate performs basic semantic validation of the parsed flags. The INI
// file gets its own validation when loaded.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
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
	if c.heartbeatTO <= 0 {
		return errors.New("heartbeat-timeout must be > 0")
	}
	if c.queueDepth <= 0 {
		return fmt.Errorf("queue-depth must be > 0 (got %d)", c.queueDepth)
	}
	if c.issueInterval <= 0 {
		return errors.New("issue-interval must be > 0")
	}
	return nil
}

// applyEnvOverrides maps SAVD_* environment variables to flags not explicitly
// set on the command line (flag wins). Empty values are ignored.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
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
	if _, ok := set["heartbeat-timeout"]; !ok {
		if v, ok := get("SAVD_HEARTBEAT_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.heartbeatTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SAVD_HEARTBEAT_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["issue-interval"]; !ok {
		if v, ok := get("SAVD_ISSUE_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.issueInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid SAVD_ISSUE_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("SAVD_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("SAVD_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	return firstErr
}
