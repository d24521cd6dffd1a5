package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sava-anti-ddos/sav-d/internal/config"
	"github.com/sava-anti-ddos/sav-d/internal/device"
	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/netfilter"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/spool"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("savd-device %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(1)
	}
	if err := run(cfg); err != nil {
		logging.L().Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cfg *appConfig) error {
	ini, err := config.LoadDevice(cfg.configFile)
	if err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return err
	}
	logW, closeLog, err := logging.Open(ini.LogPath)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	l := setupLogger(cfg.logFormat, cfg.logLevel, logW)
	l.Info("build_info", "version", version, "commit", commit, "date", date, "mode", cfg.mode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var applier device.RuleApplier
	cache, err := netfilter.OpenCache(ini.CachePath, ini.CacheMaxSize)
	if err != nil {
		l.Warn("rule_cache_unavailable", "error", err)
	}
	adapter, err := netfilter.New(cache)
	if err != nil {
		// Keep the session alive without rule installation; an operator
		// without iptables still wants observation upload.
		l.Error("packet_filter_unavailable", "error", err)
	} else {
		applier = adapter
	}

	opts := []device.Option{
		device.WithAddr(ini.Addr()),
		device.WithCodec(&protocol.Codec{}),
		device.WithHeartbeatInterval(ini.HeartbeatInterval),
		device.WithReconnectInterval(ini.ReconnectInterval),
		device.WithUploadInterval(ini.SnifferUploadInterval),
		device.WithRuleApplier(applier),
		device.WithLogger(l),
	}

	// The sava role captures and uploads; the plain device role only applies
	// rules. Capture itself is an external collaborator feeding the spool.
	var sp *spool.Spool
	captureMode := cfg.mode == modeSava || ini.IsSava
	if captureMode {
		sp, err = spool.New(ini.SnifferFilePath, ini.SnifferFileName, ini.SnifferQueueSize)
		if err != nil {
			return err
		}
		l.Info("capture_spool_ready",
			"path", ini.SnifferFilePath,
			"interface", ini.SnifferInterface,
			"all_interfaces", ini.SnifferInterfaceAll,
			"queue_size", ini.SnifferQueueSize)
		opts = append(opts, device.WithSpool(ini.SnifferFilePath))
	}

	sess := device.NewSession(opts...)

	metrics.SetReadinessFunc(func() bool { return sess.Connected() })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	done := make(chan error, 1)
	go func() { done <- sess.Start(ctx) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
		cancel()
		<-done
	case err := <-done:
		if err != nil {
			return err
		}
	}
	if sp != nil {
		if err := sp.Flush(); err != nil {
			l.Error("spool_flush_error", "error", err)
		}
	}
	return nil
}
