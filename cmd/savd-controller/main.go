package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/sava-anti-ddos/sav-d/internal/config"
	"github.com/sava-anti-ddos/sav-d/internal/controller"
	"github.com/sava-anti-ddos/sav-d/internal/detector"
	"github.com/sava-anti-ddos/sav-d/internal/distributor"
	"github.com/sava-anti-ddos/sav-d/internal/logging"
	"github.com/sava-anti-ddos/sav-d/internal/metrics"
	"github.com/sava-anti-ddos/sav-d/internal/protocol"
	"github.com/sava-anti-ddos/sav-d/internal/store"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("savd-controller %s (commit %s, built %s)\n", version, commit, date)
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
	ini, err := config.LoadController(cfg.configFile)
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
	l.Info("build_info", "version", version, "commit", commit, "date", date)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	st, err := store.Open(ini.DBPath, 5)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	det := detector.New(ini.Threshold, func(src, dst string) {
		if err := st.BlacklistUpsert(dst); err != nil {
			l.Error("blacklist_upsert_error", "ip", dst, "error", err)
		}
	})
	intake, err := controller.NewIntake(ini.ReadinfoPath, ini.WriteinfoPath, ini.Encoding, det, st)
	if err != nil {
		return err
	}
	l.Info("sniffer_spool",
		"name", ini.SnifferName,
		"readinfo", ini.ReadinfoPath,
		"writeinfo", ini.WriteinfoPath,
		"task_time", ini.TaskTime,
		"encoding", ini.Encoding)
	intake.RunDrain(ctx, ini.TaskTime, &wg)

	srv := controller.NewServer(
		controller.WithListenAddr(ini.Addr()),
		controller.WithCodec(&protocol.Codec{}),
		controller.WithIntake(intake),
		controller.WithHeartbeatTimeout(cfg.heartbeatTO),
		controller.WithQueueDepth(cfg.queueDepth),
		controller.WithLogger(l),
	)
	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
			serveErr <- err
			cancel()
		}
	}()

	dist := distributor.New(st, srv,
		distributor.WithInterval(cfg.issueInterval),
		distributor.WithPruneAfter(cfg.pruneAfter),
		distributor.WithLogger(l),
	)
	dist.Run(ctx, &wg)

	// Start mDNS advertisement once the listener is bound.
	go func() {
		if !cfg.mdnsEnable {
			return
		}
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		var portNum int
		if _, p, err := net.SplitHostPort(srv.Addr()); err == nil {
			if pn, perr := strconv.Atoi(p); perr == nil {
				portNum = pn
			}
		}
		cleanupMDNS, err := startMDNS(ctx, cfg, portNum)
		if err != nil {
			l.Warn("mdns_start_failed", "error", err)
			return
		}
		l.Info("mdns_started", "service", mdnsServiceType, "name", cfg.mdnsName, "port", portNum)
		go func() { <-ctx.Done(); cleanupMDNS() }()
	}()

	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var exitErr error
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case exitErr = <-serveErr:
	case <-ctx.Done():
		// Serve cancels ctx right after reporting its error; keep that error.
		select {
		case exitErr = <-serveErr:
		default:
		}
	}
	cancel()
	wg.Wait()
	return exitErr
}
