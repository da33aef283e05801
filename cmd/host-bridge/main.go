// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	stdlog "log"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/trezahq/enclave-bridge/bridge"
	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/health"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/logsink"
	"github.com/trezahq/enclave-bridge/web/middleware"

	_ "net/http/pprof"
)

var flagConfig = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to YAML configuration file",
}

func main() {
	app := &cli.App{
		Name:   "host-bridge",
		Usage:  "host-side bridge terminating the enclave tunnel and performing privileged actions",
		Flags:  []cli.Flag{flagConfig},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		stdlog.Fatalf("host-bridge: %v", err)
	}
}

func run(cCtx *cli.Context) error {
	cfg := config.Default()
	if path := cCtx.String(flagConfig.Name); path != "" {
		var err error
		if cfg, err = config.Read(path); err != nil {
			return err
		}
	}
	logger.Init(cfg)
	defer logger.Sync()

	if cfg.DatadogAgentHost != "" {
		logger.Infof("initializing datadog at %v", cfg.DatadogAgentHost)
		statsd, err := datadog.NewDogStatsdSink(cfg.DatadogAgentHost, "")
		if err != nil {
			logger.Fatalf("error initializing statsd client: %v", err)
		}
		defer statsd.Shutdown()
		mcfg := metrics.DefaultConfig("host_bridge")
		mcfg.EnableHostname = false
		mcfg.EnableHostnameLabel = false
		if _, err := metrics.NewGlobal(mcfg, statsd); err != nil {
			logger.Fatalf("error initializing metrics: %v", err)
		}
	}

	var sink logsink.Sink = logsink.Console{}
	if !cfg.Bridge.DisableCloudWatch {
		cw, err := logsink.NewCloudWatch(cfg.Bridge, cfg.EnclaveID)
		if err != nil {
			logger.Warnw("cloudwatch sink unavailable, using console only", "err", err)
		} else {
			sink = cw
		}
	}
	sink.Write(logsink.StreamSystem, "Host bridge started for "+cfg.EnclaveID)

	kmsAction, err := bridge.NewKMSAction(cfg.Bridge)
	if err != nil {
		return err
	}
	server := bridge.NewServer(cfg.Bridge, sink,
		bridge.NewHTTPAction(cfg.Bridge), kmsAction, bridge.NewPCRAction(cfg.Bridge))

	ln, err := server.Listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupts := make(chan os.Signal, 1)
	signal.Notify(interrupts, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupts)

	go func() {
		select {
		case sig := <-interrupts:
			logger.Infof("received %v, shutting down...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	// Control server for liveness checking and pprof (on DefaultServeMux).
	live := health.New(nil)
	http.DefaultServeMux.Handle("/health/live", middleware.Instrument("live", live))
	control := &http.Server{Addr: cfg.Bridge.ControlListenAddr, Handler: http.DefaultServeMux}
	g.Go(func() error {
		logger.Infof("Starting control http server on %v", cfg.Bridge.ControlListenAddr)
		if err := control.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error { return server.Serve(ln) })
	g.Go(func() error {
		<-ctx.Done()
		ln.Close()
		control.Close()
		return ctx.Err()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
