// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	stdlog "log"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-metrics/datadog"
	"github.com/urfave/cli/v2"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/service"
)

var flagConfig = &cli.StringFlag{
	Name:  "config",
	Usage: "Path to YAML configuration file (defaults come from the environment)",
}

func main() {
	app := &cli.App{
		Name:   "enclave-proxy",
		Usage:  "in-enclave proxy multiplexing all outside traffic over the tunnel to the host bridge",
		Flags:  []cli.Flag{flagConfig},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		stdlog.Fatalf("enclave-proxy: %v", err)
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
		sink, err := datadog.NewDogStatsdSink(cfg.DatadogAgentHost, "")
		if err != nil {
			logger.Fatalf("error initializing statsd client: %v", err)
		}
		defer sink.Shutdown()
		mcfg := metrics.DefaultConfig("enclave_proxy")
		mcfg.EnableHostname = false
		mcfg.EnableHostnameLabel = false
		if _, err := metrics.NewGlobal(mcfg, sink); err != nil {
			logger.Fatalf("error initializing metrics: %v", err)
		}
	}

	logger.Infow("starting enclave proxy", "enclaveID", cfg.EnclaveID, "workloadType", cfg.Workload.Type)

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

	err := service.Run(ctx, cfg)
	switch {
	case errors.Is(err, service.ErrWorkloadDone), errors.Is(err, context.Canceled):
		logger.Infof("enclave proxy shut down")
		return nil
	default:
		return err
	}
}
