// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package service creates and wires all components of the in-enclave proxy.
package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/protocol"
	"github.com/trezahq/enclave-bridge/proxy"
	"github.com/trezahq/enclave-bridge/supervisor"
	"github.com/trezahq/enclave-bridge/tunnel"
	"github.com/trezahq/enclave-bridge/util"
	"github.com/trezahq/enclave-bridge/web/middleware"
)

// ErrWorkloadDone reports that the supervised workload finished and the
// enclave should shut down. It is the expected way for Run to return.
var ErrWorkloadDone = errors.New("workload finished")

// Run connects the tunnel and starts every enclave-side component. It only
// returns when the workload lifecycle completes, the tunnel dies, or ctx is
// cancelled. If the tunnel cannot be established no local listener is ever
// started and the error is fatal.
func Run(ctx context.Context, cfg *config.Config) error {
	client, err := tunnel.Dial(ctx, cfg.Tunnel, cfg.EnclaveID)
	if err != nil {
		return err
	}
	defer client.Close()

	g, ctx := errgroup.WithContext(ctx)

	// Sole reader of the connection. Its death is terminal for this run:
	// there is no safe way to resume in-flight correlated requests.
	g.Go(func() error {
		err := client.DispatchLoop()
		logger.Errorw("tunnel dispatch loop ended", "err", err)
		return err
	})
	// Unblock the dispatch loop's read when the rest of the group winds down.
	g.Go(func() error {
		<-ctx.Done()
		client.Close()
		return ctx.Err()
	})

	client.SendLog("info", "Enclave proxy started for "+cfg.EnclaveID)
	logMeasurements(client)

	serve(ctx, g, "http-proxy", cfg.Proxy.HTTPListenAddr,
		middleware.Instrument("http-proxy", proxy.NewForward(cfg.Proxy, client)))
	serve(ctx, g, "kms-proxy", cfg.Proxy.KMSListenAddr,
		middleware.Instrument("kms-proxy", proxy.NewKMS(cfg.Proxy, client)))
	serve(ctx, g, "health", cfg.Proxy.HealthListenAddr,
		middleware.Instrument("health", proxy.NewHealth(client, util.RealClock)))

	sup := supervisor.New(cfg.Workload, cfg.Proxy, client)
	g.Go(func() error {
		if err := sup.Run(ctx); err != nil {
			return err
		}
		client.SendLog("info", "Enclave proxy shutting down")
		return ErrWorkloadDone
	})

	return g.Wait()
}

// logMeasurements fetches the PCR values once at startup so they land in the
// log stream next to the enclave id. Failures are logged, not fatal.
func logMeasurements(client *tunnel.Client) {
	resp, err := client.SendAndWait(protocol.TypePCRRequest, struct{}{}, time.Second*30)
	if err != nil {
		client.SendLog("error", "Failed to get PCR values: "+err.Error())
		return
	}
	var pcrs protocol.PCRResponse
	if err := resp.DecodePayload(&pcrs); err != nil {
		client.SendLog("error", "Malformed PCR response: "+err.Error())
		return
	}
	pcr0 := pcrs.PCRValues["PCR0"]
	if pcr0 == "" {
		pcr0 = "N/A"
	}
	client.SendLog("info", "Enclave PCR0: "+pcr0)
}

func serve(ctx context.Context, g *errgroup.Group, name, addr string, handler http.Handler) {
	srv := &http.Server{Addr: addr, Handler: handler}
	g.Go(func() error {
		logger.Infof("Starting %s listener on %v", name, addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*5)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}
