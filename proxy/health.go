// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"net/http"

	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/util"
)

// ConnStatus reports whether the tunnel currently holds a live connection.
// Implemented by *tunnel.Client.
type ConnStatus interface {
	Connected() bool
}

type healthSnapshot struct {
	Status    string  `json:"status"`
	Proxy     string  `json:"proxy"`
	Vsock     string  `json:"vsock"`
	Timestamp float64 `json:"timestamp"`
}

// NewHealth returns the local health endpoint handler. It never touches the
// tunnel; it only reflects whether the tunnel client is still connected.
func NewHealth(conn ConnStatus, clock util.Clock) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.NotFound(w, r)
			return
		}
		vsock := "disconnected"
		if conn.Connected() {
			vsock = "connected"
		}
		out, _ := json.Marshal(&healthSnapshot{
			Status:    "healthy",
			Proxy:     "running",
			Vsock:     vsock,
			Timestamp: util.EpochSeconds(clock),
		})
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(out); err != nil {
			logger.Debugw("error writing health response", "err", err)
		}
	})
}
