// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/protocol"
	"github.com/trezahq/enclave-bridge/tunnel"
)

// NewKMS returns the key-management proxy handler. The operation name is the
// URL path minus its leading slash; the JSON body is the operation's data.
// The workload finds this endpoint via the injected TREZA_KMS_ENDPOINT.
func NewKMS(cfg config.ProxyConfig, requester Requester) http.Handler {
	return &kmsHandler{cfg: cfg, requester: requester}
}

type kmsHandler struct {
	cfg       config.ProxyConfig
	requester Requester
}

func (h *kmsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "only POST is supported", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("reading request body: %v", err), http.StatusBadRequest)
		return
	}
	data := json.RawMessage(body)
	if len(body) == 0 {
		data = json.RawMessage("{}")
	} else if !json.Valid(body) {
		http.Error(w, "request body is not valid JSON", http.StatusBadRequest)
		return
	}

	resp, err := h.requester.SendAndWait(protocol.TypeKMSRequest, &protocol.KMSRequest{
		Operation: strings.TrimPrefix(r.URL.Path, "/"),
		Data:      data,
	}, h.cfg.KMSRequestTimeout)
	if errors.Is(err, tunnel.ErrRequestTimeout) {
		http.Error(w, "Gateway Timeout: host bridge did not respond", http.StatusGatewayTimeout)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("Bad Gateway: %v", err), http.StatusBadGateway)
		return
	}

	var result protocol.KMSResponse
	if err := resp.DecodePayload(&result); err != nil {
		http.Error(w, fmt.Sprintf("Bad Gateway: %v", err), http.StatusBadGateway)
		return
	}

	var status int
	var out []byte
	if result.Error != "" {
		status = http.StatusBadRequest
		out, _ = json.Marshal(&protocol.ErrorPayload{Error: result.Error})
	} else {
		status = http.StatusOK
		out = result.Result
		if len(out) == 0 {
			out = []byte("{}")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(out)))
	w.WriteHeader(status)
	if _, err := w.Write(out); err != nil {
		logger.Debugw("error writing kms response", "err", err)
	}
}
