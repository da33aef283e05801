// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements the enclave-local service frontends: an HTTP
// forward proxy, a KMS proxy, and a health endpoint. Each listens on its own
// loopback port and translates local calls into tunnel requests.
package proxy

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/protocol"
	"github.com/trezahq/enclave-bridge/tunnel"
)

// Requester sends one request over the tunnel and blocks for its response.
// Implemented by *tunnel.Client.
type Requester interface {
	SendAndWait(t protocol.Type, payload any, timeout time.Duration) (*protocol.Message, error)
}

// Headers never forwarded to the bridge. Host is recomputed from the URL on
// the far side; the proxy-specific headers are meaningless there.
var strippedRequestHeaders = map[string]bool{
	"host":                true,
	"proxy-connection":    true,
	"proxy-authorization": true,
}

// NewForward returns the HTTP forward proxy handler. The user workload is
// pointed at it via HTTP_PROXY/HTTPS_PROXY, so every outbound request of the
// workload arrives here and is tunneled to the bridge.
func NewForward(cfg config.ProxyConfig, requester Requester) http.Handler {
	return &forwardHandler{cfg: cfg, requester: requester}
}

type forwardHandler struct {
	cfg       config.ProxyConfig
	requester Requester
}

func (h *forwardHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Bad Gateway: reading request body: %v", err), http.StatusBadGateway)
		return
	}

	headers := make(map[string]string, len(r.Header))
	for key, values := range r.Header {
		if strippedRequestHeaders[strings.ToLower(key)] {
			continue
		}
		headers[key] = strings.Join(values, ", ")
	}

	resp, err := h.requester.SendAndWait(protocol.TypeHTTPRequest, &protocol.HTTPRequest{
		Method:  r.Method,
		URL:     r.URL.String(),
		Headers: headers,
		Body:    string(body),
	}, h.cfg.HTTPRequestTimeout)
	if errors.Is(err, tunnel.ErrRequestTimeout) {
		http.Error(w, "Gateway Timeout: host bridge did not respond", http.StatusGatewayTimeout)
		return
	} else if err != nil {
		http.Error(w, fmt.Sprintf("Bad Gateway: %v", err), http.StatusBadGateway)
		return
	}

	var result protocol.HTTPResponse
	if err := resp.DecodePayload(&result); err != nil {
		http.Error(w, fmt.Sprintf("Bad Gateway: %v", err), http.StatusBadGateway)
		return
	}

	// Copy the remote response verbatim, except framing headers: the body is
	// fully buffered here, so length is recomputed and chunking dropped.
	for key, value := range result.Headers {
		switch strings.ToLower(key) {
		case "transfer-encoding", "content-length":
			continue
		}
		w.Header().Set(key, value)
	}
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(result.Body)))
	w.WriteHeader(result.Status)
	if _, err := io.WriteString(w, result.Body); err != nil {
		logger.Debugw("error writing proxied response", "err", err)
	}
}
