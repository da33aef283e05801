// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/protocol"
)

// HTTPAction forwards enclave requests to the real network. Its client
// timeout stays below the enclave's request timeout, so in normal operation
// the enclave frontend observes timeouts, not this action.
type HTTPAction struct {
	client *http.Client
}

// envelopeHeadroom is reserved below the frame cap for the message envelope
// around the response payload.
const envelopeHeadroom = 1024

func NewHTTPAction(cfg config.BridgeConfig) *HTTPAction {
	return &HTTPAction{client: &http.Client{Timeout: cfg.HTTPTimeout}}
}

// Forward never returns an error: remote HTTP error statuses come back
// verbatim, and connection-level failures become a 502 with a descriptive
// body, so the enclave always receives a well-formed response payload.
func (a *HTTPAction) Forward(req *protocol.HTTPRequest) *protocol.HTTPResponse {
	var body io.Reader
	if req.Body != "" {
		body = strings.NewReader(req.Body)
	}
	hreq, err := http.NewRequest(req.Method, req.URL, body)
	if err != nil {
		return errorResponse(fmt.Sprintf("Proxy error: %v", err))
	}
	for key, value := range req.Headers {
		hreq.Header.Set(key, value)
	}

	resp, err := a.client.Do(hreq)
	if err != nil {
		return errorResponse(fmt.Sprintf("Network error: %v", err))
	}
	defer resp.Body.Close()

	// The body must fit in a single response frame.
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, protocol.MaxFrameSize))
	if err != nil {
		return errorResponse(fmt.Sprintf("Network error: reading response: %v", err))
	}

	headers := make(map[string]string, len(resp.Header))
	for key, values := range resp.Header {
		headers[key] = strings.Join(values, ", ")
	}
	out := &protocol.HTTPResponse{
		Status:  resp.StatusCode,
		Headers: headers,
		Body:    string(respBody),
	}
	// JSON escaping can inflate the body past the frame cap even when the raw
	// bytes fit; measure the actual payload rather than guessing.
	if encoded, err := json.Marshal(out); err != nil || len(encoded) > protocol.MaxFrameSize-envelopeHeadroom {
		return errorResponse(fmt.Sprintf("Network error: response too large (%d bytes)", len(respBody)))
	}
	return out
}

func errorResponse(body string) *protocol.HTTPResponse {
	return &protocol.HTTPResponse{
		Status:  http.StatusBadGateway,
		Headers: map[string]string{},
		Body:    body,
	}
}
