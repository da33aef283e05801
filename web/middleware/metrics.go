// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package middleware wraps the local HTTP frontends with shared concerns.
package middleware

import (
	"net/http"
	"strconv"

	metrics "github.com/hashicorp/go-metrics"
)

// Instrument wraps an http.Handler and updates metrics with the http response
func Instrument(endpoint string, inner http.Handler) http.Handler {
	return &handler{endpoint: endpoint, inner: inner}
}

type handler struct {
	endpoint string
	inner    http.Handler
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ww := &writerWrapper{w: w}
	h.inner.ServeHTTP(ww, r)
	if ww.recorded {
		metrics.IncrCounterWithLabels([]string{"http", "response"}, 1, []metrics.Label{
			{Name: "endpoint", Value: h.endpoint},
			{Name: "method", Value: r.Method},
			{Name: "status", Value: strconv.Itoa(ww.statusCode)},
		})
	}
}

// When a response is written, record the status code so it can be instrumented later
type writerWrapper struct {
	w          http.ResponseWriter
	statusCode int
	recorded   bool
}

var _ http.ResponseWriter = (*writerWrapper)(nil)

func (ww *writerWrapper) Header() http.Header {
	return ww.w.Header()
}

func (ww *writerWrapper) Write(b []byte) (int, error) {
	if !ww.recorded {
		ww.recorded = true
		ww.statusCode = http.StatusOK
	}
	return ww.w.Write(b)
}

func (ww *writerWrapper) WriteHeader(statusCode int) {
	ww.recorded = true
	ww.statusCode = statusCode
	ww.w.WriteHeader(statusCode)
}
