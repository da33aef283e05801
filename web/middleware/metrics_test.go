// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInstrumentPassesThrough(t *testing.T) {
	h := Instrument("test", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Thing", "yes")
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short and stout"))
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != http.StatusTeapot {
		t.Errorf("status = %d", w.Code)
	}
	if w.Body.String() != "short and stout" {
		t.Errorf("body = %q", w.Body.String())
	}
	if w.Header().Get("X-Thing") != "yes" {
		t.Errorf("headers = %v", w.Header())
	}
}

func TestWriterWrapperImplicitOK(t *testing.T) {
	rec := httptest.NewRecorder()
	ww := &writerWrapper{w: rec}
	ww.Write([]byte("hi"))
	if !ww.recorded || ww.statusCode != http.StatusOK {
		t.Errorf("recorded=%v status=%d", ww.recorded, ww.statusCode)
	}
}
