// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/protocol"
)

type sinkEntry struct {
	stream, message string
}

type recordingSink struct {
	mu      sync.Mutex
	entries []sinkEntry
}

func (s *recordingSink) Write(stream, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, sinkEntry{stream, message})
}

func (s *recordingSink) find(stream, substr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.stream == stream && strings.Contains(e.message, substr) {
			return true
		}
	}
	return false
}

type fixedHTTP struct{ resp *protocol.HTTPResponse }

func (f fixedHTTP) Forward(*protocol.HTTPRequest) *protocol.HTTPResponse { return f.resp }

type fixedKMS struct{ resp *protocol.KMSResponse }

func (f fixedKMS) Handle(*protocol.KMSRequest) *protocol.KMSResponse { return f.resp }

type fixedPCR struct{ values map[string]string }

func (f fixedPCR) Read() map[string]string { return f.values }

type testConn struct {
	conn net.Conn
	sink *recordingSink
	done chan struct{}
}

func dialServer(t *testing.T, srv *Server) *testConn {
	t.Helper()
	near, far := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.handleConnection(far)
		close(done)
	}()
	t.Cleanup(func() {
		near.Close()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("connection handler never exited")
		}
	})
	return &testConn{conn: near, done: done}
}

func newTestServer(http HTTPForwarder, kms KMSForwarder, pcr MeasurementReader) (*Server, *recordingSink) {
	sink := &recordingSink{}
	return NewServer(config.BridgeConfig{}, sink, http, kms, pcr), sink
}

func (tc *testConn) roundTrip(t *testing.T, typ protocol.Type, id string, payload any) *protocol.Message {
	t.Helper()
	tc.send(t, typ, id, payload)
	return tc.read(t)
}

func (tc *testConn) send(t *testing.T, typ protocol.Type, id string, payload any) {
	t.Helper()
	m, err := protocol.New(typ, id, payload)
	if err != nil {
		t.Fatal(err)
	}
	tc.conn.SetDeadline(time.Now().Add(time.Second))
	if err := protocol.WriteMessage(tc.conn, m); err != nil {
		t.Fatal(err)
	}
}

func (tc *testConn) read(t *testing.T) *protocol.Message {
	t.Helper()
	tc.conn.SetDeadline(time.Now().Add(time.Second))
	m, err := protocol.ReadMessage(tc.conn)
	if err != nil {
		t.Fatalf("reading reply: %v", err)
	}
	return m
}

func TestHandshakeAcked(t *testing.T) {
	srv, sink := newTestServer(fixedHTTP{}, fixedKMS{}, fixedPCR{})
	tc := dialServer(t, srv)

	reply := tc.roundTrip(t, protocol.TypeHandshake, "req-1", &protocol.Handshake{
		EnclaveID:       "enclave-1",
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    []string{"http_proxy"},
	})

	if reply.Type != protocol.TypeHandshakeAck || reply.ID != "req-1" {
		t.Fatalf("reply = %v %v", reply.Type, reply.ID)
	}
	var ack protocol.HandshakeAck
	if err := reply.DecodePayload(&ack); err != nil {
		t.Fatal(err)
	}
	if ack.Status != "ok" || ack.BridgeVersion != BridgeVersion {
		t.Errorf("ack = %+v", ack)
	}
	if !sink.find("system", "Handshake from enclave-1") {
		t.Error("handshake not logged to the system stream")
	}
}

func TestLogRoutedByLevel(t *testing.T) {
	srv, sink := newTestServer(fixedHTTP{}, fixedKMS{}, fixedPCR{})
	tc := dialServer(t, srv)

	tc.send(t, protocol.TypeLog, "req-1", &protocol.Log{Level: "app", Message: "workload says hi"})
	tc.send(t, protocol.TypeLog, "req-2", &protocol.Log{Level: "app_err", Message: "workload complains"})
	tc.send(t, protocol.TypeLog, "req-3", &protocol.Log{Level: "info", Message: "proxy status"})

	// Log frames get no reply; send a handshake and wait for its ack to know
	// the three logs were processed.
	tc.roundTrip(t, protocol.TypeHandshake, "req-4", &protocol.Handshake{EnclaveID: "e"})

	if !sink.find("application", "[APP] workload says hi") {
		t.Error("app level not routed to application stream")
	}
	if !sink.find("application", "[APP_ERR] workload complains") {
		t.Error("app_err level not routed to application stream")
	}
	if !sink.find("system", "[INFO] proxy status") {
		t.Error("info level not routed to system stream")
	}
}

func TestHTTPRequestDispatched(t *testing.T) {
	srv, _ := newTestServer(fixedHTTP{resp: &protocol.HTTPResponse{Status: 201, Body: "created"}}, fixedKMS{}, fixedPCR{})
	tc := dialServer(t, srv)

	reply := tc.roundTrip(t, protocol.TypeHTTPRequest, "req-9", &protocol.HTTPRequest{Method: "POST", URL: "https://api.example.com/things"})
	if reply.Type != protocol.TypeHTTPResponse || reply.ID != "req-9" {
		t.Fatalf("reply = %v %v", reply.Type, reply.ID)
	}
	var resp protocol.HTTPResponse
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != 201 || resp.Body != "created" {
		t.Errorf("response = %+v", resp)
	}
}

func TestPCRRequestDispatched(t *testing.T) {
	srv, _ := newTestServer(fixedHTTP{}, fixedKMS{}, fixedPCR{values: map[string]string{"PCR0": "abc"}})
	tc := dialServer(t, srv)

	reply := tc.roundTrip(t, protocol.TypePCRRequest, "req-2", struct{}{})
	var resp protocol.PCRResponse
	if err := reply.DecodePayload(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.PCRValues["PCR0"] != "abc" {
		t.Errorf("pcr_values = %v", resp.PCRValues)
	}
}

func TestHealthReportLoggedWithoutReply(t *testing.T) {
	srv, sink := newTestServer(fixedHTTP{}, fixedKMS{}, fixedPCR{})
	tc := dialServer(t, srv)

	code := 0
	tc.send(t, protocol.TypeHealthReport, "req-1", &protocol.HealthReport{
		Status:       protocol.StatusCompleted,
		ExitCode:     &code,
		WorkloadType: "batch",
	})
	tc.roundTrip(t, protocol.TypeHandshake, "req-2", &protocol.Handshake{EnclaveID: "e"})

	if !sink.find("health", "status=completed, workload=batch, exit_code=0") {
		t.Error("health report not routed to health stream")
	}
}

func TestUnknownTypeGetsErrorReply(t *testing.T) {
	srv, _ := newTestServer(fixedHTTP{}, fixedKMS{}, fixedPCR{})
	tc := dialServer(t, srv)

	reply := tc.roundTrip(t, protocol.Type("bogus"), "req-1", struct{}{})
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %v", reply.Type)
	}
	var e protocol.ErrorPayload
	if err := reply.DecodePayload(&e); err != nil {
		t.Fatal(err)
	}
	if e.Error != "Unknown message type: bogus" {
		t.Errorf("error = %q", e.Error)
	}

	// The connection survives the unknown frame.
	tc.roundTrip(t, protocol.TypeHandshake, "req-2", &protocol.Handshake{EnclaveID: "e"})
}

func TestMalformedPayloadGetsErrorReply(t *testing.T) {
	srv, _ := newTestServer(fixedHTTP{}, fixedKMS{}, fixedPCR{})
	tc := dialServer(t, srv)

	// An http_request whose payload is a JSON array cannot decode.
	reply := tc.roundTrip(t, protocol.TypeHTTPRequest, "req-1", []string{"not", "a", "request"})
	if reply.Type != protocol.TypeError {
		t.Fatalf("reply type = %v", reply.Type)
	}
	tc.roundTrip(t, protocol.TypeHandshake, "req-2", &protocol.Handshake{EnclaveID: "e"})
}
