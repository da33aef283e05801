// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge implements the host side of the tunnel: it accepts enclave
// connections, runs a sequential dispatch loop per connection, and performs
// the privileged actions (real network calls, KMS, measurement lookups) the
// enclave cannot perform itself.
package bridge

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/google/uuid"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/mdlayher/vsock"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/logsink"
	"github.com/trezahq/enclave-bridge/protocol"
)

// BridgeVersion is reported in handshake acks.
const BridgeVersion = "2.0"

var frameCounterName = []string{"bridge", "frames"}

// HTTPForwarder performs a real network request on behalf of the enclave.
// All failures become a well-formed response payload, never an error.
type HTTPForwarder interface {
	Forward(req *protocol.HTTPRequest) *protocol.HTTPResponse
}

// KMSForwarder performs a key-management operation on behalf of the enclave.
type KMSForwarder interface {
	Handle(req *protocol.KMSRequest) *protocol.KMSResponse
}

// MeasurementReader retrieves the enclave's platform measurement values.
type MeasurementReader interface {
	Read() map[string]string
}

// Server terminates tunnel connections and dispatches their frames.
type Server struct {
	cfg  config.BridgeConfig
	sink logsink.Sink
	http HTTPForwarder
	kms  KMSForwarder
	pcr  MeasurementReader
}

func NewServer(cfg config.BridgeConfig, sink logsink.Sink, http HTTPForwarder, kms KMSForwarder, pcr MeasurementReader) *Server {
	return &Server{cfg: cfg, sink: sink, http: http, kms: kms, pcr: pcr}
}

// Listen binds the tunnel listening socket: vsock in production, TCP when
// ListenAddr is set (local development and tests).
func (s *Server) Listen() (net.Listener, error) {
	if s.cfg.ListenAddr != "" {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	return vsock.Listen(s.cfg.ListenPort, nil)
}

// Serve accepts connections until the listener closes. Each connection gets
// its own handler goroutine; accept never blocks on handler completion.
func (s *Server) Serve(ln net.Listener) error {
	s.sink.Write(logsink.StreamSystem, fmt.Sprintf("Bridge listening on %v", ln.Addr()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConnection(conn)
	}
}

// handleConnection runs the synchronous read-decode-act-respond loop: one
// frame is fully processed, including any outbound network call, before the
// next frame on this connection is read. A failing frame ends the handler
// cleanly; it never crashes the bridge process.
func (s *Server) handleConnection(conn net.Conn) {
	connID := uuid.NewString()[:8]
	s.sink.Write(logsink.StreamSystem, fmt.Sprintf("Enclave connected (conn %s, remote %v)", connID, conn.RemoteAddr()))
	defer func() {
		if r := recover(); r != nil {
			s.sink.Write(logsink.StreamErrors, fmt.Sprintf("Connection %s panicked: %v", connID, r))
		}
		conn.Close()
		s.sink.Write(logsink.StreamSystem, fmt.Sprintf("Enclave connection %s closed", connID))
	}()

	for {
		m, err := protocol.ReadMessage(conn)
		if errors.Is(err, io.EOF) {
			return
		} else if err != nil {
			s.sink.Write(logsink.StreamErrors, fmt.Sprintf("Connection %s: %v", connID, err))
			return
		}
		metrics.IncrCounterWithLabels(frameCounterName, 1, []metrics.Label{{Name: "type", Value: string(m.Type)}})
		if err := s.handleFrame(conn, m); err != nil {
			s.sink.Write(logsink.StreamErrors, fmt.Sprintf("Connection %s: handling %s %s: %v", connID, m.Type, m.ID, err))
			return
		}
	}
}

func (s *Server) handleFrame(conn net.Conn, m *protocol.Message) error {
	switch m.Type {
	case protocol.TypeHandshake:
		var hs protocol.Handshake
		if err := m.DecodePayload(&hs); err != nil {
			return s.replyError(conn, m.ID, err)
		}
		s.sink.Write(logsink.StreamSystem, fmt.Sprintf(
			"Handshake from %s: protocol=%s, capabilities=%v", hs.EnclaveID, hs.ProtocolVersion, hs.Capabilities))
		return s.reply(conn, protocol.TypeHandshakeAck, m.ID, &protocol.HandshakeAck{
			Status:        "ok",
			BridgeVersion: BridgeVersion,
		})

	case protocol.TypeLog:
		var entry protocol.Log
		if err := m.DecodePayload(&entry); err != nil {
			return s.replyError(conn, m.ID, err)
		}
		stream := logsink.StreamSystem
		if strings.HasPrefix(entry.Level, "app") {
			stream = logsink.StreamApplication
		}
		s.sink.Write(stream, fmt.Sprintf("[%s] %s", strings.ToUpper(entry.Level), entry.Message))
		return nil

	case protocol.TypeHTTPRequest:
		var req protocol.HTTPRequest
		if err := m.DecodePayload(&req); err != nil {
			return s.replyError(conn, m.ID, err)
		}
		return s.reply(conn, protocol.TypeHTTPResponse, m.ID, s.http.Forward(&req))

	case protocol.TypeKMSRequest:
		var req protocol.KMSRequest
		if err := m.DecodePayload(&req); err != nil {
			return s.replyError(conn, m.ID, err)
		}
		return s.reply(conn, protocol.TypeKMSResponse, m.ID, s.kms.Handle(&req))

	case protocol.TypePCRRequest:
		values := s.pcr.Read()
		s.sink.Write(logsink.StreamSystem, fmt.Sprintf("PCR values: %v", values))
		return s.reply(conn, protocol.TypePCRResponse, m.ID, &protocol.PCRResponse{PCRValues: values})

	case protocol.TypeHealthReport:
		var report protocol.HealthReport
		if err := m.DecodePayload(&report); err != nil {
			return s.replyError(conn, m.ID, err)
		}
		text := fmt.Sprintf("Health: status=%s, workload=%s", report.Status, report.WorkloadType)
		if report.ExitCode != nil {
			text += fmt.Sprintf(", exit_code=%d", *report.ExitCode)
		}
		s.sink.Write(logsink.StreamHealth, text)
		return nil

	default:
		s.sink.Write(logsink.StreamSystem, fmt.Sprintf("Unknown message type: %s", m.Type))
		return s.reply(conn, protocol.TypeError, m.ID, &protocol.ErrorPayload{
			Error: fmt.Sprintf("Unknown message type: %s", m.Type),
		})
	}
}

// reply writes a response frame. The handler loop is the connection's only
// writer, so no write lock is needed here.
func (s *Server) reply(conn net.Conn, t protocol.Type, id string, payload any) error {
	m, err := protocol.New(t, id, payload)
	if err != nil {
		return err
	}
	return protocol.WriteMessage(conn, m)
}

// replyError answers a frame whose payload could not be decoded. The sender
// gets a structured error for its correlation id; the connection stays up.
func (s *Server) replyError(conn net.Conn, id string, cause error) error {
	logger.Warnw("malformed frame payload", "id", id, "err", cause)
	return s.reply(conn, protocol.TypeError, id, &protocol.ErrorPayload{Error: cause.Error()})
}
