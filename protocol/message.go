// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package protocol defines the messages multiplexed over the enclave tunnel
// and the length-prefixed framing used to carry them.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Type discriminates the payload carried by a Message.
type Type string

const (
	TypeHandshake    Type = "handshake"
	TypeHandshakeAck Type = "handshake_ack"
	TypeLog          Type = "log"
	TypeHTTPRequest  Type = "http_request"
	TypeHTTPResponse Type = "http_response"
	TypeKMSRequest   Type = "kms_request"
	TypeKMSResponse  Type = "kms_response"
	TypePCRRequest   Type = "pcr_request"
	TypePCRResponse  Type = "pcr_response"
	TypeHealthReport Type = "health_report"
	TypeError        Type = "error"
)

// ProtocolVersion is sent in the handshake and echoed by the bridge.
const ProtocolVersion = "2.0"

// Message is the unit exchanged over the tunnel. The payload is kept raw
// until the receiver knows, from Type, which schema to decode it into.
// A Message with an unrecognized Type is still a valid Message; the bridge
// answers it with an error reply rather than tearing the connection down.
type Message struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// New builds a message, marshaling payload into the raw payload field.
func New(t Type, id string, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return &Message{Type: t, ID: id, Payload: raw}, nil
}

// DecodePayload unmarshals the raw payload into out.
func (m *Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message %s has no payload", m.Type, m.ID)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", m.Type, err)
	}
	return nil
}

// Handshake is sent by the enclave immediately after connecting.
type Handshake struct {
	EnclaveID       string   `json:"enclave_id"`
	ProtocolVersion string   `json:"protocol_version"`
	Capabilities    []string `json:"capabilities"`
}

// HandshakeAck is the bridge's reply to a handshake. The enclave does not
// wait for it; the dispatch loop consumes and logs it whenever it arrives.
type HandshakeAck struct {
	Status        string `json:"status"`
	BridgeVersion string `json:"parent_version"`
}

// Log is a fire-and-forget log line destined for the host log sink.
type Log struct {
	Level     string  `json:"level"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// HTTPRequest asks the bridge to perform a real network request.
type HTTPRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// HTTPResponse carries the outcome of an HTTPRequest. Network-level
// failures on the bridge arrive as status 502 with a descriptive body,
// never as a missing reply.
type HTTPResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// KMSRequest asks the bridge to perform a key-management operation.
// Binary fields inside Data are hex-encoded strings.
type KMSRequest struct {
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
}

// KMSResponse carries either a result or a business error, never both.
type KMSResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PCRResponse carries the enclave measurement values held by the host.
type PCRResponse struct {
	PCRValues map[string]string `json:"pcr_values"`
}

// HealthReport describes the supervised workload's state. ExitCode is only
// set once the workload has exited.
type HealthReport struct {
	Status       string `json:"status"`
	ExitCode     *int   `json:"exit_code,omitempty"`
	WorkloadType string `json:"workload_type"`
}

// Health report statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusCrashed   = "crashed"
)

// ErrorPayload is the bridge's reply to a message it cannot service.
type ErrorPayload struct {
	Error string `json:"error"`
}
