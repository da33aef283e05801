// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tunnel owns the enclave side of the single connection to the host
// bridge: connection establishment with retry, the handshake, correlation of
// concurrent requests with their responses, and the background dispatch loop
// that is the connection's sole reader.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	"github.com/mdlayher/vsock"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/protocol"
	"github.com/trezahq/enclave-bridge/util"
)

var (
	// ErrRequestTimeout is returned by SendAndWait when no matching response
	// arrives in time. It is local to one request; other in-flight requests
	// are unaffected.
	ErrRequestTimeout = errors.New("tunnel: request timed out")

	requestCounterName = []string{"tunnel", "requests"}
	timeoutCounterName = []string{"tunnel", "timeouts"}
	orphanCounterName  = []string{"tunnel", "orphanResponses"}
)

// Capabilities advertised in the handshake.
var capabilities = []string{"http_proxy", "kms_proxy", "log_stream", "health"}

// Client multiplexes all enclave traffic over one connection to the bridge.
// Any number of goroutines may send concurrently; exactly one goroutine runs
// DispatchLoop and is the only reader.
type Client struct {
	enclaveID string
	clock     util.Clock

	wMu  sync.Mutex
	sock net.Conn

	ids util.RequestIDGenerator

	pendingMu sync.Mutex
	pending   map[string]chan *protocol.Message

	connected atomic.Bool
}

// Dial waits out the warm-up period, then attempts the connection up to
// cfg.MaxAttempts times with a fixed delay between attempts. On success the
// handshake is sent immediately; the ack is not awaited, the dispatch loop
// consumes it later. Exhausting all attempts is fatal to the caller.
func Dial(ctx context.Context, cfg config.TunnelConfig, enclaveID string) (*Client, error) {
	logger.Infof("waiting %v for host bridge to be ready", cfg.WarmupDelay)
	if err := sleep(ctx, cfg.WarmupDelay); err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		sock, err := dial(cfg)
		if err == nil {
			c := New(sock, enclaveID)
			if err := c.handshake(); err != nil {
				c.Close()
				return nil, fmt.Errorf("tunnel handshake: %w", err)
			}
			logger.Infow("connected to host bridge", "attempt", attempt)
			return c, nil
		}
		lastErr = err
		logger.Warnw("tunnel connection attempt failed", "attempt", attempt, "maxAttempts", cfg.MaxAttempts, "err", err)
		if attempt < cfg.MaxAttempts {
			if err := sleep(ctx, cfg.AttemptDelay); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("tunnel: all %d connection attempts failed: %w", cfg.MaxAttempts, lastErr)
}

func dial(cfg config.TunnelConfig) (net.Conn, error) {
	switch {
	case cfg.Addr != "":
		return net.Dial("tcp", cfg.Addr)
	case cfg.HostCID != 0:
		return vsock.Dial(cfg.HostCID, cfg.Port, nil)
	default:
		return nil, fmt.Errorf("invalid tunnel config: %+v", cfg)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// New wraps an established connection. Most callers want Dial instead.
func New(sock net.Conn, enclaveID string) *Client {
	c := &Client{
		enclaveID: enclaveID,
		clock:     util.RealClock,
		sock:      sock,
		pending:   make(map[string]chan *protocol.Message),
	}
	c.connected.Store(true)
	return c
}

func (c *Client) handshake() error {
	return c.Send(protocol.TypeHandshake, &protocol.Handshake{
		EnclaveID:       c.enclaveID,
		ProtocolVersion: protocol.ProtocolVersion,
		Capabilities:    capabilities,
	})
}

// write serializes the frame onto the shared connection. The write mutex
// guarantees concurrent callers never interleave partial frames.
func (c *Client) write(m *protocol.Message) error {
	c.wMu.Lock()
	defer c.wMu.Unlock()
	if err := protocol.WriteMessage(c.sock, m); err != nil {
		// A failure to write is a permanent failure.
		c.markDead(err)
		return err
	}
	return nil
}

// Send writes a message that expects no response (log, health_report).
func (c *Client) Send(t protocol.Type, payload any) error {
	m, err := protocol.New(t, c.ids.NextID(), payload)
	if err != nil {
		return err
	}
	return c.write(m)
}

// SendAndWait registers a pending request, writes the frame, and blocks the
// caller until the matching response arrives or timeout elapses. On timeout
// the pending entry is removed and a response arriving later is dropped by
// the dispatch loop.
func (c *Client) SendAndWait(t protocol.Type, payload any, timeout time.Duration) (*protocol.Message, error) {
	id := c.ids.NextID()
	m, err := protocol.New(t, id, payload)
	if err != nil {
		return nil, err
	}

	recv := make(chan *protocol.Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = recv
	c.pendingMu.Unlock()

	metrics.IncrCounterWithLabels(requestCounterName, 1, []metrics.Label{{Name: "type", Value: string(t)}})

	if err := c.write(m); err != nil {
		c.removePending(id)
		return nil, err
	}

	select {
	case resp := <-recv:
		return resp, nil
	case <-time.After(timeout):
		c.removePending(id)
		metrics.IncrCounterWithLabels(timeoutCounterName, 1, []metrics.Label{{Name: "type", Value: string(t)}})
		return nil, fmt.Errorf("%w: %s after %v", ErrRequestTimeout, id, timeout)
	}
}

// SendLog ships a log line to the host sink and always echoes it locally.
// Tunnel failures are swallowed: logging must never break the main flow.
func (c *Client) SendLog(level, message string) {
	switch level {
	case "error", "app_err":
		logger.Errorw(message, "level", level)
	case "warn":
		logger.Warnw(message, "level", level)
	case "debug":
		logger.Debugw(message, "level", level)
	default:
		logger.Infow(message, "level", level)
	}
	if !c.connected.Load() {
		return
	}
	err := c.Send(protocol.TypeLog, &protocol.Log{
		Level:     level,
		Message:   message,
		Timestamp: util.EpochSeconds(c.clock),
	})
	if err != nil {
		logger.Debugw("failed to ship log line", "err", err)
	}
}

// SendHealth reports workload state to the bridge. No reply is expected.
func (c *Client) SendHealth(report *protocol.HealthReport) error {
	return c.Send(protocol.TypeHealthReport, report)
}

// DispatchLoop reads frames until the connection dies, resolving pending
// requests by correlation id. It must be the connection's only reader.
// Requests still pending when the connection dies are left to surface their
// own timeout.
func (c *Client) DispatchLoop() error {
	for {
		m, err := protocol.ReadMessage(c.sock)
		if err != nil {
			c.markDead(err)
			return err
		}
		switch {
		case m.Type == protocol.TypeHandshakeAck:
			var ack protocol.HandshakeAck
			if err := m.DecodePayload(&ack); err != nil {
				logger.Warnw("malformed handshake ack", "err", err)
				continue
			}
			logger.Infow("bridge acknowledged handshake", "status", ack.Status, "bridgeVersion", ack.BridgeVersion)
		case c.resolve(m):
		default:
			metrics.IncrCounter(orphanCounterName, 1)
			logger.Warnw("dropping response with no pending request", "type", m.Type, "id", m.ID)
		}
	}
}

// resolve hands the message to its waiter, reporting whether one existed.
func (c *Client) resolve(m *protocol.Message) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	recv, ok := c.pending[m.ID]
	if !ok {
		return false
	}
	delete(c.pending, m.ID)
	recv <- m // buffered, never blocks the dispatch loop
	return true
}

func (c *Client) removePending(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) markDead(err error) {
	if c.connected.CompareAndSwap(true, false) {
		logger.Errorw("tunnel connection lost", "err", err)
		c.sock.Close()
	}
}

// Connected reports whether the tunnel currently holds a live connection.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Close tears the connection down as an orderly shutdown, not a failure.
// Pending requests resolve via timeout.
func (c *Client) Close() {
	if c.connected.CompareAndSwap(true, false) {
		logger.Infow("tunnel connection closed")
		c.sock.Close()
	}
}
