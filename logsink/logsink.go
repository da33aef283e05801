// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logsink routes enclave log traffic to a durable sink. The sink
// contract is best-effort: every write also lands on the local console, and
// sink failures are swallowed so logging never breaks the bridge.
package logsink

import (
	"github.com/trezahq/enclave-bridge/logger"
)

// Streams the bridge routes messages to.
const (
	StreamSystem      = "system"
	StreamApplication = "application"
	StreamHealth      = "health"
	StreamErrors      = "errors"
)

// Sink accepts (stream, message) pairs.
type Sink interface {
	Write(stream, message string)
}

// Console logs to the local console only. It backs development setups and
// tests, and hosts without CloudWatch access.
type Console struct{}

func (Console) Write(stream, message string) {
	if stream == StreamErrors {
		logger.Errorw(message, "stream", stream)
		return
	}
	logger.Infow(message, "stream", stream)
}
