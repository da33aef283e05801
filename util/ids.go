// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"fmt"
	"sync/atomic"
)

// RequestIDGenerator provides unique correlation ids for request/responses
// over the tunnel. Ids are unique within a process; they are not required to
// survive a reconnect.
type RequestIDGenerator struct {
	counter uint64
}

// NextID returns a fresh opaque correlation token.
func (g *RequestIDGenerator) NextID() string {
	return fmt.Sprintf("req-%d", atomic.AddUint64(&g.counter, 1))
}
