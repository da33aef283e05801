// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package util

import (
	"time"
)

// Clock provides an interface for accessing the current time.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (r *realClock) Now() time.Time {
	return time.Now()
}

// RealClock returns a clock which uses time.Now.
var RealClock Clock = (*realClock)(nil)

// TestAt is a Clock that returns a set single point in time.
type TestAt time.Time

func (t TestAt) Now() time.Time {
	return time.Time(t)
}

// EpochSeconds renders the clock's current time as fractional seconds since
// the Unix epoch, the timestamp format used on the tunnel wire.
func EpochSeconds(c Clock) float64 {
	return float64(c.Now().UnixNano()) / float64(time.Second)
}
