// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"encoding/json"
	"os/exec"
	"time"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
)

// SentinelUnavailable is returned for every measurement when the tool fails,
// so callers always receive a complete response shape.
const SentinelUnavailable = "ERROR_NSM_UNAVAILABLE"

var measurementKeys = []string{"PCR0", "PCR1", "PCR2"}

// PCRAction retrieves enclave measurement values from the platform's
// measurement tool running on the host.
type PCRAction struct {
	cliPath string
	timeout time.Duration
}

func NewPCRAction(cfg config.BridgeConfig) *PCRAction {
	return &PCRAction{cliPath: cfg.NitroCLIPath, timeout: cfg.PCRTimeout}
}

type describedEnclave struct {
	Measurements map[string]string `json:"Measurements"`
}

// Read invokes the measurement tool with a bounded timeout. It never fails:
// on timeout or any error each expected measurement gets the sentinel value.
func (a *PCRAction) Read() map[string]string {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, a.cliPath, "describe-enclaves").Output()
	if err != nil {
		logger.Warnw("measurement tool failed", "tool", a.cliPath, "err", err)
		return unavailable()
	}

	var enclaves []describedEnclave
	if err := json.Unmarshal(out, &enclaves); err != nil || len(enclaves) == 0 {
		logger.Warnw("no enclave measurements reported", "err", err)
		return unavailable()
	}

	values := make(map[string]string, len(measurementKeys))
	for _, key := range measurementKeys {
		if v, ok := enclaves[0].Measurements[key]; ok {
			values[key] = v
		} else {
			values[key] = "unavailable"
		}
	}
	return values
}

func unavailable() map[string]string {
	values := make(map[string]string, len(measurementKeys))
	for _, key := range measurementKeys {
		values[key] = SentinelUnavailable
	}
	return values
}
