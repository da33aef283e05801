// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/trezahq/enclave-bridge/config"
)

func writeTool(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nitro-cli")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPCRReadsMeasurements(t *testing.T) {
	tool := writeTool(t, `echo '[{"Measurements":{"PCR0":"aa","PCR1":"bb","PCR2":"cc","PCR8":"dd"}}]'`)
	a := NewPCRAction(config.BridgeConfig{NitroCLIPath: tool, PCRTimeout: 5 * time.Second})

	got := a.Read()
	want := map[string]string{"PCR0": "aa", "PCR1": "bb", "PCR2": "cc"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestPCRMissingKeyIsUnavailable(t *testing.T) {
	tool := writeTool(t, `echo '[{"Measurements":{"PCR0":"aa"}}]'`)
	a := NewPCRAction(config.BridgeConfig{NitroCLIPath: tool, PCRTimeout: 5 * time.Second})

	got := a.Read()
	if got["PCR0"] != "aa" || got["PCR1"] != "unavailable" || got["PCR2"] != "unavailable" {
		t.Errorf("got %v", got)
	}
}

func TestPCRSentinelOnToolFailure(t *testing.T) {
	tool := writeTool(t, `exit 1`)
	a := NewPCRAction(config.BridgeConfig{NitroCLIPath: tool, PCRTimeout: 5 * time.Second})
	assertAllSentinel(t, a.Read())
}

func TestPCRSentinelOnBadOutput(t *testing.T) {
	tool := writeTool(t, `echo 'not json'`)
	a := NewPCRAction(config.BridgeConfig{NitroCLIPath: tool, PCRTimeout: 5 * time.Second})
	assertAllSentinel(t, a.Read())
}

func TestPCRSentinelOnNoEnclaves(t *testing.T) {
	tool := writeTool(t, `echo '[]'`)
	a := NewPCRAction(config.BridgeConfig{NitroCLIPath: tool, PCRTimeout: 5 * time.Second})
	assertAllSentinel(t, a.Read())
}

func TestPCRSentinelOnMissingTool(t *testing.T) {
	a := NewPCRAction(config.BridgeConfig{NitroCLIPath: "/does/not/exist", PCRTimeout: time.Second})
	assertAllSentinel(t, a.Read())
}

func assertAllSentinel(t *testing.T, got map[string]string) {
	t.Helper()
	for _, key := range []string{"PCR0", "PCR1", "PCR2"} {
		if got[key] != SentinelUnavailable {
			t.Errorf("%s = %q, want %q", key, got[key], SentinelUnavailable)
		}
	}
}
