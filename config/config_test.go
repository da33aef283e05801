// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().validate(); err != nil {
		t.Fatalf("default config does not validate: %v", err)
	}
}

func TestReadOverridesDefaults(t *testing.T) {
	cfg, err := Read(writeConfig(t, `
enclaveId: enclave-7
tunnel:
  hostCID: 0
  addr: 127.0.0.1:5000
  maxAttempts: 3
  attemptDelay: 1s
workload:
  command: ./run.sh
  type: service
  healthInterval: 10s
bridge:
  listenAddr: 127.0.0.1:5000
  listenPort: 0
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnclaveID != "enclave-7" {
		t.Errorf("enclaveId = %q", cfg.EnclaveID)
	}
	if cfg.Tunnel.Addr != "127.0.0.1:5000" || cfg.Tunnel.HostCID != 0 {
		t.Errorf("tunnel = %+v", cfg.Tunnel)
	}
	if cfg.Tunnel.MaxAttempts != 3 || cfg.Tunnel.AttemptDelay != time.Second {
		t.Errorf("tunnel retry = %+v", cfg.Tunnel)
	}
	if cfg.Workload.Type != WorkloadService || cfg.Workload.HealthInterval != 10*time.Second {
		t.Errorf("workload = %+v", cfg.Workload)
	}
	// Untouched sections keep their defaults.
	if cfg.Proxy.HTTPListenAddr != "127.0.0.1:3128" {
		t.Errorf("proxy = %+v", cfg.Proxy)
	}
}

func TestReadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_ENCLAVE_NAME", "enclave-from-env")
	cfg, err := Read(writeConfig(t, `
enclaveId: ${TEST_ENCLAVE_NAME}
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.EnclaveID != "enclave-from-env" {
		t.Errorf("enclaveId = %q", cfg.EnclaveID)
	}
}

func TestReadRejectsAmbiguousTunnel(t *testing.T) {
	_, err := Read(writeConfig(t, `
tunnel:
  hostCID: 3
  addr: 127.0.0.1:5000
`))
	if err == nil || !strings.Contains(err.Error(), "exactly one of hostCID and addr") {
		t.Fatalf("err = %v", err)
	}
}

func TestReadRejectsUnknownWorkloadType(t *testing.T) {
	_, err := Read(writeConfig(t, `
workload:
  type: cron
`))
	if err == nil || !strings.Contains(err.Error(), `unknown type "cron"`) {
		t.Fatalf("err = %v", err)
	}
}

func TestHealthIntervalClamped(t *testing.T) {
	cfg, err := Read(writeConfig(t, `
workload:
  type: service
  healthInterval: 1ms
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workload.HealthInterval != time.Second {
		t.Errorf("healthInterval = %v, want clamped to 1s", cfg.Workload.HealthInterval)
	}
}

func TestCommandFromEnv(t *testing.T) {
	for _, tc := range []struct {
		name       string
		cmd        string
		entrypoint string
		args       string
		want       string
	}{
		{name: "none", want: ""},
		{name: "cmd wins", cmd: "python app.py", entrypoint: "./start.sh", want: "python app.py"},
		{name: "entrypoint only", entrypoint: "./start.sh", want: "./start.sh"},
		{name: "entrypoint with args", entrypoint: "./start.sh", args: "--fast", want: "./start.sh --fast"},
		{name: "args without entrypoint", args: "--fast", want: ""},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(EnvUserCmd, tc.cmd)
			t.Setenv(EnvUserEntrypoint, tc.entrypoint)
			t.Setenv(EnvUserCmdArgs, tc.args)
			if got := commandFromEnv(); got != tc.want {
				t.Errorf("commandFromEnv() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestDurationFromEnv(t *testing.T) {
	for _, tc := range []struct {
		value string
		want  time.Duration
	}{
		{"", 30 * time.Second},
		{"45", 45 * time.Second},
		{"2m", 2 * time.Minute},
		{"garbage", 30 * time.Second},
		{"-5", 30 * time.Second},
	} {
		t.Setenv(EnvHealthInterval, tc.value)
		if got := durationFromEnv(EnvHealthInterval, 30*time.Second); got != tc.want {
			t.Errorf("durationFromEnv(%q) = %v, want %v", tc.value, got, tc.want)
		}
	}
}
