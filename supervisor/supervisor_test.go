// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/protocol"
)

type logLine struct {
	level, message string
}

type fakeReporter struct {
	mu      sync.Mutex
	logs    []logLine
	reports []*protocol.HealthReport
}

func (f *fakeReporter) SendLog(level, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs = append(f.logs, logLine{level, message})
}

func (f *fakeReporter) SendHealth(report *protocol.HealthReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeReporter) snapshot() ([]logLine, []*protocol.HealthReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]logLine(nil), f.logs...), append([]*protocol.HealthReport(nil), f.reports...)
}

func proxyCfg() config.ProxyConfig {
	return config.ProxyConfig{
		HTTPListenAddr: "127.0.0.1:3128",
		KMSListenAddr:  "127.0.0.1:8000",
	}
}

func TestBatchReportsCompletionOnce(t *testing.T) {
	rep := &fakeReporter{}
	s := New(config.WorkloadConfig{
		Command:     "echo out line; echo err line >&2; exit 3",
		Type:        config.WorkloadBatch,
		GracePeriod: 10 * time.Millisecond,
	}, proxyCfg(), rep)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	logs, reports := rep.snapshot()
	if len(reports) != 1 {
		t.Fatalf("got %d health reports, want exactly 1", len(reports))
	}
	r := reports[0]
	if r.Status != protocol.StatusCompleted || r.ExitCode == nil || *r.ExitCode != 3 {
		t.Errorf("report = %+v", r)
	}
	if r.WorkloadType != config.WorkloadBatch {
		t.Errorf("workload type = %q", r.WorkloadType)
	}

	var sawStdout, sawStderr, sawExit bool
	for _, l := range logs {
		switch {
		case l.level == "app" && l.message == "out line":
			sawStdout = true
		case l.level == "app_err" && l.message == "err line":
			sawStderr = true
		case strings.Contains(l.message, "exited with code 3"):
			sawExit = true
		}
	}
	if !sawStdout || !sawStderr || !sawExit {
		t.Errorf("missing expected log lines: stdout=%v stderr=%v exit=%v in %v", sawStdout, sawStderr, sawExit, logs)
	}
}

func TestServiceExitReportsCrashed(t *testing.T) {
	rep := &fakeReporter{}
	s := New(config.WorkloadConfig{
		Command:        "exit 7",
		Type:           config.WorkloadService,
		HealthInterval: time.Hour,
	}, proxyCfg(), rep)

	if err := s.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	_, reports := rep.snapshot()
	if len(reports) != 1 {
		t.Fatalf("got %d health reports, want 1", len(reports))
	}
	r := reports[0]
	if r.Status != protocol.StatusCrashed || r.ExitCode == nil || *r.ExitCode != 7 {
		t.Errorf("report = %+v", r)
	}
}

func TestServiceHeartbeatsWhileRunning(t *testing.T) {
	rep := &fakeReporter{}
	s := New(config.WorkloadConfig{
		Command:        "sleep 30",
		Type:           config.WorkloadService,
		HealthInterval: 20 * time.Millisecond,
	}, proxyCfg(), rep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let a few heartbeats fire, then request shutdown.
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancellation")
	}

	_, reports := rep.snapshot()
	if len(reports) == 0 {
		t.Fatal("no heartbeat reports while service ran")
	}
	for _, r := range reports {
		if r.Status != protocol.StatusRunning || r.ExitCode != nil {
			t.Errorf("heartbeat = %+v, want running with no exit code", r)
		}
	}
}

func TestIdleModeLogsAndStopsOnCancel(t *testing.T) {
	rep := &fakeReporter{}
	s := New(config.WorkloadConfig{IdleInterval: time.Hour}, proxyCfg(), rep)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run() = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("idle supervisor ignored cancellation")
	}

	logs, reports := rep.snapshot()
	if len(reports) != 0 {
		t.Errorf("idle mode sent %d health reports", len(reports))
	}
	if len(logs) != 1 || !strings.Contains(logs[0].message, "standalone mode") {
		t.Errorf("logs = %v", logs)
	}
}

func TestWorkloadEnv(t *testing.T) {
	s := New(config.WorkloadConfig{}, proxyCfg(), &fakeReporter{})
	env := map[string]string{}
	for _, kv := range s.workloadEnv() {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	want := map[string]string{
		"HTTP_PROXY":         "http://127.0.0.1:3128",
		"HTTPS_PROXY":        "http://127.0.0.1:3128",
		"http_proxy":         "http://127.0.0.1:3128",
		"https_proxy":        "http://127.0.0.1:3128",
		"TREZA_KMS_ENDPOINT": "http://127.0.0.1:8000",
		"NO_PROXY":           "127.0.0.1,localhost",
		"no_proxy":           "127.0.0.1,localhost",
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("%s = %q, want %q", k, env[k], v)
		}
	}
	if len(env) != len(want) {
		t.Errorf("injected %d vars, want %d: %v", len(env), len(want), env)
	}
}
