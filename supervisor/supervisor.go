// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package supervisor launches the user workload, streams its output into the
// tunnel's log channel, and runs the lifecycle that decides when the enclave
// proxy itself terminates.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/trezahq/enclave-bridge/config"
	"github.com/trezahq/enclave-bridge/logger"
	"github.com/trezahq/enclave-bridge/protocol"
)

// Reporter ships workload output and state over the tunnel.
// Implemented by *tunnel.Client.
type Reporter interface {
	SendLog(level, message string)
	SendHealth(report *protocol.HealthReport) error
}

// Supervisor owns the user child process for the lifetime of the enclave.
type Supervisor struct {
	cfg      config.WorkloadConfig
	proxyCfg config.ProxyConfig
	reporter Reporter
}

func New(cfg config.WorkloadConfig, proxyCfg config.ProxyConfig, reporter Reporter) *Supervisor {
	return &Supervisor{cfg: cfg, proxyCfg: proxyCfg, reporter: reporter}
}

// Run supervises the workload until it finishes or ctx is cancelled, then
// returns. For batch workloads a return means the enclave is done and should
// shut down; for service workloads it means the child crashed or shutdown was
// requested. Cancellation asks the child to terminate but never force-kills.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.cfg.Command == "" {
		return s.idle(ctx)
	}

	cmd := exec.Command("/bin/sh", "-c", s.cfg.Command)
	cmd.Env = append(os.Environ(), s.workloadEnv()...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	s.reporter.SendLog("info", fmt.Sprintf("Starting user application: %s", s.cfg.Command))
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting workload: %w", err)
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		s.streamLines(ctx, stdout, "app")
	}()
	go func() {
		defer streams.Done()
		s.streamLines(ctx, stderr, "app_err")
	}()

	// The streams must drain before Wait closes the pipes.
	exited := make(chan int, 1)
	go func() {
		streams.Wait()
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if err != nil && code < 0 {
			logger.Warnw("workload wait", "err", err)
		}
		exited <- code
	}()

	switch s.cfg.Type {
	case config.WorkloadService, config.WorkloadDaemon:
		return s.superviseService(ctx, cmd, exited)
	default:
		return s.superviseBatch(ctx, cmd, exited)
	}
}

// superviseBatch blocks until the child exits, reports its exit code once,
// and waits out the grace period so in-flight log lines can drain.
func (s *Supervisor) superviseBatch(ctx context.Context, cmd *exec.Cmd, exited <-chan int) error {
	select {
	case <-ctx.Done():
		s.terminate(cmd)
		<-exited
		return ctx.Err()
	case code := <-exited:
		s.reporter.SendLog("info", fmt.Sprintf("User application exited with code %d", code))
		s.report(protocol.StatusCompleted, &code)
		select {
		case <-ctx.Done():
		case <-time.After(s.cfg.GracePeriod):
		}
		return nil
	}
}

// superviseService polls the child on the heartbeat interval. Each poll where
// the child is still alive emits a running report; the first poll after exit
// emits a crashed report and stops. The poll interval doubles as the
// heartbeat interval.
func (s *Supervisor) superviseService(ctx context.Context, cmd *exec.Cmd, exited <-chan int) error {
	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.terminate(cmd)
			<-exited
			return ctx.Err()
		case code := <-exited:
			s.reporter.SendLog("error", fmt.Sprintf("Service process exited unexpectedly with code %d", code))
			s.report(protocol.StatusCrashed, &code)
			return nil
		case <-ticker.C:
			s.report(protocol.StatusRunning, nil)
		}
	}
}

// idle runs when no user command is configured: the proxy stays up for
// standalone use, waking only to observe shutdown.
func (s *Supervisor) idle(ctx context.Context) error {
	s.reporter.SendLog("warn", "No user command configured. Enclave proxy running in standalone mode.")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.IdleInterval):
		}
	}
}

func (s *Supervisor) report(status string, exitCode *int) {
	err := s.reporter.SendHealth(&protocol.HealthReport{
		Status:       status,
		ExitCode:     exitCode,
		WorkloadType: s.cfg.Type,
	})
	if err != nil {
		logger.Warnw("failed to send health report", "status", status, "err", err)
	}
}

// streamLines forwards each line of the reader to the log channel until the
// stream closes or shutdown is requested.
func (s *Supervisor) streamLines(ctx context.Context, r io.Reader, level string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		if line := scanner.Text(); line != "" {
			s.reporter.SendLog(level, line)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Debugw("workload stream closed", "level", level, "err", err)
	}
}

func (s *Supervisor) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Warnw("failed to signal workload", "err", err)
	}
}

// workloadEnv is the proxy-redirection environment injected into the child:
// outbound HTTP goes through the forward proxy, key management through the
// KMS proxy, and loopback traffic bypasses both.
func (s *Supervisor) workloadEnv() []string {
	httpProxy := "http://" + s.proxyCfg.HTTPListenAddr
	kmsEndpoint := "http://" + s.proxyCfg.KMSListenAddr
	return []string{
		"HTTP_PROXY=" + httpProxy,
		"HTTPS_PROXY=" + httpProxy,
		"http_proxy=" + httpProxy,
		"https_proxy=" + httpProxy,
		"TREZA_KMS_ENDPOINT=" + kmsEndpoint,
		"NO_PROXY=127.0.0.1,localhost",
		"no_proxy=127.0.0.1,localhost",
	}
}
