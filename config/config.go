// Copyright 2025 Treza, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config holds configuration for both tunnel endpoints. Both binaries
// read the same YAML shape; the enclave proxy only consults the Tunnel, Proxy
// and Workload sections, the host bridge only the Bridge section.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/trezahq/enclave-bridge/util"
)

// Environment variables forming the contract with the orchestration layer and
// the user workload. They override file-level defaults but not explicit YAML.
const (
	EnvEnclaveID      = "ENCLAVE_ID"
	EnvUserCmd        = "TREZA_USER_CMD"
	EnvUserEntrypoint = "TREZA_USER_ENTRYPOINT"
	EnvUserCmdArgs    = "TREZA_USER_CMD_ARGS"
	EnvWorkloadType   = "TREZA_WORKLOAD_TYPE"
	EnvHealthInterval = "TREZA_HEALTH_INTERVAL"
)

type Config struct {
	// See zap.Config
	Log *zap.Config `yaml:"log"`
	// Identifier reported in the tunnel handshake and used for log routing
	EnclaveID string `yaml:"enclaveId"`
	// Enclave side: connection to the host bridge
	Tunnel TunnelConfig `yaml:"tunnel"`
	// Enclave side: local service frontends
	Proxy ProxyConfig `yaml:"proxy"`
	// Enclave side: supervised user workload
	Workload WorkloadConfig `yaml:"workload"`
	// Host side: tunnel server and privileged actions
	Bridge BridgeConfig `yaml:"bridge"`
	// Address to reach a datadog compatible statsd
	DatadogAgentHost string `yaml:"datadogAgentHost"`
}

// TunnelConfig describes the single connection from the enclave to the host.
// Exactly one of HostCID and Addr must be set: HostCID selects AF_VSOCK,
// Addr (host:port) selects TCP for local development and tests.
type TunnelConfig struct {
	Port         uint32        `yaml:"port"`
	HostCID      uint32        `yaml:"hostCID"`
	Addr         string        `yaml:"addr"`
	MaxAttempts  int           `yaml:"maxAttempts"`
	AttemptDelay time.Duration `yaml:"attemptDelay"`
	WarmupDelay  time.Duration `yaml:"warmupDelay"`
}

type ProxyConfig struct {
	// Loopback listen addresses for the three frontends
	HTTPListenAddr   string `yaml:"httpListenAddr"`
	KMSListenAddr    string `yaml:"kmsListenAddr"`
	HealthListenAddr string `yaml:"healthListenAddr"`
	// How long a tunneled request may wait for the bridge's reply
	HTTPRequestTimeout time.Duration `yaml:"httpRequestTimeout"`
	KMSRequestTimeout  time.Duration `yaml:"kmsRequestTimeout"`
}

// Workload types accepted by WorkloadConfig.Type.
const (
	WorkloadBatch   = "batch"
	WorkloadService = "service"
	WorkloadDaemon  = "daemon"
)

type WorkloadConfig struct {
	// Shell command to run, empty for standalone mode
	Command string `yaml:"command"`
	// batch, service or daemon
	Type string `yaml:"type"`
	// Heartbeat/poll interval for service workloads
	HealthInterval time.Duration `yaml:"healthInterval"`
	// How long a completed batch's logs get to drain before shutdown
	GracePeriod time.Duration `yaml:"gracePeriod"`
	// Wake interval of the standalone idle loop
	IdleInterval time.Duration `yaml:"idleInterval"`
}

type BridgeConfig struct {
	// Vsock port the tunnel server listens on
	ListenPort uint32 `yaml:"listenPort"`
	// If set, listen on TCP instead (local development and tests)
	ListenAddr string `yaml:"listenAddr"`
	// Address for the http control server (liveness, pprof)
	ControlListenAddr string `yaml:"controlListenAddr"`
	// Outbound timeout for forwarded HTTP requests. Must stay below the
	// enclave's HTTPRequestTimeout so the enclave frontend times out first.
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	// Timeout for the external measurement tool
	PCRTimeout time.Duration `yaml:"pcrTimeout"`
	// Path to the measurement tool
	NitroCLIPath string `yaml:"nitroCLIPath"`
	AWSRegion    string `yaml:"awsRegion"`
	// CloudWatch log group prefix; the enclave id is appended
	LogGroupPrefix string `yaml:"logGroupPrefix"`
	// Disables the CloudWatch sink, keeping console-only logging
	DisableCloudWatch bool `yaml:"disableCloudWatch"`
}

// validate returns a list of validation errors, or empty if there are no errors.
type validator interface{ validate() []string }

func (c *TunnelConfig) validate() []string {
	var errs []string
	if (c.HostCID == 0) == (c.Addr == "") {
		errs = append(errs, "tunnel: exactly one of hostCID and addr must be set")
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, "tunnel: maxAttempts must be at least 1")
	}
	return errs
}

func (c *ProxyConfig) validate() []string {
	var errs []string
	if c.HTTPRequestTimeout <= 0 || c.KMSRequestTimeout <= 0 {
		errs = append(errs, "proxy: request timeouts must be positive")
	}
	return errs
}

func (c *WorkloadConfig) validate() []string {
	var errs []string
	switch c.Type {
	case WorkloadBatch, WorkloadService, WorkloadDaemon:
	default:
		errs = append(errs, fmt.Sprintf("workload: unknown type %q", c.Type))
	}
	c.HealthInterval = util.Clamp(c.HealthInterval, time.Second, time.Hour)
	return errs
}

func (c *BridgeConfig) validate() []string {
	var errs []string
	if c.ListenPort == 0 && c.ListenAddr == "" {
		errs = append(errs, "bridge: one of listenPort and listenAddr must be set")
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, "bridge: httpTimeout must be positive")
	}
	return errs
}

func (c *Config) validate() error {
	validators := []validator{&c.Tunnel, &c.Proxy, &c.Workload, &c.Bridge}
	var errs []string
	for _, validator := range validators {
		errs = append(errs, validator.validate()...)
	}
	if len(errs) != 0 {
		return fmt.Errorf("invalid config: %v", strings.Join(errs, ","))
	}
	return nil
}

// Read parses the yaml file at the provided path into a Config
func Read(path string) (*Config, error) {
	bs, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	withenv := []byte(os.ExpandEnv(string(bs)))
	c, err := unmarshal(withenv)
	if err != nil {
		return nil, err
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func unmarshal(bs []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(bs, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default provides reasonable default parameters that may be overridden by a
// config file. Workload and identity defaults come from the environment, the
// contract the orchestration layer uses when no config file is shipped.
func Default() *Config {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(zap.DebugLevel),
		Development:       true,
		Encoding:          "console",
		EncoderConfig:     encoderConfig,
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: true,
	}

	return &Config{
		Log:       &logConfig,
		EnclaveID: envOr(EnvEnclaveID, "unknown"),
		Tunnel: TunnelConfig{
			Port:         5000,
			HostCID:      3, // well-known CID of the parent instance
			MaxAttempts:  30,
			AttemptDelay: time.Second * 10,
			WarmupDelay:  time.Second * 5,
		},
		Proxy: ProxyConfig{
			HTTPListenAddr:     "127.0.0.1:3128",
			KMSListenAddr:      "127.0.0.1:8000",
			HealthListenAddr:   "127.0.0.1:8888",
			HTTPRequestTimeout: time.Second * 60,
			KMSRequestTimeout:  time.Second * 30,
		},
		Workload: WorkloadConfig{
			Command:        commandFromEnv(),
			Type:           envOr(EnvWorkloadType, WorkloadBatch),
			HealthInterval: durationFromEnv(EnvHealthInterval, time.Second*30),
			GracePeriod:    time.Second * 5,
			IdleInterval:   time.Second * 30,
		},
		Bridge: BridgeConfig{
			ListenPort:        5000,
			ControlListenAddr: "127.0.0.1:8081",
			HTTPTimeout:       time.Second * 55,
			PCRTimeout:        time.Second * 30,
			NitroCLIPath:      "/usr/bin/nitro-cli",
			AWSRegion:         envOr("AWS_DEFAULT_REGION", "us-west-2"),
			LogGroupPrefix:    "/aws/ec2/enclave",
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationFromEnv(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// The orchestration layer sets plain seconds; accept Go durations too.
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	var secs int
	if _, err := fmt.Sscanf(v, "%d", &secs); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return fallback
}

func commandFromEnv() string {
	if cmd := os.Getenv(EnvUserCmd); cmd != "" {
		return cmd
	}
	entrypoint := os.Getenv(EnvUserEntrypoint)
	if entrypoint == "" {
		return ""
	}
	if args := os.Getenv(EnvUserCmdArgs); args != "" {
		return entrypoint + " " + args
	}
	return entrypoint
}
