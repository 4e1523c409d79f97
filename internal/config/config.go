// Package config loads the cidscope server configuration from an optional
// YAML file and CIDSCOPE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tinoosan/cidscope/internal/logging"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
)

var (
	ErrAddr    = errors.New("listen address is required")
	ErrHeader  = errors.New("correlation header name is required")
	ErrBackend = errors.New("journal backend must be memory or postgres")
)

type JournalConfig struct {
	Backend string `yaml:"backend"`
	// DSN overrides the POSTGRES_* variables for the postgres backend.
	DSN    string `yaml:"dsn"`
	Buffer int    `yaml:"buffer"`
	// Token, when set, is required as a bearer token to read the journal.
	Token string `yaml:"token"`
}

type OutboundConfig struct {
	RetryMax     int           `yaml:"retry_max"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max"`
	Timeout      time.Duration `yaml:"timeout"`
}

type Config struct {
	Addr string `yaml:"addr"`
	// GRPCAddr is the listen address of the gRPC health service that
	// /v1/ping calls. Empty disables both.
	GRPCAddr string `yaml:"grpc_addr"`
	Header   string `yaml:"header"`
	// AdmitPrefixes limits correlation handling to paths with one of these
	// prefixes. Empty admits every path.
	AdmitPrefixes   []string       `yaml:"admit_prefixes"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout"`
	Log             logging.Config `yaml:"log"`
	Journal         JournalConfig  `yaml:"journal"`
	Outbound        OutboundConfig `yaml:"outbound"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Addr:            ":9090",
		GRPCAddr:        ":9091",
		Header:          "X-Correlation-ID",
		ShutdownTimeout: 30 * time.Second,
		Log:             logging.Config{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 3, MaxAgeDays: 28},
		Journal:         JournalConfig{Backend: BackendMemory, Buffer: 256},
		Outbound: OutboundConfig{
			RetryMax:     2,
			RetryWaitMin: 100 * time.Millisecond,
			RetryWaitMax: time.Second,
			Timeout:      10 * time.Second,
		},
	}
}

// Load reads path, if not empty, over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Addr = getenv("CIDSCOPE_ADDR", c.Addr)
	c.GRPCAddr = getenv("CIDSCOPE_GRPC_ADDR", c.GRPCAddr)
	c.Header = getenv("CIDSCOPE_HEADER", c.Header)
	if v := os.Getenv("CIDSCOPE_ADMIT_PREFIXES"); v != "" {
		c.AdmitPrefixes = splitList(v)
	}
	c.Log.Level = getenv("CIDSCOPE_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getenv("CIDSCOPE_LOG_FORMAT", c.Log.Format)
	c.Log.File = getenv("CIDSCOPE_LOG_FILE", c.Log.File)
	c.Journal.Backend = getenv("CIDSCOPE_JOURNAL_BACKEND", c.Journal.Backend)
	c.Journal.DSN = getenv("CIDSCOPE_JOURNAL_DSN", c.Journal.DSN)
	c.Journal.Token = getenv("CIDSCOPE_API_TOKEN", c.Journal.Token)

	var err error
	if c.Journal.Buffer, err = getenvInt("CIDSCOPE_JOURNAL_BUFFER", c.Journal.Buffer); err != nil {
		return err
	}
	if c.Outbound.RetryMax, err = getenvInt("CIDSCOPE_OUTBOUND_RETRY_MAX", c.Outbound.RetryMax); err != nil {
		return err
	}
	if c.Outbound.Timeout, err = getenvDuration("CIDSCOPE_OUTBOUND_TIMEOUT", c.Outbound.Timeout); err != nil {
		return err
	}
	if c.ShutdownTimeout, err = getenvDuration("CIDSCOPE_SHUTDOWN_TIMEOUT", c.ShutdownTimeout); err != nil {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return ErrAddr
	}
	if strings.TrimSpace(c.Header) == "" {
		return ErrHeader
	}
	switch c.Journal.Backend {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("%w: %q", ErrBackend, c.Journal.Backend)
	}
	if c.Outbound.RetryMax < 0 {
		return fmt.Errorf("outbound retry_max must not be negative: %d", c.Outbound.RetryMax)
	}
	return nil
}

// Admit reports whether correlation handling applies to path.
func (c *Config) Admit(path string) bool {
	if len(c.AdmitPrefixes) == 0 {
		return true
	}
	for _, p := range c.AdmitPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}

func getenvDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
