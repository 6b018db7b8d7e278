// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package config loads the p11pki YAML configuration and applies
// P11PKI_* environment overrides on top of it.
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jeremyhahn/go-p11pki/pkg/logging"
	"github.com/jeremyhahn/go-p11pki/pkg/openssl"
	"github.com/jeremyhahn/go-p11pki/pkg/pki"
	"github.com/jeremyhahn/go-p11pki/pkg/ratelimit"
	"github.com/jeremyhahn/go-p11pki/pkg/records"
	"github.com/jeremyhahn/go-p11pki/pkg/storage/file"
	"github.com/jeremyhahn/go-p11pki/pkg/token"
	"github.com/jeremyhahn/go-p11pki/pkg/toolchain"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "P11PKI_"

// Defaults.
const (
	DefaultStoreDir       = "./p11pki-data"
	DefaultListen         = "127.0.0.1:8443"
	DefaultMaxUploadBytes = 32 << 20
	DefaultMetricsPath    = "/metrics"
)

// Config is the complete configuration shared by the CLI and the server.
type Config struct {
	OpenSSL   openssl.Config  `yaml:"openssl"`
	Token     TokenConfig     `yaml:"token"`
	Issuance  IssuanceConfig  `yaml:"issuance"`
	Toolchain ToolchainConfig `yaml:"toolchain"`
	Store     StoreConfig     `yaml:"store"`
	Logging   LoggingConfig   `yaml:"logging"`
	Server    ServerConfig    `yaml:"server"`
	TLS       TLSConfig       `yaml:"tls"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// TokenConfig selects the token driver and the labels tried for keys.
type TokenConfig struct {
	token.Config `yaml:",inline"`

	// Labels are tried after a request's own label and before the
	// built-in SmartCard-HSM labels.
	Labels []string `yaml:"labels"`

	// Slot is the default slot for CLI requests.
	Slot int `yaml:"slot"`
}

// IssuanceConfig controls certificate issuance.
type IssuanceConfig struct {
	// StrictMetadata fails issuance when the signed certificate cannot be
	// parsed instead of recording a generated serial.
	StrictMetadata bool `yaml:"strict_metadata"`

	// ImportToToken writes issued certificates back onto the token.
	ImportToToken bool `yaml:"import_to_token"`

	// ValidityDays is the CLI default validity.
	ValidityDays int `yaml:"validity_days"`
}

// ToolchainConfig bounds subprocess execution.
type ToolchainConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// WorkDir is the parent of per-request scratch directories.
	WorkDir string `yaml:"work_dir"`
}

// StoreConfig locates the record store.
type StoreConfig struct {
	Dir string `yaml:"dir"`

	// RepairCorrupt starts with empty documents, keeping a backup, when a
	// document cannot be parsed.
	RepairCorrupt bool `yaml:"repair_corrupt"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig controls the REST server.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// RateLimitConfig controls per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_min"`
	Burst             int  `yaml:"burst"`
	TrustProxyHeaders bool `yaml:"trust_proxy_headers"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	c.OpenSSL.SetDefaults()
	c.Token.SetDefaults()
	if c.Toolchain.Timeout <= 0 {
		c.Toolchain.Timeout = toolchain.DefaultTimeout
	}
	if c.Issuance.ValidityDays <= 0 {
		c.Issuance.ValidityDays = 365
	}
	if c.Store.Dir == "" {
		c.Store.Dir = DefaultStoreDir
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.ReadTimeout <= 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout <= 0 {
		c.Server.WriteTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Server.MaxUploadBytes <= 0 {
		c.Server.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = 120
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.Metrics.Interval <= 0 {
		c.Metrics.Interval = 30 * time.Second
	}
}

// Load reads path (skipped when empty), applies environment overrides
// and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{Metrics: MetricsConfig{Enabled: true}}
	if path != "" {
		// #nosec G304 - config file path is provided by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(name string, dst *string) {
		if v := os.Getenv(EnvPrefix + name); v != "" {
			*dst = v
		}
	}
	boolean := func(name string, dst *bool) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			log.Printf("Warning: invalid %s%s value %q, keeping %t: %v", EnvPrefix, name, v, *dst, err)
			return
		}
		*dst = b
	}
	duration := func(name string, dst *time.Duration) {
		v := os.Getenv(EnvPrefix + name)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Printf("Warning: invalid %s%s value %q, keeping %s", EnvPrefix, name, v, *dst)
			return
		}
		*dst = d
	}

	str("OPENSSL", &cfg.OpenSSL.Binary)
	str("PKCS11_MODULE", &cfg.OpenSSL.ModulePath)
	str("PROVIDER_DIR", &cfg.OpenSSL.ProviderDir)
	str("ENGINE_PATH", &cfg.OpenSSL.EnginePath)
	boolean("FORCE_ENGINE", &cfg.OpenSSL.ForceEngine)

	str("PKCS11_TOOL", &cfg.Token.Binary)
	str("TOKEN_DRIVER", &cfg.Token.Driver)
	if v := os.Getenv(EnvPrefix + "TOKEN_LABELS"); v != "" {
		cfg.Token.Labels = splitList(v)
	}
	if v := os.Getenv(EnvPrefix + "SLOT"); v != "" {
		slot, err := strconv.Atoi(v)
		if err != nil || slot < 0 {
			log.Printf("Warning: invalid %sSLOT value %q, keeping %d", EnvPrefix, v, cfg.Token.Slot)
		} else {
			cfg.Token.Slot = slot
		}
	}

	boolean("STRICT_METADATA", &cfg.Issuance.StrictMetadata)
	boolean("IMPORT_TO_TOKEN", &cfg.Issuance.ImportToToken)
	duration("TIMEOUT", &cfg.Toolchain.Timeout)
	str("WORK_DIR", &cfg.Toolchain.WorkDir)

	str("STORE_DIR", &cfg.Store.Dir)
	boolean("REPAIR_CORRUPT", &cfg.Store.RepairCorrupt)

	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)

	str("LISTEN", &cfg.Server.Listen)
	str("TLS_CERT_FILE", &cfg.TLS.CertFile)
	str("TLS_KEY_FILE", &cfg.TLS.KeyFile)
	boolean("RATELIMIT_ENABLED", &cfg.RateLimit.Enabled)
	boolean("METRICS_ENABLED", &cfg.Metrics.Enabled)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration for values that can never work.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	switch strings.ToLower(c.Token.Driver) {
	case token.DriverTool, token.DriverNative:
	default:
		return fmt.Errorf("invalid token driver: %s (must be tool or native)", c.Token.Driver)
	}
	if c.Token.Slot < 0 {
		return fmt.Errorf("invalid token slot: %d", c.Token.Slot)
	}
	if strings.TrimSpace(c.Store.Dir) == "" {
		return fmt.Errorf("store dir must be specified")
	}
	if c.TLS.Enabled() && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return fmt.Errorf("tls cert_file and key_file must be set together")
	}
	if c.RateLimit.Enabled && c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("ratelimit requests_per_min must be positive")
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %s", c.Metrics.Path)
	}
	return c.OpenSSL.Validate()
}

// Logger builds the logger described by the logging section.
func (c *Config) Logger(out io.Writer) *logging.Logger {
	return logging.NewLoggerWithConfig(logging.Config{
		Level:  c.Logging.Level,
		Format: c.Logging.Format,
		Output: out,
	})
}

// OpenStore opens the file backed record store under Store.Dir.
func (c *Config) OpenStore(logger *logging.Logger) (*records.Store, error) {
	backend, err := file.New(c.Store.Dir)
	if err != nil {
		return nil, err
	}
	return records.New(backend, &records.Options{
		RepairCorrupt: c.Store.RepairCorrupt,
		Logger:        logger,
	})
}

// ServiceOptions maps the configuration onto pki.Options.
func (c *Config) ServiceOptions(logger *logging.Logger) *pki.Options {
	ossl := c.OpenSSL
	tok := c.Token.Config
	return &pki.Options{
		OpenSSL:        &ossl,
		Token:          &tok,
		TokenLabels:    append([]string(nil), c.Token.Labels...),
		WorkDir:        c.Toolchain.WorkDir,
		StrictMetadata: c.Issuance.StrictMetadata,
		ImportToToken:  c.Issuance.ImportToToken,
		Timeout:        c.Toolchain.Timeout,
		Logger:         logger,
	}
}

// RateLimiter builds the REST rate limiter.
func (c *Config) RateLimiter() *ratelimit.Limiter {
	return ratelimit.New(&ratelimit.Config{
		Enabled:           c.RateLimit.Enabled,
		RequestsPerMinute: c.RateLimit.RequestsPerMinute,
		Burst:             c.RateLimit.Burst,
		TrustProxyHeaders: c.RateLimit.TrustProxyHeaders,
	})
}
