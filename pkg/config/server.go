package config

import (
	"fmt"
	"time"
)

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// CORSOrigins lists allowed origins; empty allows all (dev mode).
	CORSOrigins []string `yaml:"cors_origins"`

	// DevTenantHeader names the header carrying the organization id
	// when auth is disabled. Ignored whenever auth is enabled.
	DevTenantHeader string `yaml:"dev_tenant_header"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 120 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 15 * time.Second
	}
	if c.DevTenantHeader == "" {
		c.DevTenantHeader = "X-Sibyl-Org"
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Address returns host:port for net.Listen.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig configures JWT validation. When disabled, requests carry
// tenancy via the dev header instead.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// JWKSURL serves the signing keys; refreshed in the background.
	JWKSURL  string `yaml:"jwks_url"`
	Issuer   string `yaml:"issuer"`
	Audience string `yaml:"audience"`

	// OrgClaim and ProjectRolesClaim name the custom claims carrying
	// tenancy. The subject claim is standard.
	OrgClaim          string `yaml:"org_claim"`
	ProjectRolesClaim string `yaml:"project_roles_claim"`

	// RefreshInterval floors JWKS cache refreshes.
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

func (c *AuthConfig) SetDefaults() {
	if c.OrgClaim == "" {
		c.OrgClaim = "org_id"
	}
	if c.ProjectRolesClaim == "" {
		c.ProjectRolesClaim = "project_roles"
	}
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
}

func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" {
		return fmt.Errorf("auth jwks_url is required when auth is enabled")
	}
	if c.Issuer == "" {
		return fmt.Errorf("auth issuer is required when auth is enabled")
	}
	return nil
}

// LoggingConfig configures the process-wide logger.
type LoggingConfig struct {
	// Level: debug, info, warn, error.
	Level string `yaml:"level"`

	// Format: simple, verbose, or json.
	Format string `yaml:"format"`

	// File redirects output there instead of stderr.
	File string `yaml:"file"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "simple"
	}
}

func (c *LoggingConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level: %s", c.Level)
	}
	switch c.Format {
	case "simple", "verbose", "json":
	default:
		return fmt.Errorf("unknown log format: %s (use simple, verbose, or json)", c.Format)
	}
	return nil
}

// ObservabilityConfig configures metrics and tracing.
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
	TracesEnabled  bool `yaml:"traces_enabled"`

	// OTLPEndpoint receives trace export over gRPC.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// TraceExporter: otlp or stdout (debugging).
	TraceExporter string  `yaml:"trace_exporter"`
	ServiceName   string  `yaml:"service_name"`
	SampleRate    float64 `yaml:"sample_rate"`
}

func (c *ObservabilityConfig) SetDefaults() {
	if c.OTLPEndpoint == "" {
		c.OTLPEndpoint = "localhost:4317"
	}
	if c.TraceExporter == "" {
		c.TraceExporter = "otlp"
	}
	if c.ServiceName == "" {
		c.ServiceName = "sibyl"
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
}

func (c *ObservabilityConfig) Validate() error {
	switch c.TraceExporter {
	case "otlp", "stdout":
	default:
		return fmt.Errorf("unknown trace exporter: %s (use otlp or stdout)", c.TraceExporter)
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("observability sample_rate must be in [0,1], got %v", c.SampleRate)
	}
	return nil
}

// AutoLinkConfig tunes relationship suggestion after knowledge writes.
type AutoLinkConfig struct {
	Enabled   *bool   `yaml:"enabled"`
	Threshold float64 `yaml:"threshold"`
	Limit     int     `yaml:"limit"`
}

func (c *AutoLinkConfig) SetDefaults() {
	if c.Enabled == nil {
		t := true
		c.Enabled = &t
	}
	if c.Threshold == 0 {
		c.Threshold = 0.75
	}
	if c.Limit == 0 {
		c.Limit = 5
	}
}

func (c *AutoLinkConfig) Validate() error {
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("auto_link threshold must be in [0,1], got %v", c.Threshold)
	}
	if c.Limit < 0 {
		return fmt.Errorf("auto_link limit cannot be negative")
	}
	return nil
}

// IsEnabled reports whether auto-linking runs after writes.
func (c *AutoLinkConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// ToolsConfig configures the tool dispatch surface.
type ToolsConfig struct {
	// MaxTitleLen and MaxContentLen bound write payloads.
	MaxTitleLen   int `yaml:"max_title_len"`
	MaxContentLen int `yaml:"max_content_len"`

	AutoLink AutoLinkConfig `yaml:"auto_link"`

	// SyncCreate makes entity writes synchronous instead of enqueued.
	SyncCreate bool `yaml:"sync_create"`
}

func (c *ToolsConfig) SetDefaults() {
	if c.MaxTitleLen == 0 {
		c.MaxTitleLen = 200
	}
	if c.MaxContentLen == 0 {
		c.MaxContentLen = 50000
	}
	c.AutoLink.SetDefaults()
}

func (c *ToolsConfig) Validate() error {
	if c.MaxTitleLen <= 0 {
		return fmt.Errorf("tools max_title_len must be positive")
	}
	if c.MaxContentLen <= 0 {
		return fmt.Errorf("tools max_content_len must be positive")
	}
	return c.AutoLink.Validate()
}
