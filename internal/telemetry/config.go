// Package telemetry wires OpenTelemetry trace and metric providers for ecotone.
package telemetry

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ecotone/internal/config"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool            `koanf:"enabled"`
	Endpoint       string          `koanf:"endpoint"`
	Protocol       string          `koanf:"protocol"` // "grpc" (default) or "http/protobuf"
	ServiceName    string          `koanf:"service_name"`
	ServiceVersion string          `koanf:"service_version"`
	Insecure       bool            `koanf:"insecure"`
	SampleRate     float64         `koanf:"sample_rate"`
	ExportInterval config.Duration `koanf:"export_interval"`
	ShutdownAfter  config.Duration `koanf:"shutdown_timeout"`
}

// NewDefaultConfig returns telemetry defaults. Disabled until an OTLP
// collector is configured.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:        false,
		Endpoint:       "localhost:4317",
		Protocol:       "grpc",
		ServiceName:    "ecotone",
		ServiceVersion: "0.1.0",
		Insecure:       true,
		SampleRate:     1.0,
		ExportInterval: config.Duration(15 * time.Second),
		ShutdownAfter:  config.Duration(5 * time.Second),
	}
}

// FromObservability derives a telemetry config from the top-level
// observability section.
func FromObservability(obs config.ObservabilityConfig) *Config {
	cfg := NewDefaultConfig()
	cfg.Enabled = obs.EnableTelemetry
	if obs.ServiceName != "" {
		cfg.ServiceName = obs.ServiceName
	}
	if obs.Endpoint != "" {
		cfg.Endpoint = obs.Endpoint
		if strings.HasPrefix(obs.Endpoint, "http://") || strings.HasPrefix(obs.Endpoint, "https://") {
			cfg.Protocol = "http/protobuf"
		}
		cfg.Insecure = !strings.HasPrefix(obs.Endpoint, "https://") && isLocal(obs.Endpoint)
	}
	return cfg
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required when telemetry is enabled")
	}
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required when telemetry is enabled")
	}
	if c.Protocol != "grpc" && c.Protocol != "http/protobuf" {
		return fmt.Errorf("protocol must be grpc or http/protobuf, got %q", c.Protocol)
	}
	if c.Insecure && !isLocal(c.Endpoint) {
		return fmt.Errorf("insecure connections to remote endpoints are not allowed")
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		return fmt.Errorf("sample_rate must be between 0 and 1, got %f", c.SampleRate)
	}
	if c.ExportInterval.Duration() <= 0 {
		return fmt.Errorf("export_interval must be positive")
	}
	if c.ShutdownAfter.Duration() <= 0 {
		return fmt.Errorf("shutdown_timeout must be positive")
	}
	return nil
}

func isLocal(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}

// stripScheme removes http:// or https:// from an endpoint URL.
// The OTLP HTTP exporters expect host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
