// Package config provides configuration loading for ecotone.
//
// Configuration is layered: compiled defaults, then an optional YAML file,
// then ECOTONE_-prefixed environment variables. See Load.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete ecotone configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Observability ObservabilityConfig `koanf:"observability"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	StoreA        StoreConfig         `koanf:"store_a"`
	StoreB        StoreConfig         `koanf:"store_b"`
	LLM           LLMConfig           `koanf:"llm"`
	Divergence    DivergenceConfig    `koanf:"divergence"`
	Gate          GateConfig          `koanf:"gate"`
	Invariant     InvariantConfig     `koanf:"invariant"`
	Patterns      PatternsConfig      `koanf:"patterns"`
	Audit         AuditConfig         `koanf:"audit"`
	NATS          NATSConfig          `koanf:"nats"`
	Secrets       SecretsConfig       `koanf:"secrets"`
}

// ServerConfig holds the substrate HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`

	// DataDir holds the chromem database served by `ecotone serve`.
	// Empty keeps it in memory.
	DataDir string `koanf:"data_dir"`

	// DefaultCollection answers requests that name no collection.
	DefaultCollection string `koanf:"default_collection"`
}

// ObservabilityConfig holds OpenTelemetry and log settings.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	Endpoint        string `koanf:"endpoint"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// EmbeddingsConfig selects and configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider is one of "fastembed", "tei" or "openai".
	Provider string        `koanf:"provider"`
	Model    string        `koanf:"model"`
	BaseURL  string        `koanf:"base_url"`
	APIKey   Secret        `koanf:"api_key"`
	CacheDir string        `koanf:"cache_dir"`
	Timeout  time.Duration `koanf:"timeout"`
}

// StoreConfig configures one memory store backend.
type StoreConfig struct {
	// Provider is one of "chromem", "qdrant", "rest" or "memory".
	Provider   string        `koanf:"provider"`
	Collection string        `koanf:"collection"`
	Path       string        `koanf:"path"`
	URL        string        `koanf:"url"`
	Host       string        `koanf:"host"`
	Port       int           `koanf:"port"`
	APIKey     Secret        `koanf:"api_key"`
	UseTLS     bool          `koanf:"use_tls"`
	VectorSize int           `koanf:"vector_size"`
	Timeout    time.Duration `koanf:"timeout"`
}

// LLMConfig configures the auxiliary (utility) language model.
type LLMConfig struct {
	BaseURL           string        `koanf:"base_url"`
	Model             string        `koanf:"model"`
	APIKey            Secret        `koanf:"api_key"`
	Timeout           time.Duration `koanf:"timeout"`
	RequestsPerMinute int           `koanf:"requests_per_minute"`
}

// DivergenceConfig tunes the divergence engine.
type DivergenceConfig struct {
	Threshold          float64       `koanf:"threshold"`
	CacheDistance      float64       `koanf:"cache_distance"`
	TopK               int           `koanf:"top_k"`
	HistoryTail        int           `koanf:"history_tail"`
	MinQueryLength     int           `koanf:"min_query_length"`
	SearchTimeout      time.Duration `koanf:"search_timeout"`
	NeighborsTimeout   time.Duration `koanf:"neighbors_timeout"`
	StoreAMinRelevance float64       `koanf:"store_a_min_relevance"`
}

// GateConfig tunes the integrity gate.
type GateConfig struct {
	MaxRetries        int           `koanf:"max_retries"`
	SmoothingFloor    float64       `koanf:"smoothing_floor"`
	MetaThreshold     float64       `koanf:"meta_threshold"`
	JournalDir        string        `koanf:"journal_dir"`
	AuditTimeout      time.Duration `koanf:"audit_timeout"`
	MinResponseLength int           `koanf:"min_response_length"`
}

// InvariantConfig tunes the epitaph store and its background recorder.
type InvariantConfig struct {
	MinWeight     float64       `koanf:"min_weight"`
	TopK          int           `koanf:"top_k"`
	BoostDelta    float64       `koanf:"boost_delta"`
	JournalPath   string        `koanf:"journal_path"`
	SyncStatePath string        `koanf:"sync_state_path"`
	Workers       int           `koanf:"workers"`
	DrainTimeout  time.Duration `koanf:"drain_timeout"`
	SnapshotSize  int           `koanf:"snapshot_size"`
}

// PatternsConfig points at the priors rule directory.
type PatternsConfig struct {
	Dir string `koanf:"dir"`
}

// AuditConfig configures the telemetry event sink.
type AuditConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
	// Subject, when set and NATS is enabled, also publishes each event.
	Subject string `koanf:"subject"`
}

// NATSConfig configures the optional NATS connection.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
}

// SecretsConfig controls redaction of agent text before it leaves the
// process (model audits) or is persisted (gate journal).
type SecretsConfig struct {
	Enabled bool `koanf:"enabled"`

	// AllowlistPath is a TOML file with [allowlist] regexes to never redact.
	AllowlistPath string `koanf:"allowlist_path"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:              "localhost",
			Port:              6334,
			ShutdownTimeout:   10 * time.Second,
			DataDir:           "~/.local/share/ecotone/substrate",
			DefaultCollection: "mogul_memory",
		},
		Observability: ObservabilityConfig{
			EnableTelemetry: false,
			ServiceName:     "ecotone",
			LogLevel:        "info",
			LogFormat:       "json",
		},
		Embeddings: EmbeddingsConfig{
			Provider: "fastembed",
			Model:    "BAAI/bge-small-en-v1.5",
			BaseURL:  "http://localhost:8080",
			Timeout:  30 * time.Second,
		},
		StoreA: StoreConfig{
			Provider:   "chromem",
			Collection: "episodic_memory",
			Path:       "~/.local/share/ecotone/episodic",
			VectorSize: 384,
			Timeout:    10 * time.Second,
		},
		StoreB: StoreConfig{
			Provider:   "rest",
			Collection: "mogul_memory",
			URL:        "http://localhost:6334",
			Host:       "localhost",
			Port:       6334,
			VectorSize: 384,
			Timeout:    10 * time.Second,
		},
		LLM: LLMConfig{
			BaseURL:           "http://localhost:11434/v1",
			Model:             "llama3.1",
			Timeout:           30 * time.Second,
			RequestsPerMinute: 30,
		},
		Divergence: DivergenceConfig{
			Threshold:          0.60,
			CacheDistance:      0.15,
			TopK:               5,
			HistoryTail:        2000,
			MinQueryLength:     10,
			SearchTimeout:      10 * time.Second,
			NeighborsTimeout:   5 * time.Second,
			StoreAMinRelevance: 0.5,
		},
		Gate: GateConfig{
			MaxRetries:        2,
			SmoothingFloor:    0.70,
			MetaThreshold:     0.80,
			JournalDir:        "~/.local/share/ecotone/audit/ecotone",
			AuditTimeout:      30 * time.Second,
			MinResponseLength: 50,
		},
		Invariant: InvariantConfig{
			MinWeight:     0.1,
			TopK:          5,
			BoostDelta:    0.05,
			JournalPath:   "~/.local/share/ecotone/epitaph_database.jsonl",
			SyncStatePath: "~/.local/share/ecotone/epitaph_journal_sync_state.json",
			Workers:       2,
			DrainTimeout:  30 * time.Second,
			SnapshotSize:  200,
		},
		Patterns: PatternsConfig{
			Dir: "~/.local/share/ecotone/priors",
		},
		Audit: AuditConfig{
			Enabled: true,
			Dir:     "~/.local/share/ecotone/audit/chorus",
			Subject: "ecotone.events",
		},
		NATS: NATSConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		Secrets: SecretsConfig{
			Enabled:       true,
			AllowlistPath: "~/.config/ecotone/allowlist.toml",
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}
	switch c.Embeddings.Provider {
	case "fastembed", "tei", "openai":
	default:
		return fmt.Errorf("unsupported embeddings provider: %q", c.Embeddings.Provider)
	}
	if err := c.StoreA.validate("store_a"); err != nil {
		return err
	}
	if err := c.StoreB.validate("store_b"); err != nil {
		return err
	}
	if c.Divergence.Threshold < 0 || c.Divergence.Threshold > 1 {
		return fmt.Errorf("divergence threshold must be in [0,1], got %v", c.Divergence.Threshold)
	}
	if c.Divergence.CacheDistance < 0 || c.Divergence.CacheDistance > 2 {
		return fmt.Errorf("divergence cache distance must be in [0,2], got %v", c.Divergence.CacheDistance)
	}
	if c.Divergence.TopK <= 0 {
		return errors.New("divergence top_k must be positive")
	}
	if c.Gate.MaxRetries < 0 {
		return errors.New("gate max_retries cannot be negative")
	}
	if c.Gate.MetaThreshold <= 0 || c.Gate.MetaThreshold > 1 {
		return fmt.Errorf("gate meta threshold must be in (0,1], got %v", c.Gate.MetaThreshold)
	}
	if c.Invariant.MinWeight < 0 || c.Invariant.MinWeight > 1 {
		return fmt.Errorf("invariant min_weight must be in [0,1], got %v", c.Invariant.MinWeight)
	}
	if c.Invariant.BoostDelta < 0 || c.Invariant.BoostDelta > 1 {
		return fmt.Errorf("invariant boost_delta must be in [0,1], got %v", c.Invariant.BoostDelta)
	}
	if c.Invariant.Workers <= 0 {
		return errors.New("invariant workers must be positive")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return errors.New("nats url required when nats is enabled")
	}
	return nil
}

func (s StoreConfig) validate(section string) error {
	switch s.Provider {
	case "chromem", "memory":
	case "qdrant":
		if s.Host == "" {
			return fmt.Errorf("%s: host required for qdrant", section)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("%s: invalid qdrant port %d", section, s.Port)
		}
	case "rest":
		if s.URL == "" {
			return fmt.Errorf("%s: url required for rest store", section)
		}
	default:
		return fmt.Errorf("%s: unsupported provider %q", section, s.Provider)
	}
	if s.Collection == "" {
		return fmt.Errorf("%s: collection required", section)
	}
	return nil
}
