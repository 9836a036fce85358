package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping.
	EnvPrefix = "ECOTONE_"
)

// sections lists the top-level config keys, used to split env var names.
// Multi-word sections (store_a, store_b) must be matched before their prefix.
var sections = []string{
	"server", "observability", "embeddings", "store_a", "store_b", "llm",
	"divergence", "gate", "invariant", "patterns", "audit", "nats", "secrets",
}

// Load loads configuration from an optional YAML file, then overrides with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (ECOTONE_STORE_B_URL, ECOTONE_GATE_MAX_RETRIES, ...)
//  2. YAML config file
//  3. Compiled defaults (Default)
//
// An empty configPath, or a path that does not exist, skips the file layer.
//
// # Environment Variable Mapping
//
//	ECOTONE_SERVER_PORT        -> server.port
//	ECOTONE_STORE_B_COLLECTION -> store_b.collection
//	ECOTONE_GATE_MAX_RETRIES   -> gate.max_retries
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath != "" {
		content, err := readConfigFile(ExpandPath(configPath))
		if err != nil {
			return nil, err
		}
		if content != nil {
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
			}
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envKey maps ECOTONE_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))

	ordered := make([]string, len(sections))
	copy(ordered, sections)
	sort.Slice(ordered, func(i, j int) bool { return len(ordered[i]) > len(ordered[j]) })

	for _, section := range ordered {
		if strings.HasPrefix(lower, section+"_") {
			return section + "." + strings.TrimPrefix(lower, section+"_")
		}
	}
	return lower
}

// readConfigFile returns nil content when the file does not exist.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	// Validate using the already-opened descriptor to avoid a TOCTOU race.
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

// validateConfigFileProperties rejects oversized and world-writable files.
func validateConfigFileProperties(info os.FileInfo) error {
	if info.IsDir() {
		return fmt.Errorf("config path is a directory")
	}
	if runtime.GOOS != "windows" {
		if perm := info.Mode().Perm(); perm&0o002 != 0 {
			return fmt.Errorf("insecure config file permissions: %v (world-writable)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
