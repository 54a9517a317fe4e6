package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	// StoreFile overrides the store location. Empty means <baseDir>/annotations.json.
	StoreFile string `json:"store_file,omitempty" env:"LOTL_STORE_FILE"`

	// FlushDelayMS is the debounce quiet period before a write, in milliseconds.
	FlushDelayMS int `json:"flush_delay_ms,omitempty" env:"LOTL_FLUSH_DELAY_MS"`

	// InferenceURL is the base URL of the keypoint inference service.
	InferenceURL string `json:"inference_url,omitempty" env:"LOTL_INFERENCE_URL"`

	// InferenceBatchSize is the number of image paths sent per request.
	InferenceBatchSize int `json:"inference_batch_size,omitempty" env:"LOTL_INFERENCE_BATCH_SIZE"`

	// InferenceConcurrency caps in-flight inference requests.
	InferenceConcurrency int `json:"inference_concurrency,omitempty" env:"LOTL_INFERENCE_CONCURRENCY"`

	// AllowedPaths is an allowlist of directories for import/export operations.
	// Paths outside ~/.lotl/exports require either being in this list or AllowUnsafePaths=true.
	// Paths should be absolute (relative paths are ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty" env:"LOTL_ALLOWED_PATHS" envSeparator:","`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty" env:"LOTL_ALLOW_UNSAFE_PATHS"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty" env:"LOTL_DISABLED_TOOLS" envSeparator:","`

	// DisabledTypes is a list of type names to disable entirely.
	// Known types: "record", "store", "inference".
	DisabledTypes []string `json:"disabled_types,omitempty" env:"LOTL_DISABLED_TYPES" envSeparator:","`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		FlushDelayMS:         500,
		InferenceURL:         "http://localhost:8001",
		InferenceBatchSize:   16,
		InferenceConcurrency: 4,
	}
}

// FlushDelay returns FlushDelayMS as a duration.
func (c *Config) FlushDelay() time.Duration {
	return time.Duration(c.FlushDelayMS) * time.Millisecond
}

// StorePath resolves the store file, relative to baseDir unless StoreFile is absolute.
func (c *Config) StorePath(baseDir string) string {
	if c.StoreFile == "" {
		return filepath.Join(baseDir, "annotations.json")
	}
	if filepath.IsAbs(c.StoreFile) {
		return c.StoreFile
	}
	return filepath.Join(baseDir, c.StoreFile)
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.lotl.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from the global (~/.lotl) and repo (.lotl)
// directories, then applies LOTL_* environment variables.
// Precedence for scalars: env, then repo, then global, then defaults.
// Arrays are merged (deduplicated). Any source may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	// Walk upward from startDir to find repo config
	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	fromEnv, err := FromEnv()
	if err != nil {
		return nil, err
	}

	return Merge(Merge(Merge(DefaultConfig(), global), repo), fromEnv), nil
}

// FindRepoConfig walks upward from startDir to find the nearest .lotl/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".lotl", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// FromEnv reads LOTL_* environment variables into a zero-valued config.
// Unset variables stay zero so Merge leaves lower layers alone.
func FromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads dir/.env into the process environment if present.
// Variables already set are not overridden.
func LoadDotEnv(dir string) error {
	path := filepath.Join(dir, ".env")
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// File doesn't exist, return zero config
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if set, else base
	result.StoreFile = mergeString(base.StoreFile, overlay.StoreFile)
	result.InferenceURL = mergeString(base.InferenceURL, overlay.InferenceURL)
	result.FlushDelayMS = mergeInt(base.FlushDelayMS, overlay.FlushDelayMS)
	result.InferenceBatchSize = mergeInt(base.InferenceBatchSize, overlay.InferenceBatchSize)
	result.InferenceConcurrency = mergeInt(base.InferenceConcurrency, overlay.InferenceConcurrency)

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func mergeString(base, overlay string) string {
	if s := strings.TrimSpace(overlay); s != "" {
		return s
	}
	return base
}

// mergeInt treats non-positive overlay values as unset.
func mergeInt(base, overlay int) int {
	if overlay > 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
