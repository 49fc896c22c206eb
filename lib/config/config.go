// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the configuration of one courier process.
type Config struct {
	// Environment identifies the deployment type (development, staging, production).
	Environment Environment `yaml:"environment"`

	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
	Directory    DirectoryConfig    `yaml:"directory"`
	Resolver     ResolverConfig     `yaml:"resolver"`
	Storage      StorageConfig      `yaml:"storage"`
	Registration RegistrationConfig `yaml:"registration"`

	// Agents are hosted by this process, all behind the one server.
	Agents []AgentConfig `yaml:"agents"`

	// EnvironmentOverrides contains per-environment overrides.
	// These are applied after the base config is loaded.
	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains fields that can be overridden per environment.
// Only non-zero values replace the base configuration.
type ConfigOverrides struct {
	Log          *LogConfig          `yaml:"log,omitempty"`
	Server       *ServerConfig       `yaml:"server,omitempty"`
	Directory    *DirectoryConfig    `yaml:"directory,omitempty"`
	Resolver     *ResolverConfig     `yaml:"resolver,omitempty"`
	Storage      *StorageConfig      `yaml:"storage,omitempty"`
	Registration *RegistrationConfig `yaml:"registration,omitempty"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level"`

	// Format is json or text. Default: json
	Format string `yaml:"format"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	// Address is the listen address. Default: :8000
	Address string `yaml:"address"`

	// ShutdownTimeout bounds the graceful drain. Default: 10s
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// SyncTimeout bounds synchronous submissions without an expiry.
	// Default: 30s
	SyncTimeout time.Duration `yaml:"sync_timeout"`
}

// DirectoryConfig configures the almanac directory API.
type DirectoryConfig struct {
	// URL is the API root. Empty disables the directory: no
	// broadcast, no API registration, ledger-only resolution.
	URL string `yaml:"url"`

	// Timeout bounds each directory request. Default: 10s
	Timeout time.Duration `yaml:"timeout"`
}

// ResolverConfig configures destination resolution.
type ResolverConfig struct {
	// MaxEndpoints caps the endpoints returned per destination.
	// Default: 10
	MaxEndpoints int `yaml:"max_endpoints"`

	// CacheSize is the number of cached resolutions. Zero disables
	// the cache. Default: 1024
	CacheSize int `yaml:"cache_size"`

	// CacheTTL is how long a resolution stays cached. Default: 5m
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// Rules pins agent addresses to endpoint URLs. They answer when
	// the directory does not know an address, and are the only
	// source when no directory is configured.
	Rules map[string][]string `yaml:"rules"`
}

// StorageConfig selects the agent storage backend.
type StorageConfig struct {
	// Backend is memory, sqlite or redis. Default: memory
	Backend string `yaml:"backend"`

	// Path is the SQLite database file.
	// Default: ${COURIER_ROOT}/state.db
	Path string `yaml:"path"`

	// URL is the Redis connection URL.
	URL string `yaml:"url"`
}

// RegistrationConfig configures the registration loop.
type RegistrationConfig struct {
	// Interval between registration attempts. Default: 1h
	Interval time.Duration `yaml:"interval"`

	// MinimumBalance is the ledger balance below which registration
	// is skipped with a warning.
	MinimumBalance uint64 `yaml:"minimum_balance"`

	// ExpiryMargin re-registers when the ledger record expires within
	// this margin. Default: 10m
	ExpiryMargin time.Duration `yaml:"expiry_margin"`
}

// AgentConfig describes one hosted agent.
type AgentConfig struct {
	// Name labels the agent in logs, metrics and /agent_info.
	Name string `yaml:"name"`

	// SeedFile is an age-sealed seed, created on first boot. The
	// passphrase comes from COURIER_SEED_PASSPHRASE.
	SeedFile string `yaml:"seed_file"`

	// Seed is an inline seed. Only allowed in development.
	Seed string `yaml:"seed"`

	// Endpoints are advertised in registrations.
	Endpoints []EndpointConfig `yaml:"endpoints"`

	// QueueSize bounds the inbound queue. Default: 256
	QueueSize int `yaml:"queue_size"`
}

// EndpointConfig is one advertised endpoint.
type EndpointConfig struct {
	URL    string `yaml:"url"`
	Weight int    `yaml:"weight"`
}

// Default returns the default configuration.
// These defaults are used as a base before loading the config file.
// They exist to give every field a sensible value, not as a fallback:
// the config file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "courier")

	return &Config{
		Environment: Development,
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			Address:         ":8000",
			ShutdownTimeout: 10 * time.Second,
			SyncTimeout:     30 * time.Second,
		},
		Directory: DirectoryConfig{
			Timeout: 10 * time.Second,
		},
		Resolver: ResolverConfig{
			MaxEndpoints: 10,
			CacheSize:    1024,
			CacheTTL:     5 * time.Minute,
		},
		Storage: StorageConfig{
			Backend: BackendMemory,
			Path:    filepath.Join(defaultRoot, "state.db"),
		},
		Registration: RegistrationConfig{
			Interval:     time.Hour,
			ExpiryMargin: 10 * time.Minute,
		},
	}
}

// Load loads configuration from the COURIER_CONFIG environment variable.
//
// There are no fallbacks or defaults: if COURIER_CONFIG is not set,
// this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("COURIER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("COURIER_CONFIG environment variable not set; " +
			"set it to the path of your courier.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment variables
// only reach it through ${VAR} and ${VAR:-default} expansion in paths
// and URLs.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	// Apply environment-specific overrides (development/staging/production sections in the file).
	cfg.applyEnvironmentOverrides()

	cfg.expandVariables()

	for index := range cfg.Agents {
		if cfg.Agents[index].QueueSize == 0 {
			cfg.Agents[index].QueueSize = 256
		}
		for endpoint := range cfg.Agents[index].Endpoints {
			if cfg.Agents[index].Endpoints[endpoint].Weight == 0 {
				cfg.Agents[index].Endpoints[endpoint].Weight = 1
			}
		}
	}

	return cfg, nil
}

// loadFile loads a single configuration file, merging into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// applyEnvironmentOverrides applies the environment-specific overrides.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
		// Production defaults: machine-readable logs.
		if overrides == nil {
			overrides = &ConfigOverrides{
				Log: &LogConfig{Format: "json"},
			}
		}
	}

	if overrides == nil {
		return
	}

	if overrides.Log != nil {
		setString(&c.Log.Level, overrides.Log.Level)
		setString(&c.Log.Format, overrides.Log.Format)
	}

	if overrides.Server != nil {
		setString(&c.Server.Address, overrides.Server.Address)
		setDuration(&c.Server.ShutdownTimeout, overrides.Server.ShutdownTimeout)
		setDuration(&c.Server.SyncTimeout, overrides.Server.SyncTimeout)
	}

	if overrides.Directory != nil {
		setString(&c.Directory.URL, overrides.Directory.URL)
		setDuration(&c.Directory.Timeout, overrides.Directory.Timeout)
	}

	if overrides.Resolver != nil {
		if overrides.Resolver.MaxEndpoints != 0 {
			c.Resolver.MaxEndpoints = overrides.Resolver.MaxEndpoints
		}
		if overrides.Resolver.CacheSize != 0 {
			c.Resolver.CacheSize = overrides.Resolver.CacheSize
		}
		setDuration(&c.Resolver.CacheTTL, overrides.Resolver.CacheTTL)
	}

	if overrides.Storage != nil {
		setString(&c.Storage.Backend, overrides.Storage.Backend)
		setString(&c.Storage.Path, overrides.Storage.Path)
		setString(&c.Storage.URL, overrides.Storage.URL)
	}

	if overrides.Registration != nil {
		setDuration(&c.Registration.Interval, overrides.Registration.Interval)
		setDuration(&c.Registration.ExpiryMargin, overrides.Registration.ExpiryMargin)
		if overrides.Registration.MinimumBalance != 0 {
			c.Registration.MinimumBalance = overrides.Registration.MinimumBalance
		}
	}
}

func setString(field *string, override string) {
	if override != "" {
		*field = override
	}
}

func setDuration(field *time.Duration, override time.Duration) {
	if override != 0 {
		*field = override
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in
// paths and URLs.
func (c *Config) expandVariables() {
	homeDir, _ := os.UserHomeDir()
	vars := map[string]string{
		"COURIER_ROOT": filepath.Join(homeDir, ".cache", "courier"),
		"HOME":         os.Getenv("HOME"),
	}

	c.Storage.Path = expandVars(c.Storage.Path, vars)
	c.Storage.URL = expandVars(c.Storage.URL, vars)
	c.Directory.URL = expandVars(c.Directory.URL, vars)
	for address, endpoints := range c.Resolver.Rules {
		for index := range endpoints {
			endpoints[index] = expandVars(endpoints[index], vars)
		}
		c.Resolver.Rules[address] = endpoints
	}
	for index := range c.Agents {
		agent := &c.Agents[index]
		agent.SeedFile = expandVars(agent.SeedFile, vars)
		for endpoint := range agent.Endpoints {
			agent.Endpoints[endpoint].URL = expandVars(agent.Endpoints[endpoint].URL, vars)
		}
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// The environment wins over built-in values so COURIER_ROOT
		// can be moved.
		if value := os.Getenv(name); value != "" {
			return value
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if !contains([]string{"debug", "info", "warn", "error"}, c.Log.Level) {
		errs = append(errs, fmt.Errorf("log.level must be one of: debug, info, warn, error"))
	}
	if !contains([]string{"json", "text"}, c.Log.Format) {
		errs = append(errs, fmt.Errorf("log.format must be one of: json, text"))
	}

	if c.Server.Address == "" {
		errs = append(errs, fmt.Errorf("server.address is required"))
	}
	if c.Server.SyncTimeout <= 0 {
		errs = append(errs, fmt.Errorf("server.sync_timeout must be positive"))
	}

	if c.Directory.URL != "" {
		if err := validateURL(c.Directory.URL); err != nil {
			errs = append(errs, fmt.Errorf("directory.url: %w", err))
		}
	}

	if c.Resolver.MaxEndpoints <= 0 {
		errs = append(errs, fmt.Errorf("resolver.max_endpoints must be positive"))
	}
	if c.Resolver.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("resolver.cache_size must not be negative"))
	}
	for address, endpoints := range c.Resolver.Rules {
		for _, endpoint := range endpoints {
			if err := validateURL(endpoint); err != nil {
				errs = append(errs, fmt.Errorf("resolver.rules[%s]: %w", address, err))
			}
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.Storage.URL == "" {
			errs = append(errs, fmt.Errorf("storage.url is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be one of: memory, sqlite, redis"))
	}

	if c.Registration.Interval <= 0 {
		errs = append(errs, fmt.Errorf("registration.interval must be positive"))
	}

	if len(c.Agents) == 0 {
		errs = append(errs, fmt.Errorf("at least one agent is required"))
	}
	names := make(map[string]bool)
	for index, agent := range c.Agents {
		label := fmt.Sprintf("agents[%d]", index)
		if agent.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", label))
		} else if names[agent.Name] {
			errs = append(errs, fmt.Errorf("%s.name %q is not unique", label, agent.Name))
		}
		names[agent.Name] = true

		switch {
		case agent.Seed == "" && agent.SeedFile == "":
			errs = append(errs, fmt.Errorf("%s needs seed_file or seed", label))
		case agent.Seed != "" && agent.SeedFile != "":
			errs = append(errs, fmt.Errorf("%s sets both seed_file and seed", label))
		case agent.Seed != "" && c.Environment != Development:
			errs = append(errs, fmt.Errorf("%s: inline seeds are only allowed in development", label))
		}

		if agent.QueueSize < 0 {
			errs = append(errs, fmt.Errorf("%s.queue_size must not be negative", label))
		}
		for endpointIndex, endpoint := range agent.Endpoints {
			if err := validateURL(endpoint.URL); err != nil {
				errs = append(errs, fmt.Errorf("%s.endpoints[%d].url: %w", label, endpointIndex, err))
			}
			if endpoint.Weight < 0 {
				errs = append(errs, fmt.Errorf("%s.endpoints[%d].weight must not be negative", label, endpointIndex))
			}
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

// EnsurePaths creates the directories that file-backed state lives in.
func (c *Config) EnsurePaths() error {
	var paths []string
	if c.Storage.Backend == BackendSQLite {
		paths = append(paths, filepath.Dir(c.Storage.Path))
	}
	for _, agent := range c.Agents {
		if agent.SeedFile != "" {
			paths = append(paths, filepath.Dir(agent.SeedFile))
		}
	}

	for _, path := range paths {
		if err := os.MkdirAll(path, 0o700); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}
