// Package config provides configuration types and utilities for mediahub.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediahub-go/internal/types"
)

const (
	// ConfigFileName is the default config file name inside the data dir
	ConfigFileName = "mediahub_config.json"

	defaultDataDirName = ".mediahub"
)

// Duration is a wrapper around time.Duration that can be marshaled to/from JSON
type Duration time.Duration

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format: %w", err)
	}

	*d = Duration(parsed)
	return nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Config represents the main configuration structure
type Config struct {
	DataDir string          `json:"data_dir" mapstructure:"data-dir"`
	Servers []*ServerConfig `json:"servers" mapstructure:"servers"`
	Views   []ViewConfig    `json:"views,omitempty" mapstructure:"views"`

	// Paging
	PageSize int `json:"page_size" mapstructure:"page-size"`

	// Connection racing
	ProbeTimeout      Duration `json:"probe_timeout" mapstructure:"probe-timeout"`
	RaceDeadline      Duration `json:"race_deadline" mapstructure:"race-deadline"`
	MaxParallelProbes int      `json:"max_parallel_probes" mapstructure:"max-parallel-probes"`
	ConnectionTTL     Duration `json:"connection_ttl" mapstructure:"connection-ttl"`
	FailureCooldown   Duration `json:"failure_cooldown" mapstructure:"failure-cooldown"`

	// Requests per second allowed against a single server
	RequestRate float64 `json:"request_rate" mapstructure:"request-rate"`

	ImageCacheSize int `json:"image_cache_size" mapstructure:"image-cache-size"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// ServerConfig describes one media server known to the client
type ServerConfig struct {
	ID    string `json:"id" mapstructure:"id"`
	Name  string `json:"name" mapstructure:"name"`
	Owned bool   `json:"owned" mapstructure:"owned"`

	// Token is used verbatim. When empty the token is read from the
	// environment variable named by TokenEnv.
	Token    string `json:"token,omitempty" mapstructure:"token"`
	TokenEnv string `json:"token_env,omitempty" mapstructure:"token-env"`

	Connections []types.ConnectionCandidate `json:"connections" mapstructure:"connections"`
}

// ViewConfig names a library view that should be kept in sync
type ViewConfig struct {
	Server  string `json:"server" mapstructure:"server"`
	Library string `json:"library" mapstructure:"library"`
	Filter  string `json:"filter,omitempty" mapstructure:"filter"`
	Sort    string `json:"sort,omitempty" mapstructure:"sort"`
}

// ViewKey converts the view into its normalized tuple
func (v ViewConfig) ViewKey() types.ViewKey {
	return types.ViewKey{
		ServerID:   v.Server,
		LibraryKey: v.Library,
		Filter:     v.Filter,
		Sort:       v.Sort,
	}.Normalized()
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultLogConfig returns console-only logging at info level
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:         "info",
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
		JSONFormat:    false,
	}
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		DataDir:           "", // Will be set to ~/.mediahub by the loader
		Servers:           []*ServerConfig{},
		PageSize:          DefaultPageSize,
		ProbeTimeout:      Duration(ProbeTimeout),
		RaceDeadline:      Duration(RaceDeadline),
		MaxParallelProbes: DefaultMaxParallelProbes,
		ConnectionTTL:     Duration(ConnectionFreshness),
		FailureCooldown:   Duration(FailedServerCooldown),
		RequestRate:       DefaultRequestRate,
		ImageCacheSize:    DefaultImageCacheSize,
		Logging:           DefaultLogConfig(),
	}
}

// Validate validates the configuration and fills unset values with defaults
func (c *Config) Validate() error {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ProbeTimeout.Duration() <= 0 {
		c.ProbeTimeout = Duration(ProbeTimeout)
	}
	if c.RaceDeadline.Duration() <= 0 {
		c.RaceDeadline = Duration(RaceDeadline)
	}
	if c.RaceDeadline.Duration() < c.ProbeTimeout.Duration() {
		return fmt.Errorf("race_deadline (%s) must not be shorter than probe_timeout (%s)",
			c.RaceDeadline.Duration(), c.ProbeTimeout.Duration())
	}
	if c.MaxParallelProbes <= 0 {
		c.MaxParallelProbes = DefaultMaxParallelProbes
	}
	if c.ConnectionTTL.Duration() <= 0 {
		c.ConnectionTTL = Duration(ConnectionFreshness)
	}
	if c.FailureCooldown.Duration() <= 0 {
		c.FailureCooldown = Duration(FailedServerCooldown)
	}
	if c.RequestRate <= 0 {
		c.RequestRate = DefaultRequestRate
	}
	if c.ImageCacheSize <= 0 {
		c.ImageCacheSize = DefaultImageCacheSize
	}
	if c.Logging == nil {
		c.Logging = DefaultLogConfig()
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s == nil {
			return fmt.Errorf("server #%d is empty", i)
		}
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("server #%d has no id", i)
		}
		if seen[s.ID] {
			return fmt.Errorf("duplicate server id %q", s.ID)
		}
		seen[s.ID] = true
		if s.Name == "" {
			s.Name = s.ID
		}
	}

	for i, v := range c.Views {
		if !seen[v.Server] {
			return fmt.Errorf("view #%d references unknown server %q", i, v.Server)
		}
		if v.Library == "" {
			return fmt.Errorf("view #%d has no library", i)
		}
	}

	return nil
}

// GetServer returns the server config with the given id
func (c *Config) GetServer(id string) (*ServerConfig, bool) {
	for _, s := range c.Servers {
		if s.ID == id {
			return s, true
		}
	}
	return nil, false
}

// OwnedServerIDs returns the set of servers administered by the current user
func (c *Config) OwnedServerIDs() map[string]bool {
	owned := make(map[string]bool)
	for _, s := range c.Servers {
		if s.Owned {
			owned[s.ID] = true
		}
	}
	return owned
}

// ToServers converts server configs into domain servers. Tokens are served
// by Credentials.
func (c *Config) ToServers() []types.Server {
	servers := make([]types.Server, 0, len(c.Servers))
	for _, s := range c.Servers {
		servers = append(servers, types.Server{
			ID:          s.ID,
			Name:        s.Name,
			Owned:       s.Owned,
			Connections: append([]types.ConnectionCandidate(nil), s.Connections...),
		})
	}
	return servers
}

// ResolveToken returns the configured token or the value of TokenEnv
func (s *ServerConfig) ResolveToken() string {
	if s.Token != "" {
		return s.Token
	}
	if s.TokenEnv != "" {
		return os.Getenv(s.TokenEnv)
	}
	return ""
}

// Credentials builds a credential provider from the configured servers
func (c *Config) Credentials() types.StaticCredentials {
	creds := make(types.StaticCredentials, len(c.Servers))
	for _, s := range c.Servers {
		if token := s.ResolveToken(); token != "" {
			creds[s.ID] = token
		}
	}
	return creds
}

// DefaultDataDir returns ~/.mediahub
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, defaultDataDirName), nil
}

// LoadFromFile reads and validates a configuration file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(path)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the configuration as indented JSON through a temp file
// and rename, so readers never see a partial file
func SaveConfig(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to set config permissions: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace config: %w", err)
	}
	return nil
}
