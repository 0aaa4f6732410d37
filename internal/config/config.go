package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/jabrown93/plex-postgresql-sub002/internal/testutil"

	"gopkg.in/yaml.v3"
)

// DefaultConfigName is the file name searched next to the executable and under config/.
const DefaultConfigName = "plex-pg-shim.yaml"

type Config struct {
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Shim     ShimConfig     `yaml:"shim" json:"shim"`
	Cache    CacheConfig    `yaml:"cache" json:"cache"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
	Diag     DiagConfig     `yaml:"diag" json:"diag"`
}

type PostgresConfig struct {
	Host             string   `yaml:"host" json:"host"`
	Port             int      `yaml:"port" json:"port"`
	Database         string   `yaml:"database" json:"database"`
	User             string   `yaml:"user" json:"user"`
	Password         string   `yaml:"password" json:"password"`
	Schema           string   `yaml:"schema" json:"schema"`
	ConnectTimeout   Duration `yaml:"connect_timeout" json:"connect_timeout"`
	StatementTimeout Duration `yaml:"statement_timeout" json:"statement_timeout"` // applied server-side so a stuck query cannot pin a pool slot
}

type ShimConfig struct {
	// InterceptSuffixes lists database file-name suffixes that are redirected to
	// PostgreSQL. Everything else passes through to the real SQLite engine.
	InterceptSuffixes []string `yaml:"intercept_suffixes" json:"intercept_suffixes"`
	// SkipSubstrings force pass-through even when a suffix matches (journal files etc).
	SkipSubstrings []string `yaml:"skip_substrings" json:"skip_substrings"`

	PoolSize          int      `yaml:"pool_size" json:"pool_size"`
	StaleOwnerTimeout Duration `yaml:"stale_owner_timeout" json:"stale_owner_timeout"`
	ReaperInterval    Duration `yaml:"reaper_interval" json:"reaper_interval"`
	ReaperIdleTimeout Duration `yaml:"reaper_idle_timeout" json:"reaper_idle_timeout"`
	KeepaliveInterval Duration `yaml:"keepalive_interval" json:"keepalive_interval"` // per-slot ping while idle; 0 = off

	InitDelay   Duration `yaml:"init_delay" json:"init_delay"` // readiness delay after construction
	NoInitDelay bool     `yaml:"no_init_delay" json:"no_init_delay"`

	// Prepare re-entrancy policy. Depth is counted per host connection.
	DelegateDepth       int `yaml:"delegate_depth" json:"delegate_depth"`
	OnDeckDelegateDepth int `yaml:"ondeck_delegate_depth" json:"ondeck_delegate_depth"`
	RefuseDepth         int `yaml:"refuse_depth" json:"refuse_depth"`
}

type CacheConfig struct {
	PreparedCapacity int      `yaml:"prepared_capacity" json:"prepared_capacity"`
	ResultTTL        Duration `yaml:"result_ttl" json:"result_ttl"`
	ResultSlots      int      `yaml:"result_slots" json:"result_slots"`
	ResultMaxRows    int      `yaml:"result_max_rows" json:"result_max_rows"`
	ResultMaxBytes   int      `yaml:"result_max_bytes" json:"result_max_bytes"`
}

type LoggingConfig struct {
	Level   string `yaml:"level" json:"level"`
	File    string `yaml:"file" json:"file"`
	MaxSize string `yaml:"max_size" json:"max_size"` // rotation threshold, accepts K/M suffixes
}

type DiagConfig struct {
	Addr string `yaml:"addr" json:"addr"` // diagnostics HTTP listen address; empty = disabled
}

// Duration is a custom type so time.Duration round-trips through YAML as "30s" strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// LoadConfigResult carries the loaded config plus the file path it came from, if any.
type LoadConfigResult struct {
	Config     *Config
	ConfigPath string
}

// LoadConfig loads configuration from the given file, or searches the default
// locations when configPath is empty.
func LoadConfig(configPath string) (*Config, error) {
	result, err := LoadConfigWithPath(configPath)
	if err != nil {
		return nil, err
	}
	return result.Config, nil
}

// LoadConfigWithPath loads configuration and also reports which file was used.
// Environment variables (PLEX_PG_*) override file values; defaults fill the rest.
func LoadConfigWithPath(configPath string) (*LoadConfigResult, error) {
	config := Defaults()

	// Resolve the config file path
	var finalConfigPath string
	var configFileUsed string

	if configPath != "" {
		finalConfigPath = configPath
	} else if envPath := os.Getenv("PLEX_PG_CONFIG"); envPath != "" {
		finalConfigPath = envPath
	} else {
		// Default: look for plex-pg-shim.yaml next to the executable
		execPath, err := os.Executable()
		if err == nil {
			execDir := filepath.Dir(execPath)
			finalConfigPath = filepath.Join(execDir, DefaultConfigName)
		} else {
			workDir, _ := os.Getwd()
			finalConfigPath = filepath.Join(workDir, "config", DefaultConfigName)
		}
	}

	if finalConfigPath != "" {
		data, err := os.ReadFile(finalConfigPath)
		if err == nil {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", finalConfigPath, err)
			}
			configFileUsed = finalConfigPath
			testutil.LogIfVerbose("Config file loaded successfully: %s", finalConfigPath)
		} else {
			// A missing file is only an error when the caller named it explicitly;
			// the automatic search silently keeps the defaults.
			if configPath != "" {
				return nil, fmt.Errorf("config file not found: %s", finalConfigPath)
			}
		}
	}

	loadFromEnv(config)

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return &LoadConfigResult{
		Config:     config,
		ConfigPath: configFileUsed,
	}, nil
}

// Defaults returns a config populated with the shipped defaults. Callers that
// cannot read a file (library init inside the host) start from here.
func Defaults() *Config {
	return &Config{
		Postgres: PostgresConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "plex",
			User:             "plex",
			Password:         "",
			Schema:           "plex",
			ConnectTimeout:   Duration{Duration: 30 * time.Second},
			StatementTimeout: Duration{Duration: 10 * time.Second},
		},
		Shim: ShimConfig{
			InterceptSuffixes:   []string{"com.plexapp.plugins.library.db"},
			SkipSubstrings:      []string{"-wal", "-shm", ".blobs.db"},
			PoolSize:            20,
			StaleOwnerTimeout:   Duration{Duration: 30 * time.Second},
			ReaperInterval:      Duration{Duration: time.Minute},
			ReaperIdleTimeout:   Duration{Duration: 5 * time.Minute},
			KeepaliveInterval:   Duration{Duration: 0},
			InitDelay:           Duration{Duration: 200 * time.Millisecond},
			DelegateDepth:       8,
			OnDeckDelegateDepth: 4,
			RefuseDepth:         100,
		},
		Cache: CacheConfig{
			PreparedCapacity: 128,
			ResultTTL:        Duration{Duration: time.Second},
			ResultSlots:      64,
			ResultMaxRows:    5,
			ResultMaxBytes:   1 << 20,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			MaxSize: "10M",
		},
		Diag: DiagConfig{
			Addr: "",
		},
	}
}

// EffectiveConfigPath returns the current config file path if set, otherwise
// the default resolution used by tests/tools (testutil.ConfigPath). The
// diagnostics API uses this so backend and UI agree on the file location.
func EffectiveConfigPath() string {
	if p := GetConfigPath(); p != "" {
		return p
	}
	return testutil.ConfigPath()
}

func loadFromEnv(config *Config) {
	envMappings := []struct {
		envVar string
		setter func(string)
	}{
		// Backend connection
		{"PLEX_PG_HOST", func(v string) { config.Postgres.Host = v }},
		{"PLEX_PG_PORT", func(v string) {
			if p, err := strconv.Atoi(v); err == nil {
				config.Postgres.Port = p
			}
		}},
		{"PLEX_PG_DATABASE", func(v string) { config.Postgres.Database = v }},
		{"PLEX_PG_USER", func(v string) { config.Postgres.User = v }},
		{"PLEX_PG_PASSWORD", func(v string) { config.Postgres.Password = v }},
		{"PLEX_PG_SCHEMA", func(v string) { config.Postgres.Schema = v }},
		// Shim behavior
		{"PLEX_PG_POOL_SIZE", func(v string) {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				config.Shim.PoolSize = n
			}
		}},
		{"PLEX_PG_INIT_DELAY_MS", func(v string) {
			if ms, err := strconv.Atoi(v); err == nil && ms >= 0 {
				config.Shim.InitDelay = Duration{Duration: time.Duration(ms) * time.Millisecond}
			}
		}},
		{"PLEX_PG_NO_INIT_DELAY", func(v string) {
			config.Shim.NoInitDelay = v == "1" || v == "true"
		}},
		{"PLEX_PG_STALE_OWNER_TIMEOUT", func(v string) {
			if d, err := time.ParseDuration(v); err == nil {
				config.Shim.StaleOwnerTimeout = Duration{Duration: d}
			}
		}},
		{"PLEX_PG_REAPER_IDLE_TIMEOUT", func(v string) {
			if d, err := time.ParseDuration(v); err == nil {
				config.Shim.ReaperIdleTimeout = Duration{Duration: d}
			}
		}},
		// Logging
		{"PLEX_PG_LOG_LEVEL", func(v string) { config.Logging.Level = v }},
		{"PLEX_PG_LOG_FILE", func(v string) { config.Logging.File = v }},
		{"PLEX_PG_LOG_MAX_SIZE", func(v string) { config.Logging.MaxSize = v }},
		// Diagnostics
		{"PLEX_PG_DIAG_ADDR", func(v string) { config.Diag.Addr = v }},
	}

	for _, mapping := range envMappings {
		if value := os.Getenv(mapping.envVar); value != "" {
			mapping.setter(value)
		}
	}
}

func validateConfig(config *Config) error {
	if config.Postgres.Host == "" {
		return fmt.Errorf("PLEX_PG_HOST is required")
	}
	if config.Postgres.Port == 0 {
		return fmt.Errorf("PLEX_PG_PORT is required")
	}
	if config.Postgres.Database == "" {
		return fmt.Errorf("PLEX_PG_DATABASE is required")
	}
	if config.Postgres.User == "" {
		return fmt.Errorf("PLEX_PG_USER is required")
	}
	if config.Postgres.Schema == "" {
		return fmt.Errorf("PLEX_PG_SCHEMA is required")
	}
	if config.Shim.PoolSize <= 0 {
		return fmt.Errorf("shim.pool_size must be positive")
	}
	if len(config.Shim.InterceptSuffixes) == 0 {
		return fmt.Errorf("shim.intercept_suffixes must not be empty")
	}
	return nil
}

// PasswordMask is the value returned for password in config API responses.
const PasswordMask = "****"

// ConfigForAPI returns a copy of the config with the password masked for display.
func ConfigForAPI(c *Config) *Config {
	if c == nil {
		return nil
	}
	out := *c
	out.Postgres.Password = ""
	if c.Postgres.Password != "" {
		out.Postgres.Password = PasswordMask
	}
	return &out
}

// UpdateAndSave merges updated into the current config (keeping the existing
// password when updated sends "" or the mask), validates, writes the config
// file, and swaps the in-memory config.
func UpdateAndSave(updated *Config) error {
	if updated == nil {
		return fmt.Errorf("config is nil")
	}
	path := GetConfigPath()
	if path == "" {
		return fmt.Errorf("config file path not set (cannot save)")
	}
	current, ok := GetCfgIfSet()
	if !ok {
		return fmt.Errorf("config not initialized")
	}
	merged := *updated
	if updated.Postgres.Password == "" || updated.Postgres.Password == PasswordMask {
		merged.Postgres.Password = current.Postgres.Password
	}
	if err := validateConfig(&merged); err != nil {
		return err
	}
	data, err := yaml.Marshal(&merged)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	SetConfig(&merged)
	return nil
}

// Intercepts reports whether path names the redirected database: one of the
// configured suffixes matches and no skip substring does.
func (c *Config) Intercepts(path string) bool {
	if path == "" {
		return false
	}
	for _, skip := range c.Shim.SkipSubstrings {
		if skip != "" && strings.Contains(path, skip) {
			return false
		}
	}
	for _, suffix := range c.Shim.InterceptSuffixes {
		if suffix != "" && strings.HasSuffix(path, suffix) {
			return true
		}
	}
	return false
}
