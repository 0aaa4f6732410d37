package config

import (
	"sync"
)

// GlobalConfig holds the process-wide config instance. The shim is loaded into
// a host that never calls us back with a config object, so the instance is
// global and set exactly once at initialization.
type GlobalConfig struct {
	instance   *Config
	configPath string
	mu         sync.RWMutex
}

var global = &GlobalConfig{}

// SetOnce installs the process config. Calling it twice is a programming error.
func SetOnce(config *Config, cfgPath string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.instance != nil {
		panic("shim config already initialized")
	}
	global.instance = config
	global.configPath = cfgPath
}

// GetCfgIfSet returns a copy of the current config and true, or (nil, false)
// when nothing was installed yet.
func GetCfgIfSet() (*Config, bool) {
	global.mu.RLock()
	defer global.mu.RUnlock()
	if global.instance == nil {
		return nil, false
	}
	cloned := *global.instance
	return &cloned, true
}

func GetCfg() *Config {
	cfg, ok := GetCfgIfSet()
	if !ok {
		panic("shim config not initialized")
	}
	return cfg
}

// GetConfigPath returns the path to the config file in use, or empty if not set.
func GetConfigPath() string {
	global.mu.RLock()
	defer global.mu.RUnlock()
	return global.configPath
}

// SetConfigPath updates the path used by UpdateAndSave and the diagnostics API.
func SetConfigPath(path string) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.configPath = path
}

// SetConfig replaces the in-memory config (used after saving to file).
func SetConfig(c *Config) {
	global.mu.Lock()
	defer global.mu.Unlock()
	global.instance = c
}
