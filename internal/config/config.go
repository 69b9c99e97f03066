package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Config is the small persisted settings document. It lives outside the usage
// database so it survives a database reset, and is re-read at every storage
// entry point instead of being cached in package state.
type Config struct {
	// DBPath overrides storage location resolution entirely when set.
	DBPath string `json:"db_path,omitempty"`
	// MachineName labels this machine's records in a shared database.
	// Empty means "use the hostname".
	MachineName string `json:"machine_name,omitempty"`
	// Timezone selects how records bucket into calendar days: "local" or "utc".
	Timezone string `json:"timezone,omitempty"`

	RefreshIntervalSeconds int `json:"refresh_interval_seconds,omitempty"`
	LimitsIntervalSeconds  int `json:"limits_interval_seconds,omitempty"`
	LimitsKeepDays         int `json:"limits_keep_days,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		Timezone:               "local",
		RefreshIntervalSeconds: 5,
		LimitsIntervalSeconds:  60,
		LimitsKeepDays:         90,
	}
}

func ConfigDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(os.Getenv("APPDATA"), "usagevault")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "usagevault")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "settings.json")
}

func Load() (Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config file, tolerating a missing one. A malformed file
// is an error rather than silently reverting the user's settings.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.RefreshIntervalSeconds <= 0 {
		cfg.RefreshIntervalSeconds = 5
	}
	if cfg.LimitsIntervalSeconds <= 0 {
		cfg.LimitsIntervalSeconds = 60
	}
	if cfg.Timezone == "" {
		cfg.Timezone = "local"
	}
	return cfg, nil
}

// saveMu guards read-modify-write cycles on the config file.
var saveMu sync.Mutex

func Save(cfg Config) error {
	return SaveTo(ConfigPath(), cfg)
}

func SaveTo(path string, cfg Config) error {
	saveMu.Lock()
	defer saveMu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

// MachineLabel resolves the label stamped onto ingested records: the
// configured name when set, otherwise the hostname.
func (c Config) MachineLabel() string {
	if name := strings.TrimSpace(c.MachineName); name != "" {
		return name
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// Location resolves the timezone mode into a concrete location.
func (c Config) Location() *time.Location {
	if strings.EqualFold(c.Timezone, "utc") {
		return time.UTC
	}
	return time.Local
}

func (c Config) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSeconds) * time.Second
}

func (c Config) LimitsInterval() time.Duration {
	return time.Duration(c.LimitsIntervalSeconds) * time.Second
}
