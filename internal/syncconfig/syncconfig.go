package syncconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// AutoSyncConfig holds daemon settings.
type AutoSyncConfig struct {
	Debounce string `json:"debounce,omitempty"` // duration string, default "2s"
	Interval string `json:"interval,omitempty"` // duration string, default "5m"
	LogFile  string `json:"log_file,omitempty"` // rotated daemon log, empty = stderr
}

// Config is the global blocksync config stored at ~/.config/blocksync/config.json.
type Config struct {
	URL            string         `json:"url,omitempty"`
	Token          string         `json:"token,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	DeviceID       string         `json:"device_id,omitempty"`
	DataDir        string         `json:"data_dir,omitempty"`
	LookbackDays   *int           `json:"lookback_days,omitempty"`
	MaxRetries     *int           `json:"max_retries,omitempty"`
	RetryBaseDelay string         `json:"retry_base_delay,omitempty"`
	AutoSync       AutoSyncConfig `json:"autosync"`
}

const (
	defaultServerURL      = "http://localhost:8080"
	defaultLookbackDays   = 7
	defaultMaxRetries     = 3
	defaultRetryBaseDelay = time.Second
	defaultDebounce       = 2 * time.Second
	defaultInterval       = 5 * time.Minute
)

// ConfigDir returns ~/.config/blocksync, creating it if necessary.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".config", "blocksync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// LoadConfig reads the global config from ~/.config/blocksync/config.json.
func LoadConfig() (*Config, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// SaveConfig writes the global config (0600 perms, it may hold a token).
func SaveConfig(cfg *Config) error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0600)
}

// loaded returns the config, or an empty one when it cannot be read.
func loaded() *Config {
	cfg, err := LoadConfig()
	if err != nil {
		return &Config{}
	}
	return cfg
}

// GetServerURL returns the sync server URL.
// Priority: BLOCKSYNC_URL env > config.json > default.
func GetServerURL() string {
	if v := os.Getenv("BLOCKSYNC_URL"); v != "" {
		return v
	}
	if cfg := loaded(); cfg.URL != "" {
		return cfg.URL
	}
	return defaultServerURL
}

// GetToken returns the bearer token.
// Priority: BLOCKSYNC_TOKEN env > config.json.
func GetToken() string {
	if v := os.Getenv("BLOCKSYNC_TOKEN"); v != "" {
		return v
	}
	return loaded().Token
}

// IsAuthenticated returns true if a token is available.
func IsAuthenticated() bool {
	return GetToken() != ""
}

// GetUserID returns the account the data belongs to.
// Priority: BLOCKSYNC_USER env > config.json.
func GetUserID() string {
	if v := os.Getenv("BLOCKSYNC_USER"); v != "" {
		return v
	}
	return loaded().UserID
}

// GetDataDir returns the local cache directory.
// Priority: BLOCKSYNC_DATA_DIR env > config.json > ~/.local/share/blocksync.
func GetDataDir() (string, error) {
	if v := os.Getenv("BLOCKSYNC_DATA_DIR"); v != "" {
		return v, nil
	}
	if cfg := loaded(); cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".local", "share", "blocksync"), nil
}

// GetDeviceID returns this device's id, generating and persisting a UUID
// the first time.
func GetDeviceID() (string, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return "", err
	}
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	cfg.DeviceID = uuid.NewString()
	if err := SaveConfig(cfg); err != nil {
		return "", fmt.Errorf("save device id: %w", err)
	}
	return cfg.DeviceID, nil
}

func intSetting(envKey string, fromConfig *int, def int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	if fromConfig != nil && *fromConfig >= 0 {
		return *fromConfig
	}
	return def
}

func durationSetting(envKey, fromConfig string, def time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if fromConfig != "" {
		if d, err := time.ParseDuration(fromConfig); err == nil && d > 0 {
			return d
		}
	}
	return def
}

// GetLookbackDays returns how many days of date-keyed data are synced live.
// Priority: BLOCKSYNC_LOOKBACK_DAYS env > config.json > 7
func GetLookbackDays() int {
	return intSetting("BLOCKSYNC_LOOKBACK_DAYS", loaded().LookbackDays, defaultLookbackDays)
}

// GetMaxRetries returns the retry limit for failed pushes.
// Priority: BLOCKSYNC_MAX_RETRIES env > config.json > 3
func GetMaxRetries() int {
	return intSetting("BLOCKSYNC_MAX_RETRIES", loaded().MaxRetries, defaultMaxRetries)
}

// GetRetryBaseDelay returns the base backoff delay.
// Priority: BLOCKSYNC_RETRY_BASE_DELAY env > config.json > 1s
func GetRetryBaseDelay() time.Duration {
	return durationSetting("BLOCKSYNC_RETRY_BASE_DELAY", loaded().RetryBaseDelay, defaultRetryBaseDelay)
}

// GetAutoSyncDebounce returns the debounce for local change pushes.
// Priority: BLOCKSYNC_AUTOSYNC_DEBOUNCE env > config.json autosync.debounce > 2s
func GetAutoSyncDebounce() time.Duration {
	return durationSetting("BLOCKSYNC_AUTOSYNC_DEBOUNCE", loaded().AutoSync.Debounce, defaultDebounce)
}

// GetAutoSyncInterval returns the periodic full push interval.
// Priority: BLOCKSYNC_AUTOSYNC_INTERVAL env > config.json autosync.interval > 5m
func GetAutoSyncInterval() time.Duration {
	return durationSetting("BLOCKSYNC_AUTOSYNC_INTERVAL", loaded().AutoSync.Interval, defaultInterval)
}

// GetAutoSyncLogFile returns the daemon log file path, if any.
func GetAutoSyncLogFile() string {
	return loaded().AutoSync.LogFile
}

type field struct {
	get func(*Config) string
	set func(*Config, string) error
}

func intField(p func(*Config) **int) field {
	return field{
		get: func(c *Config) string {
			if v := *p(c); v != nil {
				return strconv.Itoa(*v)
			}
			return ""
		},
		set: func(c *Config, s string) error {
			if s == "" {
				*p(c) = nil
				return nil
			}
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				return fmt.Errorf("expected a non-negative integer, got %q", s)
			}
			*p(c) = &n
			return nil
		},
	}
}

func durationField(p func(*Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, s string) error {
			if s != "" {
				if d, err := time.ParseDuration(s); err != nil || d <= 0 {
					return fmt.Errorf("expected a positive duration, got %q", s)
				}
			}
			*p(c) = s
			return nil
		},
	}
}

func stringField(p func(*Config) *string) field {
	return field{
		get: func(c *Config) string { return *p(c) },
		set: func(c *Config, s string) error { *p(c) = s; return nil },
	}
}

var fields = map[string]field{
	"url":               stringField(func(c *Config) *string { return &c.URL }),
	"token":             stringField(func(c *Config) *string { return &c.Token }),
	"user":              stringField(func(c *Config) *string { return &c.UserID }),
	"device_id":         stringField(func(c *Config) *string { return &c.DeviceID }),
	"data_dir":          stringField(func(c *Config) *string { return &c.DataDir }),
	"lookback_days":     intField(func(c *Config) **int { return &c.LookbackDays }),
	"max_retries":       intField(func(c *Config) **int { return &c.MaxRetries }),
	"retry_base_delay":  durationField(func(c *Config) *string { return &c.RetryBaseDelay }),
	"autosync.debounce": durationField(func(c *Config) *string { return &c.AutoSync.Debounce }),
	"autosync.interval": durationField(func(c *Config) *string { return &c.AutoSync.Interval }),
	"autosync.log_file": stringField(func(c *Config) *string { return &c.AutoSync.LogFile }),
}

// Keys lists the settable config keys.
func Keys() []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Get returns the stored value for key (not env overrides).
func Get(key string) (string, error) {
	f, ok := fields[key]
	if !ok {
		return "", fmt.Errorf("unknown config key %q", key)
	}
	cfg, err := LoadConfig()
	if err != nil {
		return "", err
	}
	return f.get(cfg), nil
}

// Set validates and stores a value for key. An empty value clears it.
func Set(key, value string) error {
	f, ok := fields[key]
	if !ok {
		return fmt.Errorf("unknown config key %q", key)
	}
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	if err := f.set(cfg, value); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return SaveConfig(cfg)
}
