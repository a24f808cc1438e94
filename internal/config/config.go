package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/auth"
	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for fieldsync.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// StatePath is the bbolt database. Defaults to ~/.fieldsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Remote store connection.
	RemoteURL   string `env:"REMOTE_URL"`
	RemoteToken string `env:"REMOTE_TOKEN"`

	// Device name this client identifies as. Defaults to system hostname.
	DeviceName string `env:"DEVICE_NAME"`

	// EntityTypes are synced from startup. Types first seen through the
	// API get a worker on demand.
	EntityTypes []string `env:"ENTITY_TYPES" envSeparator:","`

	SyncInterval  time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	SyncBatchSize int           `env:"SYNC_BATCH_SIZE" envDefault:"100"`
	BackoffMin    time.Duration `env:"BACKOFF_MIN" envDefault:"1s"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX" envDefault:"60s"`
	RemoteTimeout time.Duration `env:"REMOTE_TIMEOUT" envDefault:"30s"`
	MaxRebase     int           `env:"MAX_REBASE" envDefault:"3"`

	// MergeTypes resolve conflicts with a field-level three-way merge
	// instead of last-writer-wins. MergeTextFields are merged as text
	// when both sides edited them.
	MergeTypes      []string `env:"MERGE_TYPES" envSeparator:","`
	MergeTextFields []string `env:"MERGE_TEXT_FIELDS" envSeparator:","`

	// PurgeAfter is how long committed and superseded changes are kept.
	// Zero keeps them forever.
	PurgeAfter time.Duration `env:"PURGE_AFTER" envDefault:"168h"`

	EventBuffer  int `env:"EVENT_BUFFER" envDefault:"1024"`
	EventHistory int `env:"EVENT_HISTORY" envDefault:"1024"`

	// Notifications. Without a webhook URL notifications are logged.
	NotifyWebhookURL   string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyWebhookToken string        `env:"NOTIFY_WEBHOOK_TOKEN"`
	NotifyMaxAttempts  int           `env:"NOTIFY_MAX_ATTEMPTS" envDefault:"3"`
	NotifyRetryBase    time.Duration `env:"NOTIFY_RETRY_BASE" envDefault:"2s"`
	NotifyRetryMax     time.Duration `env:"NOTIFY_RETRY_MAX" envDefault:"5m"`
	NotifyWorkers      int           `env:"NOTIFY_WORKERS" envDefault:"4"`
	NotifyUserField    string        `env:"NOTIFY_USER_FIELD" envDefault:"owner_id"`

	// PreferencesFile switches notification preferences from the local
	// store to a hot-reloaded YAML file.
	PreferencesFile string `env:"PREFERENCES_FILE"`

	// Local HTTP API. An empty address disables it.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"127.0.0.1:8080"`
	APIKeys    string `env:"API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.DeviceName == "" {
		hostname, err := os.Hostname()
		if err != nil || hostname == "" {
			hostname = "fieldsync"
		}

		cfg.DeviceName = hostname
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	cfg.EntityTypes = compact(cfg.EntityTypes)
	cfg.MergeTypes = compact(cfg.MergeTypes)
	cfg.MergeTextFields = compact(cfg.MergeTextFields)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	absPath, err := filepath.Abs(cfg.StatePath)
	if err != nil {
		return nil, fmt.Errorf("resolving state path to absolute path: %w", err)
	}

	cfg.StatePath = absPath

	return cfg, nil
}

func compact(list []string) []string {
	out := list[:0]

	for _, s := range list {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	return out
}

func (c *Config) validate() error {
	if c.RemoteURL == "" {
		return fmt.Errorf("REMOTE_URL is required")
	}

	u, err := url.Parse(c.RemoteURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("REMOTE_URL is not a valid URL")
	}

	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("REMOTE_URL must use ws, wss, http or https")
	}

	for _, t := range c.EntityTypes {
		if err := models.ValidateEntityType(t); err != nil {
			return fmt.Errorf("ENTITY_TYPES: %w", err)
		}
	}

	for _, t := range c.MergeTypes {
		if err := models.ValidateEntityType(t); err != nil {
			return fmt.Errorf("MERGE_TYPES: %w", err)
		}
	}

	positive := []struct {
		name  string
		value int64
	}{
		{"SYNC_INTERVAL", int64(c.SyncInterval)},
		{"SYNC_BATCH_SIZE", int64(c.SyncBatchSize)},
		{"BACKOFF_MIN", int64(c.BackoffMin)},
		{"REMOTE_TIMEOUT", int64(c.RemoteTimeout)},
		{"MAX_REBASE", int64(c.MaxRebase)},
		{"EVENT_BUFFER", int64(c.EventBuffer)},
		{"EVENT_HISTORY", int64(c.EventHistory)},
		{"NOTIFY_MAX_ATTEMPTS", int64(c.NotifyMaxAttempts)},
		{"NOTIFY_RETRY_BASE", int64(c.NotifyRetryBase)},
		{"NOTIFY_WORKERS", int64(c.NotifyWorkers)},
	}

	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}

	if c.BackoffMax < c.BackoffMin {
		return fmt.Errorf("BACKOFF_MAX must not be less than BACKOFF_MIN")
	}

	if c.NotifyRetryMax < c.NotifyRetryBase {
		return fmt.Errorf("NOTIFY_RETRY_MAX must not be less than NOTIFY_RETRY_BASE")
	}

	if c.PurgeAfter < 0 {
		return fmt.Errorf("PURGE_AFTER must not be negative")
	}

	if c.NotifyWebhookURL != "" {
		u, err := url.Parse(c.NotifyWebhookURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("NOTIFY_WEBHOOK_URL must be an http or https URL")
		}
	}

	if c.ListenAddr != "" && c.APIKeys == "" {
		return fmt.Errorf("API_KEYS is required when LISTEN_ADDR is set")
	}

	if _, err := c.ParseAPIKeys(); err != nil {
		return err
	}

	return nil
}

// DefaultStatePath returns ~/.fieldsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".fieldsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// APIKeyEntry holds a pre-configured API key and its associated user
// identity parsed from API_KEYS.
type APIKeyEntry struct {
	UserID string
	Key    string
}

// ParseAPIKeys parses the API_KEYS string.
// Format: "user1:fs_key1,user2:fs_key2"
func (c *Config) ParseAPIKeys() ([]APIKeyEntry, error) {
	if c.APIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []APIKeyEntry

	for _, pair := range strings.Split(c.APIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if err := auth.CheckKeyFormat(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries)+1, err)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, APIKeyEntry{UserID: userID, Key: key})
	}

	return entries, nil
}
