package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "fs_0123456789abcdef0123456789abcdef"

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT",
		"LOG_LEVEL",
		"STATE_PATH",
		"REMOTE_URL",
		"REMOTE_TOKEN",
		"DEVICE_NAME",
		"ENTITY_TYPES",
		"SYNC_INTERVAL",
		"SYNC_BATCH_SIZE",
		"BACKOFF_MIN",
		"BACKOFF_MAX",
		"REMOTE_TIMEOUT",
		"MAX_REBASE",
		"PURGE_AFTER",
		"MERGE_TYPES",
		"MERGE_TEXT_FIELDS",
		"EVENT_BUFFER",
		"EVENT_HISTORY",
		"NOTIFY_WEBHOOK_URL",
		"NOTIFY_WEBHOOK_TOKEN",
		"NOTIFY_MAX_ATTEMPTS",
		"NOTIFY_RETRY_BASE",
		"NOTIFY_RETRY_MAX",
		"NOTIFY_WORKERS",
		"NOTIFY_USER_FIELD",
		"PREFERENCES_FILE",
		"LISTEN_ADDR",
		"API_KEYS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setMinimalEnv sets the env vars every configuration needs.
func setMinimalEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REMOTE_URL", "wss://sync.example.com/v1/stream")
	t.Setenv("STATE_PATH", filepath.Join(t.TempDir(), "state.db"))
	t.Setenv("API_KEYS", "alex:"+testKey)
}

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 100, cfg.SyncBatchSize)
	assert.Equal(t, time.Second, cfg.BackoffMin)
	assert.Equal(t, 60*time.Second, cfg.BackoffMax)
	assert.Equal(t, 30*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, 3, cfg.MaxRebase)
	assert.Equal(t, 7*24*time.Hour, cfg.PurgeAfter)
	assert.Equal(t, 3, cfg.NotifyMaxAttempts)
	assert.Equal(t, "owner_id", cfg.NotifyUserField)
	assert.Equal(t, "127.0.0.1:8080", cfg.ListenAddr)
	assert.Empty(t, cfg.EntityTypes)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_DefaultDeviceName(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "fieldsync"
	}

	assert.Equal(t, hostname, cfg.DeviceName)
}

func TestLoad_ParsesListsAndDurations(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("ENTITY_TYPES", "farm, field,,task")
	t.Setenv("SYNC_INTERVAL", "90s")
	t.Setenv("BACKOFF_MAX", "2m")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("MERGE_TYPES", "field")
	t.Setenv("MERGE_TEXT_FIELDS", "notes, description")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"field"}, cfg.MergeTypes)
	assert.Equal(t, []string{"notes", "description"}, cfg.MergeTextFields)

	assert.Equal(t, []string{"farm", "field", "task"}, cfg.EntityTypes)
	assert.Equal(t, 90*time.Second, cfg.SyncInterval)
	assert.Equal(t, 2*time.Minute, cfg.BackoffMax)
	assert.True(t, cfg.IsProduction())
}

func TestLoad_ResolvesRelativeStatePath(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("STATE_PATH", "relative/state.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, filepath.IsAbs(cfg.StatePath))
	assert.True(t, strings.HasSuffix(cfg.StatePath, filepath.Join("relative", "state.db")))
}

func TestLoad_DefaultStatePath(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	os.Unsetenv("STATE_PATH")

	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".fieldsync", "state.db"), cfg.StatePath)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"missing remote", map[string]string{"REMOTE_URL": ""}, "REMOTE_URL is required"},
		{"remote scheme", map[string]string{"REMOTE_URL": "ftp://sync.example.com"}, "REMOTE_URL must use"},
		{"bad entity type", map[string]string{"ENTITY_TYPES": "Farm Fields"}, "ENTITY_TYPES"},
		{"bad merge type", map[string]string{"MERGE_TYPES": "Field!"}, "MERGE_TYPES"},
		{"zero batch", map[string]string{"SYNC_BATCH_SIZE": "0"}, "SYNC_BATCH_SIZE"},
		{"backoff order", map[string]string{"BACKOFF_MIN": "10s", "BACKOFF_MAX": "1s"}, "BACKOFF_MAX"},
		{"notify retry order", map[string]string{"NOTIFY_RETRY_BASE": "1m", "NOTIFY_RETRY_MAX": "1s"}, "NOTIFY_RETRY_MAX"},
		{"webhook scheme", map[string]string{"NOTIFY_WEBHOOK_URL": "mailto:ops@example.com"}, "NOTIFY_WEBHOOK_URL"},
		{"api keys required", map[string]string{"API_KEYS": ""}, "API_KEYS is required"},
		{"bad api key", map[string]string{"API_KEYS": "alex:nope"}, "entry 1"},
		{"bad duration", map[string]string{"SYNC_INTERVAL": "soon"}, "parsing config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setMinimalEnv(t)

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_HTTPDisabledNeedsNoKeys(t *testing.T) {
	clearConfigEnv(t)
	setMinimalEnv(t)
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("API_KEYS", "")

	_, err := Load()
	assert.NoError(t, err)
}

func TestParseAPIKeys_Valid(t *testing.T) {
	other := "fs_" + strings.Repeat("ab", 16)
	cfg := &Config{APIKeys: "alex:" + testKey + ", sam:" + other}

	entries, err := cfg.ParseAPIKeys()
	require.NoError(t, err)
	assert.Equal(t, []APIKeyEntry{{UserID: "alex", Key: testKey}, {UserID: "sam", Key: other}}, entries)
}

func TestParseAPIKeys_Empty(t *testing.T) {
	entries, err := (&Config{}).ParseAPIKeys()
	require.NoError(t, err)
	assert.Nil(t, entries)
}

func TestParseAPIKeys_Errors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"missing colon", "alex" + testKey},
		{"empty user", ":" + testKey},
		{"wrong prefix", "alex:vs_0123456789abcdef0123456789abcdef"},
		{"too short", "alex:fs_abc"},
		{"non hex", "alex:fs_" + strings.Repeat("xy", 16)},
		{"duplicate user", "alex:" + testKey + ",alex:" + testKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := (&Config{APIKeys: tt.in}).ParseAPIKeys()
			assert.Error(t, err)
		})
	}
}
