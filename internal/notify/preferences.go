package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alexjbarnes/fieldsync/internal/models"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const (
	// reloadDebounceInterval is how often the watcher checks whether the
	// preference file has settled after a burst of writes.
	reloadDebounceInterval = 500 * time.Millisecond

	// reloadQuietPeriod is how long the file must go unmodified before it
	// is re-read. Editors often write in several steps.
	reloadQuietPeriod = 300 * time.Millisecond
)

type preferenceFile struct {
	Preferences []models.NotificationPreference `yaml:"preferences"`
}

type prefKey struct {
	user     string
	category string
}

// FilePreferences serves preferences from a YAML file and reloads it
// when it changes on disk:
//
//	preferences:
//	  - user_id: u-1
//	    category: sync_failed
//	    enabled: true
//	    quiet_hours_start: "22:00"
//	    quiet_hours_end: "07:00"
//	    timezone: Europe/London
type FilePreferences struct {
	path   string
	logger *slog.Logger

	mu    sync.RWMutex
	prefs map[prefKey]models.NotificationPreference
}

// LoadPreferences reads path. A missing file yields an empty set so the
// file can be created later and picked up by Watch.
func LoadPreferences(path string, logger *slog.Logger) (*FilePreferences, error) {
	fp := &FilePreferences{
		path:   path,
		logger: logger,
		prefs:  make(map[prefKey]models.NotificationPreference),
	}

	if err := fp.Reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return fp, nil
}

// Preference implements PreferenceStore.
func (fp *FilePreferences) Preference(userID, category string) (*models.NotificationPreference, error) {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	p, ok := fp.prefs[prefKey{userID, category}]
	if !ok {
		return nil, nil
	}

	return &p, nil
}

// Len returns the number of loaded preferences.
func (fp *FilePreferences) Len() int {
	fp.mu.RLock()
	defer fp.mu.RUnlock()

	return len(fp.prefs)
}

// Reload re-reads the file. On any error the previous set stays in
// effect.
func (fp *FilePreferences) Reload() error {
	data, err := os.ReadFile(fp.path)
	if err != nil {
		return err
	}

	var doc preferenceFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing %s: %w", fp.path, err)
	}

	next := make(map[prefKey]models.NotificationPreference, len(doc.Preferences))

	for i, p := range doc.Preferences {
		if err := ValidatePreference(p); err != nil {
			return fmt.Errorf("%s: preference %d: %w", fp.path, i, err)
		}

		next[prefKey{p.UserID, p.Category}] = p
	}

	fp.mu.Lock()
	fp.prefs = next
	fp.mu.Unlock()

	return nil
}

// Watch reloads the file whenever it changes. The parent directory is
// watched rather than the file so that editors which replace the file
// on save are followed. It blocks until ctx is cancelled.
func (fp *FilePreferences) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(fp.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}

	fp.logger.Info("preference watcher started", slog.String("path", fp.path))

	target := filepath.Clean(fp.path)

	var changedAt time.Time

	ticker := time.NewTicker(reloadDebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}

			if filepath.Clean(event.Name) != target {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				changedAt = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}

			fp.logger.Warn("watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			if changedAt.IsZero() || time.Since(changedAt) < reloadQuietPeriod {
				continue
			}

			changedAt = time.Time{}

			if err := fp.Reload(); err != nil {
				fp.logger.Warn("preference reload failed, keeping previous set",
					slog.String("error", err.Error()),
				)

				continue
			}

			fp.logger.Info("preferences reloaded", slog.Int("count", fp.Len()))
		}
	}
}
