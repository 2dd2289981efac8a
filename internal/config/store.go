package config

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mizuki/agentrelay/internal/observability"
	"github.com/rs/zerolog/log"
)

// ChangeDetector reports the modification time of the configuration source.
// The file-backed implementation is the production default; tests inject
// synthetic timestamps.
type ChangeDetector interface {
	ModTime() (time.Time, error)
}

// FileChangeDetector stats the configuration file on disk.
type FileChangeDetector struct {
	Path string
}

// ModTime implements ChangeDetector.
func (d FileChangeDetector) ModTime() (time.Time, error) {
	info, err := os.Stat(d.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, fmt.Errorf("%w: %s", ErrConfigMissing, d.Path)
		}
		return time.Time{}, fmt.Errorf("failed to stat config file: %w", err)
	}
	return info.ModTime(), nil
}

// Store owns the active configuration snapshot. EnsureLatest serializes
// reload attempts under a mutex; Snapshot is a lock-free atomic read, so
// in-flight requests keep the snapshot they started with.
type Store struct {
	path     string
	detector ChangeDetector

	reloadMu sync.Mutex
	snap     atomic.Pointer[Snapshot]
}

// NewStore creates a store backed by the given configuration file.
func NewStore(path string) *Store {
	return NewStoreWithDetector(path, FileChangeDetector{Path: path})
}

// NewStoreWithDetector creates a store with a custom change detector.
func NewStoreWithDetector(path string, detector ChangeDetector) *Store {
	observability.EnsureRegistered()
	return &Store{
		path:     path,
		detector: detector,
	}
}

// EnsureLatest reloads the configuration if the source changed since the
// active snapshot was built. Concurrent callers serialize on the reload
// mutex: exactly one reload runs per change, the rest observe its result.
// A failed reload leaves the previous snapshot untouched.
func (s *Store) EnsureLatest() error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	modTime, err := s.detector.ModTime()
	if err != nil {
		log.Error().Err(err).Str("path", s.path).Msg("Config source unavailable")
		return err
	}

	current := s.snap.Load()
	if current != nil && !modTime.After(current.ModTime) {
		return nil
	}

	log.Info().Str("path", s.path).Msg("Reloading configuration")

	// Build the new snapshot fully off to the side; swap only on success.
	snap, err := loadSnapshot(s.path, modTime)
	if err != nil {
		observability.RecordConfigReload(false)
		log.Error().Err(err).Str("path", s.path).Msg("Configuration reload failed")
		return err
	}

	s.snap.Store(snap)
	observability.RecordConfigReload(true)
	log.Info().
		Int("agents", len(snap.Agents)).
		Time("mod_time", modTime).
		Msg("Configuration reloaded")

	return nil
}

// Snapshot returns the active snapshot, or nil before the first successful
// EnsureLatest.
func (s *Store) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Path returns the configuration file path backing this store.
func (s *Store) Path() string {
	return s.path
}
