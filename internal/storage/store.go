// Package storage persists the committed layers of a serving host, so that a
// restarted server resumes from where it stopped.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeycumines/openoverlay/internal/layer"
)

// CurrentVersion is the snapshot schema version written by Save.
const CurrentVersion = 1

// ErrLocked is returned by Open when another process holds the store.
var ErrLocked = errors.New("state file is locked by another process")

// Snapshot is the persisted form of one commit.
type Snapshot struct {
	Version   int           `json:"version"`
	SessionID int64         `json:"sessionId"`
	Seq       int64         `json:"seq"`
	SavedAt   time.Time     `json:"savedAt"`
	Layers    []layer.Layer `json:"layers"`
}

// Store is a single JSON state file, held under an exclusive lock for as
// long as the store is open.
type Store struct {
	path string
	lock *os.File
}

// Open acquires the lock beside path, creating its directory if needed.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("state file path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	lock, err := acquireFileLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	return &Store{path: path, lock: lock}, nil
}

// Path returns the state file path.
func (s *Store) Path() string { return s.path }

// Load reads the last saved snapshot. It returns (nil, nil) when nothing has
// been saved yet.
func (s *Store) Load() (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state file %s: %w", s.path, err)
	}
	if snap.Version > CurrentVersion {
		return nil, fmt.Errorf("state file %s has version %d, newer than supported version %d", s.path, snap.Version, CurrentVersion)
	}
	if err := layer.Validate(snap.Layers); err != nil {
		return nil, fmt.Errorf("state file %s: %w", s.path, err)
	}
	return &snap, nil
}

// Save atomically replaces the state file with snap.
func (s *Store) Save(snap Snapshot) error {
	snap.Version = CurrentVersion
	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now()
	}
	if snap.Layers == nil {
		snap.Layers = []layer.Layer{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := AtomicWriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// Close releases the lock. The state file is kept.
func (s *Store) Close() error {
	lock := s.lock
	s.lock = nil
	return releaseFileLock(lock)
}
