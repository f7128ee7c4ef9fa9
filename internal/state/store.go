package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrStateDirLocked indicates another process holds the state directory.
var ErrStateDirLocked = errors.New("state directory locked by another process")

// Store persists stage states as JSON checkpoint files in a single
// directory. The directory is guarded by a file lock so two concurrent
// pipeline runs cannot interleave writes to the same checkpoints.
type Store struct {
	dir    string
	lock   *flock.Flock
	logger *slog.Logger
}

// NewStore creates the state directory if needed and acquires its lock.
// Callers must Close the store to release the lock.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, "state.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking state directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrStateDirLocked, dir)
	}

	return &Store{dir: dir, lock: lock, logger: logger}, nil
}

// Close releases the state directory lock.
func (s *Store) Close() error {
	return s.lock.Unlock()
}

// Load reads the checkpoint for a stage. A missing or unreadable file
// yields a fresh empty state rather than an error: "no checkpoint" means
// "start from scratch".
func (s *Store) Load(stage Stage) *State {
	data, err := os.ReadFile(s.path(stage))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("unreadable checkpoint, starting fresh",
				"stage", stage, "error", err)
		}
		return New()
	}

	st := New()
	if err := json.Unmarshal(data, st); err != nil {
		s.logger.Warn("corrupt checkpoint, starting fresh",
			"stage", stage, "error", err)
		return New()
	}

	s.logger.Debug("checkpoint loaded",
		"stage", stage,
		"discovered", st.DiscoveredCount(),
		"completed", st.CompletedCount(),
		"failed", st.FailedCount(),
	)
	return st
}

// Save writes the checkpoint for a stage atomically: the JSON is written
// to a temp file in the same directory, fsynced, then renamed over the
// previous checkpoint. A crash mid-save never leaves a partial file
// visible to Load.
func (s *Store) Save(stage Stage, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s state: %w", stage, err)
	}

	target := s.path(stage)
	tmp, err := os.CreateTemp(s.dir, string(stage)+"_state_*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("syncing temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing checkpoint: %w", err)
	}

	s.logger.Debug("checkpoint saved", "stage", stage, "path", target)
	return nil
}

// Reset deletes a stage's checkpoint so its next run starts from scratch.
// A missing checkpoint is not an error.
func (s *Store) Reset(stage Stage) error {
	err := os.Remove(s.path(stage))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("resetting %s state: %w", stage, err)
	}
	if err == nil {
		s.logger.Info("checkpoint reset", "stage", stage)
	}
	return nil
}

func (s *Store) path(stage Stage) string {
	return filepath.Join(s.dir, string(stage)+"_state.json")
}
