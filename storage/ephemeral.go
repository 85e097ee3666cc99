package storage

import (
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// EphemeralStorage hands out temp directories and sweeps them at teardown.
// Creation failures propagate; removal is best-effort because teardown must
// proceed regardless of cleanup success.
type EphemeralStorage struct {
	logger hclog.Logger

	mu   sync.Mutex
	dirs []string
}

func NewEphemeralStorage(logger hclog.Logger) *EphemeralStorage {
	return &EphemeralStorage{logger: logger}
}

// TempDir creates and tracks a fresh directory under the OS temp root.
func (s *EphemeralStorage) TempDir(pattern string) (string, error) {
	dir, err := os.MkdirTemp("", pattern)
	if err != nil {
		return "", fmt.Errorf("could not create temp dir %q: %w", pattern, err)
	}
	s.mu.Lock()
	s.dirs = append(s.dirs, dir)
	s.mu.Unlock()
	s.logger.Debug("created temp dir", "path", dir)
	return dir, nil
}

// Remove deletes one tracked directory recursively. Failures are logged and
// swallowed.
func (s *EphemeralStorage) Remove(path string) {
	s.mu.Lock()
	i := slices.Index(s.dirs, path)
	if i >= 0 {
		s.dirs = slices.Delete(s.dirs, i, i+1)
	}
	s.mu.Unlock()
	if i < 0 {
		s.logger.Warn("asked to remove an untracked dir, skipping", "path", path)
		return
	}
	if err := os.RemoveAll(path); err != nil {
		s.logger.Error("could not remove temp dir", "path", path, "error", err)
		return
	}
	s.logger.Debug("removed temp dir", "path", path)
}

// RemoveAll deletes every tracked directory. Safe to call repeatedly.
func (s *EphemeralStorage) RemoveAll() {
	s.mu.Lock()
	dirs := s.dirs
	s.dirs = nil
	s.mu.Unlock()
	for _, dir := range dirs {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Error("could not remove temp dir", "path", dir, "error", err)
			continue
		}
		s.logger.Debug("removed temp dir", "path", dir)
	}
}

// Tracked returns the directories handed out and not yet removed.
func (s *EphemeralStorage) Tracked() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.dirs)
}
