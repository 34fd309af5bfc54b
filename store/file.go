package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andig/mijnted/mijnted"
	"github.com/gofrs/flock"
)

const lockTimeout = 5 * time.Second

// File stores credentials as JSON file, guarded by a lock file.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (s *File) Load(ctx context.Context) (mijnted.Credentials, error) {
	var creds mijnted.Credentials

	unlock, err := s.lock(ctx)
	if err != nil {
		return creds, err
	}
	defer unlock()

	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return creds, ErrNotFound
	}
	if err != nil {
		return creds, err
	}

	if err := json.Unmarshal(b, &creds); err != nil {
		return creds, fmt.Errorf("invalid token file %s: %w", s.path, err)
	}

	return creds, nil
}

func (s *File) Save(ctx context.Context, creds mijnted.Credentials) error {
	b, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return err
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	// write to a temp file first, a reader must never see a partial token
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}

	return os.Rename(tmp, s.path)
}

func (s *File) lock(ctx context.Context) (func(), error) {
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}

	fileLock := flock.New(s.path + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to acquire lock: timeout after %v", lockTimeout)
	}

	return func() { _ = fileLock.Unlock() }, nil
}
