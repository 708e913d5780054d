//go:build unix

package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

var syncFile = (*os.File).Sync

func lockFile(path string, h Holder) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		defer f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, &HeldError{Holder: readHolder(f)}
		}
		return nil, fmt.Errorf("failed to lock %s: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		_ = unlockFile(f)
		return nil, fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = unlockFile(f)
		return nil, fmt.Errorf("failed to seek lock file: %w", err)
	}
	if err := json.NewEncoder(f).Encode(h); err != nil {
		_ = unlockFile(f)
		return nil, fmt.Errorf("failed to write lock holder: %w", err)
	}
	if err := syncFile(f); err != nil {
		_ = unlockFile(f)
		return nil, fmt.Errorf("failed to sync lock file: %w", err)
	}
	return f, nil
}

func unlockFile(f *os.File) error {
	defer f.Close()
	_ = f.Truncate(0)
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

func probeFile(path string) (Holder, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Holder{}, false, nil
		}
		return Holder{}, false, err
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_SH|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return readHolder(f), true, nil
		}
		return Holder{}, false, err
	}
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return Holder{}, false, nil
}

func readHolder(f *os.File) Holder {
	var h Holder
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return Holder{ID: "unknown"}
	}
	if err := json.NewDecoder(f).Decode(&h); err != nil {
		return Holder{ID: "unknown"}
	}
	return h
}
