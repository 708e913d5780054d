//go:build !unix

package lock

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("file-backed deployment lock is only supported on unix")

func lockFile(string, Holder) (*os.File, error) { return nil, errUnsupported }

func unlockFile(f *os.File) error { return f.Close() }

func probeFile(string) (Holder, bool, error) { return Holder{}, false, errUnsupported }
