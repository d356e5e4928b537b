package index

import (
	"fmt"
	"os"
)

// Lock is an advisory file lock for serializing cross-process writers to the
// index, the same role the flock on events.jsonl (files.go in package
// runicorn) plays for the run writer. SetMaxOpenConns(1) in New only
// serializes writers within this process. New does not acquire a Lock, and
// nothing else in this module calls AcquireLock.
type Lock struct {
	file *os.File
}

// AcquireLock opens (creating if necessary) the lock file at path and takes
// an exclusive, non-blocking advisory lock on it. Callers must Release it
// when done, typically via defer right after a successful acquire.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("index: open lock file %q: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("index: another process holds %q: %w", path, err)
	}
	return &Lock{file: f}, nil
}

// Release unlocks and closes the underlying lock file.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	err := unlockFile(l.file)
	if cerr := l.file.Close(); err == nil {
		err = cerr
	}
	l.file = nil
	return err
}
