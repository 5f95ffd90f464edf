package synapsedb

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// writerLock is the open lock-file handle held for the lifetime of a write-
// mode Store. Grounded on pkg/slotcache/writer_lock.go's acquireWriterLock:
// an advisory, non-blocking flock on a dedicated "<db>.lock" file, held by
// file descriptor for as long as the process keeps the file open.
type writerLock struct {
	file *os.File
}

// acquireWriterLock takes the exclusive, non-blocking advisory lock on
// dbPath+".lock", creating the lock file if it does not exist. The lock
// file itself is never removed — only its flock state matters, exactly as
// the teacher's slotcache writer lock does, so that a reader can always
// stat/open it without racing a concurrent unlink.
func acquireWriterLock(dbPath string) (*writerLock, error) {
	lockPath := dbPath + ".lock"

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("synapsedb: open lock file: %w", err)
	}

	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, ErrLockHeld
		}

		return nil, fmt.Errorf("synapsedb: flock %q: %w", lockPath, err)
	}

	return &writerLock{file: lockFile}, nil
}

// release unlocks and closes the lock file handle. Safe to call on a nil
// *writerLock.
func (l *writerLock) release() error {
	if l == nil {
		return nil
	}

	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return fmt.Errorf("synapsedb: unlock: %w", err)
	}

	return l.file.Close()
}
