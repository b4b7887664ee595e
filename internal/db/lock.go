package db

import (
	"fmt"
	"os"
	"syscall"
	"time"

	"gorm.io/gorm"
)

const lockRowID = 1

// ErrLockHeld is returned by AcquireLock when a live process already holds
// the single-instance lock.
var ErrLockHeld = fmt.Errorf("lock held by a running process")

// AcquireLock takes the singleton lock row under an exclusive transaction.
// If the row is absent, or refers to a (hostname, pid) that is not this
// host or not a living local process, it is replaced with the caller's own
// (hostname, pid, now). Otherwise ErrLockHeld is returned.
func (s *Store) AcquireLock() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("get hostname: %w", err)
	}
	pid := os.Getpid()

	return s.db.Transaction(func(tx *gorm.DB) error {
		var existing LockRecord
		err := tx.First(&existing, lockRowID).Error
		switch {
		case err == gorm.ErrRecordNotFound:
			// no lock yet, fall through to acquire
		case err != nil:
			return fmt.Errorf("read lock row: %w", err)
		default:
			if existing.Hostname == hostname && isProcessAlive(existing.PID) {
				return ErrLockHeld
			}
		}

		record := LockRecord{ID: lockRowID, Hostname: hostname, PID: pid, AcquiredAt: time.Now()}
		if err := tx.Save(&record).Error; err != nil {
			return fmt.Errorf("write lock row: %w", err)
		}
		return nil
	})
}

// ReleaseLock clears the lock row on graceful shutdown, but only if this
// process still holds it.
func (s *Store) ReleaseLock() error {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("get hostname: %w", err)
	}
	pid := os.Getpid()

	result := s.db.Where("id = ? AND hostname = ? AND pid = ?", lockRowID, hostname, pid).Delete(&LockRecord{})
	if result.Error != nil {
		return fmt.Errorf("release lock: %w", result.Error)
	}
	return nil
}

// isProcessAlive reports whether pid refers to a live local process, by
// sending the null signal (no actual delivery, just an existence check).
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
