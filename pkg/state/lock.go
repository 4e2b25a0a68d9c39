package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

// ErrLocked is returned when another run holds the lock.
var ErrLocked = errors.New("another envforge run is in progress")

// LockRetryDelay is how often a blocked Acquire retries.
const LockRetryDelay = 200 * time.Millisecond

// RunLock serializes provisioning runs on one machine.
type RunLock struct {
	lock *flock.Flock
}

// DefaultLockPath returns the lock file location for appName.
func DefaultLockPath(appName string) string {
	return filepath.Join(xdg.StateHome, appName, "run.lock")
}

// NewRunLock creates a lock backed by the file at path.
func NewRunLock(path string) *RunLock {
	return &RunLock{lock: flock.New(path)}
}

// Acquire blocks until the lock is held or ctx ends. A ctx that ends first
// yields ErrLocked.
func (l *RunLock) Acquire(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(l.lock.Path()), 0o700); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.lock.TryLockContext(ctx, LockRetryDelay)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%w (lock %s)", ErrLocked, l.lock.Path())
		}
		return fmt.Errorf("failed to lock %s: %w", l.lock.Path(), err)
	}
	if !ok {
		return fmt.Errorf("%w (lock %s)", ErrLocked, l.lock.Path())
	}
	return nil
}

// Release drops the lock.
func (l *RunLock) Release() error {
	return l.lock.Unlock()
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}
