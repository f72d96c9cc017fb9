//go:build windows

package config

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Lock acquires an exclusive lock, blocking until it is available.
func (l *FileLock) Lock() error {
	return l.lock(windows.LOCKFILE_EXCLUSIVE_LOCK)
}

// RLock acquires a shared lock. Multiple processes may hold it at once.
func (l *FileLock) RLock() error {
	return l.lock(0)
}

func (l *FileLock) lock(flags uint32) error {
	if l.file != nil {
		return fmt.Errorf("lock already held")
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open lock file: %w", err)
	}

	// Lock the whole file; LockFileEx requires an explicit byte range.
	ol := new(windows.Overlapped)
	err = windows.LockFileEx(
		windows.Handle(f.Fd()),
		flags,
		0,
		^uint32(0),
		^uint32(0),
		ol,
	)
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to acquire lock: %w", err)
	}

	l.file = f
	return nil
}

// Unlock releases the lock. Unlocking an unlocked FileLock is a no-op.
func (l *FileLock) Unlock() error {
	if l.file == nil {
		return nil
	}

	ol := new(windows.Overlapped)
	err := windows.UnlockFileEx(
		windows.Handle(l.file.Fd()),
		0,
		^uint32(0),
		^uint32(0),
		ol,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close lock file: %w", err)
	}
	l.file = nil
	return nil
}
