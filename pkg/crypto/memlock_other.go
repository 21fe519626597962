//go:build !linux && !darwin && !freebsd && !openbsd && !netbsd

package crypto

// LockMemory is a no-op on platforms without mlock.
func LockMemory(b []byte) {}

// UnlockMemory is a no-op on platforms without mlock.
func UnlockMemory(b []byte) {}
