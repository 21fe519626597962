//go:build linux || darwin || freebsd || openbsd || netbsd

package crypto

import "golang.org/x/sys/unix"

// LockMemory locks the pages backing b so key material is not swapped to disk.
// Best-effort: failure is ignored (the process may lack CAP_IPC_LOCK).
func LockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Mlock(b)
}

// UnlockMemory releases a lock taken by LockMemory.
func UnlockMemory(b []byte) {
	if len(b) == 0 {
		return
	}
	_ = unix.Munlock(b)
}
