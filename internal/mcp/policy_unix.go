//go:build !windows

package mcp

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// openPolicyFile refuses symlinks at open time so the later fstat checks
// describe the file actually read.
func openPolicyFile(path string) (*os.File, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	switch {
	case err == nil:
		return os.NewFile(uintptr(fd), path), nil
	case errors.Is(err, unix.ENOENT):
		return nil, ErrPolicyNotFound
	case errors.Is(err, unix.ELOOP):
		return nil, ErrPolicySymlink
	default:
		return nil, fmt.Errorf("mcp: failed to open policy %s: %w", path, err)
	}
}

// checkFileOwnership compares the owner with the current uid. os.FileInfo
// carries a syscall.Stat_t, not the x/sys one.
func checkFileOwnership(info os.FileInfo) error {
	if st, ok := info.Sys().(*syscall.Stat_t); ok && int(st.Uid) != os.Getuid() {
		return ErrPolicyNotOwnedByUser
	}
	return nil
}
