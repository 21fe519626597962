//go:build !windows

package keystore

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openKeyFile opens the key file with O_NOFOLLOW to reject symlinks
func openKeyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyAbsent
		}
		if errors.Is(err, syscall.ELOOP) {
			return nil, ErrKeySymlink
		}
		return nil, fmt.Errorf("keystore: failed to open key file: %w", err)
	}
	return f, nil
}

// checkFileOwnership verifies the file is owned by the current user
func checkFileOwnership(info os.FileInfo) error {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if ok {
		if stat.Uid != uint32(os.Getuid()) {
			return ErrKeyNotOwnedByUser
		}
	}
	return nil
}
