//go:build windows

package keystore

import (
	"fmt"
	"os"
)

// openKeyFile opens the key file, rejecting reparse points via Lstat.
func openKeyFile(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyAbsent
		}
		return nil, fmt.Errorf("keystore: failed to stat key file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrKeySymlink
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: failed to open key file: %w", err)
	}
	return f, nil
}

// checkFileOwnership is enforced by ACLs on Windows.
func checkFileOwnership(info os.FileInfo) error {
	return nil
}
