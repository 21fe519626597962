//go:build windows

package config

import (
	"fmt"
	"os"
)

func openConfigFile(path string) (*os.File, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, ErrConfigSymlink
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to open file: %w", err)
	}
	return f, nil
}

// checkFileOwnership is enforced by ACLs on Windows.
func checkFileOwnership(info os.FileInfo) error {
	return nil
}
