package util

import (
	"os"
)

// EnsureDir creates dir with owner-only permissions if it does not exist.
// Key material is written below these directories.
func EnsureDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o700)
	} else if err != nil {
		return err
	}
	return nil
}
