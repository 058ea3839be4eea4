package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDir returns the on-disk directory a DB opens its bbolt file and
// manifest under.
func DataDir(root string) string {
	return filepath.Join(root, "cubes")
}

func ensureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}
