package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func EnsureDir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", path, err)
	}
	return nil
}

// SafeJoin joins only the base name of name onto root, dropping any directory
// components supplied by a client.
func SafeJoin(root, name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." {
		base = "upload"
	}
	return filepath.Join(root, base)
}
