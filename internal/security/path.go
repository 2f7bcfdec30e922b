package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidateFilePath rejects empty paths, embedded NUL bytes and paths that
// climb out of their directory with "..".
func ValidateFilePath(path string) error {
	if path == "" {
		return fmt.Errorf("file path cannot be empty")
	}

	if strings.ContainsRune(path, '\x00') {
		return fmt.Errorf("file path contains NUL byte")
	}

	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path contains directory traversal: %s", path)
		}
	}

	return nil
}
