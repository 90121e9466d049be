package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// AppendFile appends content to path, creating the file with perm if missing.
// Existing content is preserved.
func AppendFile(path string, content string, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// EnsureParentDir creates the parent directory of path with perm if missing.
func EnsureParentDir(path string, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, perm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return nil
}

// RemovePermissions clears the given permission bits on path, like chmod go-w.
func RemovePermissions(path string, bits os.FileMode) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.Chmod(path, info.Mode().Perm()&^bits)
}

func FormatPermissions(mode os.FileMode) string {
	permissions := []byte{'-', '-', '-', '-', '-', '-', '-', '-', '-', '-'}

	if mode.IsDir() {
		permissions[0] = 'd'
	}

	rwxBits := []os.FileMode{0400, 0200, 0100, 0040, 0020, 0010, 0004, 0002, 0001}
	rwxChars := []byte{'r', 'w', 'x'}

	for i, bit := range rwxBits {
		if mode&bit != 0 {
			permissions[i+1] = rwxChars[i%3]
		}
	}

	return string(permissions)
}
