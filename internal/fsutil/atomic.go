// Package fsutil holds the temp-then-rename helpers every output writer uses so
// concurrent existence checks never observe a partially written file.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempSibling returns a hidden temp path next to final that keeps final's extension.
func TempSibling(final string) string {
	dir, base := filepath.Split(final)
	return filepath.Join(dir, ".tmp-"+uuid.NewString()[:8]+"-"+base)
}

// Exists reports whether path exists (as anything).
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Commit renames each temp path onto its final path, in order. The caller orders
// the pairs so the file that existence checks look for lands last.
func Commit(pairs ...[2]string) error {
	for _, p := range pairs {
		if err := os.Rename(p[0], p[1]); err != nil {
			return fmt.Errorf("failed to commit %s: %w", p[1], err)
		}
	}
	return nil
}

// Discard removes leftover temp files, ignoring errors.
func Discard(paths ...string) {
	for _, p := range paths {
		_ = os.Remove(p)
	}
}

// WriteFile writes data to path through a temp sibling and an atomic rename.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := TempSibling(path)
	if err := os.WriteFile(tmp, data, perm); err != nil {
		Discard(tmp)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := Commit([2]string{tmp, path}); err != nil {
		Discard(tmp)
		return err
	}
	return nil
}
