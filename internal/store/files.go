package store

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
)

// RemoveFiles deletes the given files and returns how many were removed.
// Files that are already gone are skipped silently.
func RemoveFiles(paths []string) int {
	removed := 0
	for _, p := range paths {
		err := os.Remove(p)
		switch {
		case err == nil:
			removed++
		case errors.Is(err, fs.ErrNotExist):
		default:
			slog.Warn("failed to remove file", "path", p, "error", err)
		}
	}
	return removed
}
