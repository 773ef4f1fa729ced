// Package fsutil holds path helpers shared by the models directory code.
package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PartialSuffix marks a download that has not been verified and renamed yet.
const PartialSuffix = ".part"

// ExpandHome expands a leading "~" or "~/" to the user's home directory.
// "~user" forms are returned unchanged.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path[1:], "/")), nil
}

// IsScratch reports whether a directory entry is bookkeeping rather than a
// model: dotfiles (the JSON index, badger dirs) and partial downloads.
func IsScratch(name string) bool {
	base := filepath.Base(name)
	return strings.HasPrefix(base, ".") || strings.HasSuffix(base, PartialSuffix)
}

// PartialPath is where a download of final is staged.
func PartialPath(final string) string { return final + PartialSuffix }

// RegularSize returns the size of path if it is a regular file.
func RegularSize(path string) (int64, bool) {
	fi, err := os.Stat(path)
	if err != nil || !fi.Mode().IsRegular() {
		return 0, false
	}
	return fi.Size(), true
}
