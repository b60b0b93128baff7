package files

import (
	"os"
	"path/filepath"
)

// FindUpDir walks up from dir looking for a directory that contains a
// subdirectory with the given name, and returns the containing directory.
// Returns "" if the filesystem root is reached without a match.
func FindUpDir(name, dir string) string {
	curDir := dir
	for {
		info, err := os.Stat(filepath.Join(curDir, name))
		if err == nil && info.IsDir() {
			return curDir
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
