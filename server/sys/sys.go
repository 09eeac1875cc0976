package sys

import (
	"io/fs"
	"path/filepath"

	"github.com/mediagrab/mediagrab/server/config"

	"golang.org/x/sys/unix"
)

// FreeSpace returns the available bytes on the filesystem holding the
// library storage root.
func FreeSpace() (uint64, error) {
	var stat unix.Statfs_t

	if err := unix.Statfs(config.Instance().Paths.LibraryPath, &stat); err != nil {
		return 0, err
	}

	return stat.Bavail * uint64(stat.Bsize), nil
}

// DirectoryTree returns a flattened listing of the library storage root.
func DirectoryTree() ([]string, error) {
	var tree []string

	root := config.Instance().Paths.LibraryPath

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			tree = append(tree, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return tree, nil
}
