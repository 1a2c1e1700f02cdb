// Package local enumerates the files present on the device filesystem.
package local

import (
	"fmt"
	"sort"

	"github.com/go-git/go-billy/v5"

	"github.com/schaermu/ugit/internal/paths"
)

// List walks fs from root and returns the normalized path of every file
// below it. Directories are descended into but never returned. A directory
// that cannot be read aborts the walk, since a partial inventory would let
// the caller delete files it never saw.
func List(fs billy.Filesystem, root string) ([]string, error) {
	var files []string
	if err := walk(fs, paths.NormalizeAs(root, true), &files); err != nil {
		return nil, err
	}
	return files, nil
}

func walk(fs billy.Filesystem, dir string, files *[]string) error {
	entries, err := fs.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list directory %s: %w", dir, err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			if err := walk(fs, paths.NormalizeAs(dir+entry.Name(), true), files); err != nil {
				return err
			}
			continue
		}
		*files = append(*files, paths.NormalizeAs(dir+entry.Name(), false))
	}

	return nil
}
