package state

import (
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Discover returns the state files found anywhere under root, sorted by path.
func Discover(root string) ([]string, error) {
	matches, err := doublestar.Glob(os.DirFS(root), "**/*"+FileSuffix, doublestar.WithNoFollow(), doublestar.WithFilesOnly())
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(matches))
	for _, match := range matches {
		paths = append(paths, filepath.Join(root, filepath.FromSlash(match)))
	}
	sort.Strings(paths)

	return paths, nil
}
