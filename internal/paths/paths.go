// Package paths expands sync patterns into the concrete files that exist
// beneath a root directory.
package paths

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Resolver expands patterns relative to Root. Results are not cached.
type Resolver struct {
	Root string
}

// NewResolver creates a resolver rooted at root
func NewResolver(root string) *Resolver {
	return &Resolver{Root: root}
}

// ListSyncableFiles returns absolute paths of the regular files selected by
// patterns. A pattern ending in "/" selects every regular file beneath that
// directory; any other pattern selects a single regular file. Missing
// entries contribute nothing. Results follow pattern order, then lexical
// walk order.
func (r *Resolver) ListSyncableFiles(patterns []string) ([]string, error) {
	var files []string

	for _, pattern := range patterns {
		target := filepath.Join(r.Root, filepath.FromSlash(pattern))

		if !strings.HasSuffix(pattern, "/") {
			info, err := os.Stat(target)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, err
			}
			if info.Mode().IsRegular() {
				files = append(files, target)
			}
			continue
		}

		info, err := os.Stat(target)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if !info.IsDir() {
			continue
		}

		found, err := ListAllFiles(target, nil)
		if err != nil {
			return nil, err
		}
		files = append(files, found...)
	}

	return files, nil
}

// Relative returns the slash-separated path of abs relative to Root.
func (r *Resolver) Relative(abs string) (string, error) {
	return RelativePath(r.Root, abs)
}

// RelativePath returns the slash-separated relative path from baseDir to target
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

// ListAllFiles finds every regular file beneath dir in lexical order.
// When skip is non-nil it is called with each slash-separated relative path;
// returning true drops a file or prunes a directory.
func ListAllFiles(dir string, skip func(rel string, isDir bool) bool) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}

		if skip != nil {
			rel, relErr := RelativePath(dir, path)
			if relErr != nil {
				return relErr
			}
			if skip(rel, d.IsDir()) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return files, nil
}
