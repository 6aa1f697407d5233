package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

var ErrNotFound = errors.New("not found in cache")

// Locator finds a file by name somewhere below a cache root.
type Locator interface {
	Locate(ctx context.Context, root, filename string) (string, error)
}

// WalkLocator walks the whole tree on every lookup.
type WalkLocator struct{}

var _ Locator = WalkLocator{}

func (WalkLocator) Locate(ctx context.Context, root, filename string) (string, error) {
	var found string
	err := walkRoot(ctx, root, func(p string, d fs.DirEntry) error {
		if d.Name() == filename {
			found = p
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", ErrNotFound
	}
	return found, nil
}

// walkRoot calls fn for every regular file below root. Unreadable
// subdirectories are skipped. A missing root, or one that is not a
// directory, is ErrNotFound.
func walkRoot(ctx context.Context, root string, fn func(string, fs.DirEntry) error) error {
	if root == "" {
		return ErrNotFound
	}
	stat, err := os.Stat(root)
	if err != nil || !stat.IsDir() {
		return ErrNotFound
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return fn(p, d)
	})
}
