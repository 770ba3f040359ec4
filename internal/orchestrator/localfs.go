package orchestrator

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rybkr/vaultsync/internal/hashutil"
	"github.com/rybkr/vaultsync/internal/pathfilter"
	"github.com/rybkr/vaultsync/internal/reconciler"
)

// LocalFS is the on-disk implementation of Filesystem, rooted at one
// vault directory. Writes go through a temp-file-then-rename so a crash
// mid-write never leaves a half-written vault file.
type LocalFS struct {
	Root   string
	Filter *pathfilter.Filter
}

// NewLocalFS returns a LocalFS rooted at root. filter may be nil, in
// which case List walks every regular file under root.
func NewLocalFS(root string, filter *pathfilter.Filter) *LocalFS {
	return &LocalFS{Root: root, Filter: filter}
}

func (l *LocalFS) abs(path string) string {
	return filepath.Join(l.Root, filepath.FromSlash(path))
}

// ReadFile reads a vault-relative path's full content.
func (l *LocalFS) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(l.abs(path))
	if err != nil {
		return nil, fmt.Errorf("localfs: reading %s: %w", path, err)
	}
	return data, nil
}

// WriteFileAtomic writes data to path via a temp-file-then-rename, then
// sets mtime, creating any parent directories the path needs.
func (l *LocalFS) WriteFileAtomic(path string, data []byte, mtime time.Time) error {
	full := l.abs(path)
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("localfs: creating parent dirs for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".vaultsync-*")
	if err != nil {
		return fmt.Errorf("localfs: creating temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("localfs: writing %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("localfs: syncing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("localfs: closing temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, full); err != nil {
		cleanup()
		return fmt.Errorf("localfs: renaming into place for %s: %w", path, err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(full, mtime, mtime); err != nil {
			return fmt.Errorf("localfs: setting mtime for %s: %w", path, err)
		}
	}
	return nil
}

// Remove deletes path. A missing file is not an error.
func (l *LocalFS) Remove(path string) error {
	if err := os.Remove(l.abs(path)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("localfs: removing %s: %w", path, err)
	}
	return nil
}

// Rename moves oldPath to newPath within the vault, creating newPath's
// parent directories as needed.
func (l *LocalFS) Rename(oldPath, newPath string) error {
	full := l.abs(newPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("localfs: creating parent dirs for %s: %w", newPath, err)
	}
	if err := os.Rename(l.abs(oldPath), full); err != nil {
		return fmt.Errorf("localfs: renaming %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

// List walks the whole vault tree, skipping filtered paths and the
// synchronizer's own reserved directories, and hashes every regular file
// it finds.
func (l *LocalFS) List(ctx context.Context) (map[string]reconciler.LocalFile, error) {
	out := make(map[string]reconciler.LocalFile)

	err := filepath.WalkDir(l.Root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, relErr := filepath.Rel(l.Root, full)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if l.Filter != nil && l.Filter.ShouldIgnore(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}
		if l.Filter != nil && l.Filter.ShouldIgnore(rel) {
			return nil
		}

		info, statErr := d.Info()
		if statErr != nil {
			return statErr
		}
		data, readErr := os.ReadFile(full)
		if readErr != nil {
			return readErr
		}
		out[rel] = reconciler.LocalFile{
			Path:  rel,
			Size:  info.Size(),
			MTime: info.ModTime(),
			Hash:  hashutil.Bytes(data),
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("localfs: walking vault tree: %w", err)
	}
	return out, nil
}
