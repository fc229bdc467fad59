// Package localstore stores cache archives in a directory.
package localstore

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"github.com/simplesurance/stewardaction/internal/fsutils"
)

const archiveSuffix = ".tar"

// Store keeps every cache entry as file <dir>/<key>.tar.
type Store struct {
	fs  billy.Filesystem
	dir string
}

func New(fsys billy.Filesystem, dir string) *Store {
	return &Store{fs: fsys, dir: dir}
}

func (s *Store) path(key string) string {
	return path.Join(s.dir, key+archiveSuffix)
}

func (s *Store) Exists(_ context.Context, key string) (bool, error) {
	return fsutils.Exists(s.fs, s.path(key))
}

func (s *Store) FindLatest(_ context.Context, prefix string) (string, error) {
	var latestKey string
	var latestMtime time.Time

	exists, err := fsutils.Exists(s.fs, s.dir)
	if err != nil || !exists {
		return "", err
	}

	err = util.Walk(s.fs, s.dir, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if !info.Mode().IsRegular() || !strings.HasSuffix(p, archiveSuffix) {
			return nil
		}

		key := strings.TrimSuffix(strings.TrimPrefix(p, s.dir+"/"), archiveSuffix)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		mtime := info.ModTime()
		if latestKey == "" || mtime.After(latestMtime) || (mtime.Equal(latestMtime) && key > latestKey) {
			latestKey = key
			latestMtime = mtime
		}

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("listing %s failed: %w", s.dir, err)
	}

	return latestKey, nil
}

func (s *Store) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return s.fs.Open(s.path(key))
}

// Put writes the entry to a temporary file and renames it to its final
// name, partially written entries are never visible.
func (s *Store) Put(_ context.Context, key string, r io.Reader, size int64) error {
	dest := s.path(key)

	if err := s.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
		return err
	}

	f, err := util.TempFile(s.fs, path.Dir(dest), ".incomplete-")
	if err != nil {
		return err
	}

	n, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		_ = s.fs.Remove(f.Name())
		return err
	}

	if err := f.Close(); err != nil {
		_ = s.fs.Remove(f.Name())
		return err
	}

	if n != size {
		_ = s.fs.Remove(f.Name())
		return fmt.Errorf("wrote %d bytes, expected %d", n, size)
	}

	if err := s.fs.Rename(f.Name(), dest); err != nil {
		_ = s.fs.Remove(f.Name())
		return fmt.Errorf("renaming %s to %s failed: %w", f.Name(), dest, err)
	}

	return nil
}
