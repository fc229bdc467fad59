// Package fsutils provides the filesystem abstraction used by the action.
//
// It is a go-billy filesystem that additionally supports changing file
// modes, which billy's osfs and memfs implementations do not expose.
package fsutils

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
)

// FS is a billy filesystem with support for changing file permissions.
type FS interface {
	billy.Filesystem
	Chmod(name string, mode os.FileMode) error
}

type osFS struct {
	billy.Filesystem
	root string
}

// OS returns a filesystem operating on the directory root of the local
// filesystem. Paths passed to it are interpreted relative to root.
func OS(root string) FS {
	return &osFS{
		Filesystem: osfs.New(root),
		root:       root,
	}
}

func (o *osFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(filepath.Join(o.root, name), mode)
}

type memFS struct {
	billy.Filesystem
}

// Memory returns an in-memory filesystem.
func Memory() FS {
	return &memFS{Filesystem: memfs.New()}
}

// Chmod recreates the file with the new mode, memfs only applies the
// permission passed on file creation.
func (m *memFS) Chmod(name string, mode os.FileMode) error {
	info, err := m.Stat(name)
	if err != nil {
		return err
	}

	if info.IsDir() {
		return fmt.Errorf("chmod %s: changing the mode of directories is not supported", name)
	}

	data, err := util.ReadFile(m, name)
	if err != nil {
		return err
	}

	if err := m.Remove(name); err != nil {
		return err
	}

	return util.WriteFile(m, name, data, mode)
}

// ReadFile returns the content of the file name.
func ReadFile(fsys billy.Basic, name string) ([]byte, error) {
	return util.ReadFile(fsys, name)
}

// WriteFile creates or truncates name and writes data to it.
// Unlike util.WriteFile errors from writing are not dropped.
func WriteFile(fsys billy.Basic, name string, data []byte, perm os.FileMode) error {
	f, err := fsys.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

// RemoveAll removes path and all its children.
// It succeeds if path does not exist.
func RemoveAll(fsys billy.Basic, path string) error {
	return util.RemoveAll(fsys, path)
}

// Exists returns true if path exists.
func Exists(fsys billy.Basic, path string) (bool, error) {
	_, err := fsys.Stat(path)
	if err == nil {
		return true, nil
	}

	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	return false, err
}
