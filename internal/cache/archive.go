package cache

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/simplesurance/stewardaction/internal/fsutils"
)

// Compression is the compression algorithm of cache archives.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionLZ4  Compression = "lz4"
)

// ParseCompression returns the Compression for name.
func ParseCompression(name string) (Compression, error) {
	switch c := Compression(strings.ToLower(name)); c {
	case CompressionZstd, CompressionLZ4:
		return c, nil
	case "":
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unsupported compression: %q", name)
	}
}

func (c Compression) newWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd, "":
		return zstd.NewWriter(w)
	case CompressionLZ4:
		return lz4.NewWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

func (c Compression) newReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd, "":
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case CompressionLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression: %q", c)
	}
}

// Archiver creates and extracts compressed tar archives of directory
// trees.
// Entries are named by their absolute path without the leading slash.
type Archiver struct {
	fs          fsutils.FS
	compression Compression
}

func NewArchiver(fsys fsutils.FS, compression Compression) *Archiver {
	return &Archiver{fs: fsys, compression: compression}
}

// Create writes an archive of paths to w.
// Paths that do not exist are skipped, if none of them exists an error is
// returned.
func (a *Archiver) Create(w io.Writer, paths []string) error {
	cw, err := a.compression.newWriter(w)
	if err != nil {
		return err
	}

	tw := tar.NewWriter(cw)

	closed := false
	defer func() {
		if closed {
			return
		}

		// releases the resources of the compressor, the incomplete
		// archive is discarded by the caller
		_ = tw.Close()
		_ = cw.Close()
	}()

	var found int
	for _, p := range paths {
		exists, err := fsutils.Exists(a.fs, p)
		if err != nil {
			return err
		}
		if !exists {
			continue
		}
		found++

		if err := util.Walk(a.fs, p, func(name string, info fs.FileInfo, err error) error {
			if err != nil {
				return err
			}

			return a.addEntry(tw, name, info)
		}); err != nil {
			return fmt.Errorf("archiving %s failed: %w", p, err)
		}
	}

	if found == 0 {
		return fmt.Errorf("none of the paths exist: %s", strings.Join(paths, ", "))
	}

	closed = true

	if err := tw.Close(); err != nil {
		_ = cw.Close()
		return err
	}

	return cw.Close()
}

func (a *Archiver) addEntry(tw *tar.Writer, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		var err error
		if link, err = a.fs.Readlink(name); err != nil {
			return err
		}
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return err
	}
	hdr.Name = entryName(name)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}

	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := a.fs.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(tw, f)
	return err
}

// Extract extracts the archive read from r.
// Only entries below one of paths are accepted.
func (a *Archiver) Extract(r io.Reader, paths []string) error {
	cr, err := a.compression.newReader(r)
	if err != nil {
		return err
	}
	defer cr.Close()

	tr := tar.NewReader(cr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive failed: %w", err)
		}

		dest, root, err := destPath(hdr.Name, paths)
		if err != nil {
			return err
		}

		if err := a.checkParents(dest, root); err != nil {
			return err
		}

		if err := a.extractEntry(tr, hdr, dest, paths); err != nil {
			return fmt.Errorf("extracting %s failed: %w", dest, err)
		}
	}
}

func (a *Archiver) extractEntry(tr *tar.Reader, hdr *tar.Header, dest string, paths []string) error {
	mode := os.FileMode(hdr.Mode).Perm()

	switch hdr.Typeflag {
	case tar.TypeDir:
		if err := a.removeSymlink(dest); err != nil {
			return err
		}

		return a.fs.MkdirAll(dest, mode|0o700)

	case tar.TypeReg:
		if err := a.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
			return err
		}

		// OpenFile follows symlinks, an existing link must not redirect
		// the write to its target
		if err := a.removeSymlink(dest); err != nil {
			return err
		}

		f, err := a.fs.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
		if err != nil {
			return err
		}

		if _, err := io.Copy(f, tr); err != nil {
			_ = f.Close()
			return err
		}

		if err := f.Close(); err != nil {
			return err
		}

		return a.fs.Chmod(dest, mode)

	case tar.TypeSymlink:
		target := hdr.Linkname
		if !path.IsAbs(target) {
			target = path.Join(path.Dir(dest), target)
		}

		if _, ok := containingPath(path.Clean(target), paths); !ok {
			return fmt.Errorf("symlink target %q is outside of the cached paths", hdr.Linkname)
		}

		if err := a.fs.MkdirAll(path.Dir(dest), 0o755); err != nil {
			return err
		}

		if err := fsutils.RemoveAll(a.fs, dest); err != nil {
			return err
		}

		return a.fs.Symlink(hdr.Linkname, dest)

	default:
		return fmt.Errorf("unsupported archive entry type %q", hdr.Typeflag)
	}
}

func entryName(p string) string {
	return strings.TrimPrefix(filepath.ToSlash(p), "/")
}

// removeSymlink removes p if it is a symlink.
func (a *Archiver) removeSymlink(p string) error {
	info, err := a.fs.Lstat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	if info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}

	return a.fs.Remove(p)
}

// checkParents returns an error if a directory between root and dest is a
// symlink. Entries are not allowed to be extracted through links, they
// could point outside of root.
func (a *Archiver) checkParents(dest, root string) error {
	rel := strings.TrimPrefix(dest, root)
	elems := strings.Split(strings.Trim(rel, "/"), "/")

	p := root
	for _, elem := range elems[:len(elems)-1] {
		p = path.Join(p, elem)

		info, err := a.fs.Lstat(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		if info.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q would be extracted through the symlink %s", dest, p)
		}
	}

	return nil
}

// destPath returns the filesystem path of the archive entry name and the
// cached path that contains it.
func destPath(name string, paths []string) (dest, root string, err error) {
	if name == "" || strings.HasPrefix(name, "/") {
		return "", "", fmt.Errorf("archive entry %q has an invalid path", name)
	}

	for _, elem := range strings.Split(name, "/") {
		if elem == ".." {
			return "", "", fmt.Errorf("archive entry %q is not allowed to contain '..'", name)
		}
	}

	dest = path.Clean("/" + name)
	root, ok := containingPath(dest, paths)
	if !ok {
		return "", "", fmt.Errorf("archive entry %q is outside of the cached paths", name)
	}

	return dest, root, nil
}

// containingPath returns the element of paths that is p or a parent
// directory of p.
func containingPath(p string, paths []string) (string, bool) {
	for _, root := range paths {
		root = path.Clean("/" + entryName(root))
		if p == root || strings.HasPrefix(p, root+"/") {
			return root, true
		}
	}

	return "", false
}
