package cache

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/stewardaction/internal/fsutils"
)

// memStore is a Store that considers the entry that was put last as the
// most recent one.
type memStore struct {
	entries map[string][]byte
	order   []string
}

func newMemStore() *memStore {
	return &memStore{entries: map[string][]byte{}}
}

func (s *memStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := s.entries[key]
	return ok, nil
}

func (s *memStore) FindLatest(_ context.Context, prefix string) (string, error) {
	for i := len(s.order) - 1; i >= 0; i-- {
		if strings.HasPrefix(s.order[i], prefix) {
			return s.order[i], nil
		}
	}
	return "", nil
}

func (s *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.entries[key])), nil
}

func (s *memStore) Put(_ context.Context, key string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if int64(len(data)) != size {
		return io.ErrShortWrite
	}

	s.entries[key] = data
	s.order = append(s.order, key)
	return nil
}

const wsDir = "/home/runner/scala-steward/workspace"

func writeWorkspace(t *testing.T, fsys fsutils.FS, files map[string]string) {
	t.Helper()

	for name, content := range files {
		p := wsDir + "/" + name
		require.NoError(t, fsys.MkdirAll(p[:strings.LastIndex(p, "/")], 0o755))
		require.NoError(t, fsutils.WriteFile(fsys, p, []byte(content), 0o644))
	}
}

func readFile(t *testing.T, fsys fsutils.FS, name string) string {
	t.Helper()

	data, err := fsutils.ReadFile(fsys, wsDir+"/"+name)
	require.NoError(t, err)
	return string(data)
}

func TestSaveAndRestoreExactKey(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	for _, compression := range []Compression{CompressionZstd, CompressionLZ4} {
		t.Run(string(compression), func(t *testing.T) {
			ctx := context.Background()
			store := newMemStore()

			srcFS := fsutils.Memory()
			writeWorkspace(t, srcFS, map[string]string{
				"store/versions/v2/maven-central.json": `{"versions":[]}`,
				"store/repo_cache/owner/repo.json":     "{}",
			})

			src := NewClient(srcFS, store, WithCompression(compression))
			size, err := src.Save(ctx, []string{wsDir}, "scala-steward-acc000fd-1")
			require.NoError(t, err)
			assert.Positive(t, size)

			dstFS := fsutils.Memory()
			dst := NewClient(dstFS, store, WithCompression(compression))
			key, err := dst.Restore(ctx, []string{wsDir}, "scala-steward-acc000fd-1", []string{"scala-steward-acc000fd", "scala-steward-"})
			require.NoError(t, err)
			assert.Equal(t, "scala-steward-acc000fd-1", key)

			assert.Equal(t, `{"versions":[]}`, readFile(t, dstFS, "store/versions/v2/maven-central.json"))
			assert.Equal(t, "{}", readFile(t, dstFS, "store/repo_cache/owner/repo.json"))
		})
	}
}

func TestSaveExistingKeyIsNoop(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	ctx := context.Background()
	store := newMemStore()
	fsys := fsutils.Memory()
	writeWorkspace(t, fsys, map[string]string{"a": "1"})

	clt := NewClient(fsys, store)
	_, err := clt.Save(ctx, []string{wsDir}, "scala-steward-acc000fd-1")
	require.NoError(t, err)

	writeWorkspace(t, fsys, map[string]string{"a": "2"})
	size, err := clt.Save(ctx, []string{wsDir}, "scala-steward-acc000fd-1")
	require.NoError(t, err)
	assert.Zero(t, size)
	assert.Len(t, store.order, 1)
}

func TestSaveRemovesTemporaryArchive(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	fsys := fsutils.Memory()
	writeWorkspace(t, fsys, map[string]string{"a": "1"})

	clt := NewClient(fsys, newMemStore(), WithTempDir("/tmp/archives"))
	_, err := clt.Save(context.Background(), []string{wsDir}, "key")
	require.NoError(t, err)

	entries, err := fsys.ReadDir("/tmp/archives")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSaveFailsWhenNoPathExists(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	store := newMemStore()
	clt := NewClient(fsutils.Memory(), store)

	_, err := clt.Save(context.Background(), []string{wsDir}, "key")
	require.Error(t, err)
	assert.Empty(t, store.entries)
}

func TestRestoreMiss(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	clt := NewClient(fsutils.Memory(), newMemStore())
	key, err := clt.Restore(context.Background(), []string{wsDir}, "scala-steward-acc000fd-1", []string{"scala-steward-acc000fd", "scala-steward-"})
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestRestoreFallsBackToRestoreKeysInOrder(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	ctx := context.Background()
	store := newMemStore()
	fsys := fsutils.Memory()
	clt := NewClient(fsys, store)

	writeWorkspace(t, fsys, map[string]string{"origin": "acc000fd-old"})
	_, err := clt.Save(ctx, []string{wsDir}, "scala-steward-acc000fd-100")
	require.NoError(t, err)

	writeWorkspace(t, fsys, map[string]string{"origin": "acc000fd-new"})
	_, err = clt.Save(ctx, []string{wsDir}, "scala-steward-acc000fd-200")
	require.NoError(t, err)

	writeWorkspace(t, fsys, map[string]string{"origin": "fe470d28"})
	_, err = clt.Save(ctx, []string{wsDir}, "scala-steward-fe470d28-300")
	require.NoError(t, err)

	dstFS := fsutils.Memory()
	dst := NewClient(dstFS, store)

	key, err := dst.Restore(ctx, []string{wsDir}, "scala-steward-acc000fd-400", []string{"scala-steward-acc000fd", "scala-steward-"})
	require.NoError(t, err)
	assert.Equal(t, "scala-steward-acc000fd-200", key)
	assert.Equal(t, "acc000fd-new", readFile(t, dstFS, "origin"))

	key, err = dst.Restore(ctx, []string{wsDir}, "scala-steward-00000000-400", []string{"scala-steward-00000000", "scala-steward-"})
	require.NoError(t, err)
	assert.Equal(t, "scala-steward-fe470d28-300", key)
	assert.Equal(t, "fe470d28", readFile(t, dstFS, "origin"))
}

func TestRestoreRejectsInvalidKeys(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	clt := NewClient(fsutils.Memory(), newMemStore())
	_, err := clt.Restore(context.Background(), []string{wsDir}, "../escape", nil)
	assert.Error(t, err)
}

func zstdTar(t *testing.T, name, content string) []byte {
	t.Helper()

	return zstdTarEntries(t, archiveEntry{
		Header:  tar.Header{Name: name, Mode: 0o644, Typeflag: tar.TypeReg},
		Content: content,
	})
}

type archiveEntry struct {
	tar.Header
	Content string
}

func zstdTarEntries(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	require.NoError(t, err)

	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := e.Header
		hdr.Size = int64(len(e.Content))
		require.NoError(t, tw.WriteHeader(&hdr))

		_, err = tw.Write([]byte(e.Content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestExtractRejectsPathTraversal(t *testing.T) {
	fsys := fsutils.Memory()
	a := NewArchiver(fsys, CompressionZstd)

	err := a.Extract(bytes.NewReader(zstdTar(t, "home/runner/scala-steward/workspace/../../../etc/passwd", "x")), []string{wsDir})
	require.Error(t, err)

	exists, err := fsutils.Exists(fsys, "/home/etc/passwd")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExtractRejectsEntriesOutsideOfPaths(t *testing.T) {
	a := NewArchiver(fsutils.Memory(), CompressionZstd)

	err := a.Extract(bytes.NewReader(zstdTar(t, "home/runner/.bashrc", "x")), []string{wsDir})
	assert.Error(t, err)
}

func TestArchivePreservesFileModes(t *testing.T) {
	src := fsutils.Memory()
	require.NoError(t, src.MkdirAll(wsDir, 0o755))
	require.NoError(t, fsutils.WriteFile(src, wsDir+"/run.sh", []byte("#!/bin/sh"), 0o755))

	var buf bytes.Buffer
	require.NoError(t, NewArchiver(src, CompressionLZ4).Create(&buf, []string{wsDir}))

	dst := fsutils.Memory()
	require.NoError(t, NewArchiver(dst, CompressionLZ4).Extract(&buf, []string{wsDir}))

	info, err := dst.Stat(wsDir + "/run.sh")
	require.NoError(t, err)
	assert.Equal(t, "-rwxr-xr-x", info.Mode().String())
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey("scala-steward-acc000fd-1700000000000"))
	assert.NoError(t, ValidateKey("scala-steward-"))

	for _, k := range []string{"", "/abs", "a/../b", "a\\b", "a,b", "a\x00b", strings.Repeat("k", MaxKeyLength+1)} {
		assert.Error(t, ValidateKey(k), k)
	}
}

func TestParseCompression(t *testing.T) {
	c, err := ParseCompression("")
	require.NoError(t, err)
	assert.Equal(t, CompressionZstd, c)

	c, err = ParseCompression("LZ4")
	require.NoError(t, err)
	assert.Equal(t, CompressionLZ4, c)

	_, err = ParseCompression("gzip")
	assert.Error(t, err)
}

func TestDisabledGateway(t *testing.T) {
	var gw Gateway = Disabled{}

	key, err := gw.Restore(context.Background(), []string{"/ws"}, "k-1", []string{"k-"})
	require.NoError(t, err)
	assert.Empty(t, key)

	size, err := gw.Save(context.Background(), []string{"/ws"}, "k-1")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRestoreDoesNotWriteThroughArchivedSymlink(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	fsys := fsutils.Memory()
	require.NoError(t, fsys.MkdirAll("/outside", 0o755))
	require.NoError(t, fsutils.WriteFile(fsys, "/outside/victim", []byte("original"), 0o644))

	archive := zstdTarEntries(t,
		archiveEntry{Header: tar.Header{
			Name:     entryName(wsDir + "/link"),
			Linkname: "/outside/victim",
			Mode:     0o777,
			Typeflag: tar.TypeSymlink,
		}},
		archiveEntry{
			Header:  tar.Header{Name: entryName(wsDir + "/link"), Mode: 0o644, Typeflag: tar.TypeReg},
			Content: "overwritten",
		},
	)

	store := newMemStore()
	require.NoError(t, store.Put(context.Background(), "scala-steward-acc000fd-1", bytes.NewReader(archive), int64(len(archive))))

	clt := NewClient(fsys, store)
	_, err := clt.Restore(context.Background(), []string{wsDir}, "scala-steward-acc000fd-1", nil)
	require.ErrorContains(t, err, "outside of the cached paths")

	data, err := fsutils.ReadFile(fsys, "/outside/victim")
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}

func TestExtractReplacesExistingSymlink(t *testing.T) {
	root := t.TempDir()
	victim := filepath.Join(root, "outside", "victim")
	require.NoError(t, os.MkdirAll(filepath.Dir(victim), 0o755))
	require.NoError(t, os.WriteFile(victim, []byte("original"), 0o644))

	ws := filepath.Join(root, filepath.FromSlash(wsDir))
	require.NoError(t, os.MkdirAll(ws, 0o755))
	require.NoError(t, os.Symlink(victim, filepath.Join(ws, "link")))

	a := NewArchiver(fsutils.OS(root), CompressionZstd)
	require.NoError(t, a.Extract(bytes.NewReader(zstdTar(t, entryName(wsDir+"/link"), "replaced")), []string{wsDir}))

	data, err := os.ReadFile(victim)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))

	info, err := os.Lstat(filepath.Join(ws, "link"))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())

	data, err = os.ReadFile(filepath.Join(ws, "link"))
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))
}

func TestExtractRejectsEntriesBelowSymlinkedDirectory(t *testing.T) {
	fsys := fsutils.Memory()
	require.NoError(t, fsys.MkdirAll("/outside", 0o755))
	require.NoError(t, fsys.MkdirAll(wsDir, 0o755))
	require.NoError(t, fsys.Symlink("/outside", wsDir+"/dir"))

	a := NewArchiver(fsys, CompressionZstd)
	err := a.Extract(bytes.NewReader(zstdTar(t, entryName(wsDir+"/dir/file"), "x")), []string{wsDir})
	require.ErrorContains(t, err, "symlink")

	_, err = fsys.Lstat("/outside/file")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestExtractKeepsSymlinksWithinPaths(t *testing.T) {
	fsys := fsutils.Memory()
	a := NewArchiver(fsys, CompressionZstd)

	archive := zstdTarEntries(t,
		archiveEntry{
			Header:  tar.Header{Name: entryName(wsDir + "/target"), Mode: 0o644, Typeflag: tar.TypeReg},
			Content: "abc",
		},
		archiveEntry{Header: tar.Header{
			Name:     entryName(wsDir + "/link"),
			Linkname: "target",
			Mode:     0o777,
			Typeflag: tar.TypeSymlink,
		}},
	)
	require.NoError(t, a.Extract(bytes.NewReader(archive), []string{wsDir}))

	target, err := fsys.Readlink(wsDir + "/link")
	require.NoError(t, err)
	assert.Equal(t, "target", target)
}

func TestCreateReleasesCompressorOnError(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	a := NewArchiver(fsutils.Memory(), CompressionZstd)
	err := a.Create(io.Discard, []string{wsDir})
	require.ErrorContains(t, err, "none of the paths exist")
}
