package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
)

// Client is a Gateway that stores archives in a Store.
type Client struct {
	logger   *zap.Logger
	fs       fsutils.FS
	store    Store
	archiver *Archiver
	tmpDir   string
}

type Option func(*Client)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger.Named(loggerName)
	}
}

func WithCompression(compression Compression) Option {
	return func(c *Client) {
		c.archiver = NewArchiver(c.fs, compression)
	}
}

// WithTempDir sets the directory in which archives are created before
// they are uploaded.
func WithTempDir(dir string) Option {
	return func(c *Client) {
		c.tmpDir = dir
	}
}

// NewClient returns a Client that archives and extracts paths on fsys.
func NewClient(fsys fsutils.FS, store Store, opts ...Option) *Client {
	c := Client{
		logger:   zap.L().Named(loggerName),
		fs:       fsys,
		store:    store,
		archiver: NewArchiver(fsys, CompressionZstd),
		tmpDir:   os.TempDir(),
	}

	for _, o := range opts {
		o(&c)
	}

	return &c
}

func (c *Client) Restore(ctx context.Context, paths []string, primaryKey string, restoreKeys []string) (string, error) {
	if len(paths) == 0 {
		return "", errors.New("no paths to restore specified")
	}

	for _, k := range append([]string{primaryKey}, restoreKeys...) {
		if err := ValidateKey(k); err != nil {
			return "", fmt.Errorf("invalid key %q: %w", k, err)
		}
	}

	key, err := c.lookup(ctx, primaryKey, restoreKeys)
	if err != nil {
		return "", err
	}

	if key == "" {
		c.logger.Debug(
			"no cache entry found",
			logfields.Event("cache_miss"),
			logfields.CacheKey(primaryKey),
			logfields.CacheRestoreKeys(restoreKeys),
		)
		return "", nil
	}

	rc, err := c.store.Open(ctx, key)
	if err != nil {
		return "", fmt.Errorf("downloading cache entry %s failed: %w", key, err)
	}
	defer rc.Close()

	if err := c.archiver.Extract(rc, paths); err != nil {
		return "", fmt.Errorf("extracting cache entry %s failed: %w", key, err)
	}

	c.logger.Debug(
		"cache entry restored",
		logfields.Event("cache_restored"),
		logfields.CacheKey(key),
	)

	return key, nil
}

func (c *Client) lookup(ctx context.Context, primaryKey string, restoreKeys []string) (string, error) {
	exists, err := c.store.Exists(ctx, primaryKey)
	if err != nil {
		return "", fmt.Errorf("looking up cache key %s failed: %w", primaryKey, err)
	}

	if exists {
		return primaryKey, nil
	}

	for _, prefix := range restoreKeys {
		key, err := c.store.FindLatest(ctx, prefix)
		if err != nil {
			return "", fmt.Errorf("looking up cache key prefix %s failed: %w", prefix, err)
		}

		if key != "" {
			return key, nil
		}
	}

	return "", nil
}

func (c *Client) Save(ctx context.Context, paths []string, key string) (int64, error) {
	if len(paths) == 0 {
		return 0, errors.New("no paths to save specified")
	}

	if err := ValidateKey(key); err != nil {
		return 0, fmt.Errorf("invalid key %q: %w", key, err)
	}

	exists, err := c.store.Exists(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("looking up cache key %s failed: %w", key, err)
	}

	if exists {
		c.logger.Info(
			"cache entry already exists, not saving",
			logfields.Event("cache_entry_exists"),
			logfields.CacheKey(key),
		)
		return 0, nil
	}

	if err := c.fs.MkdirAll(c.tmpDir, 0o700); err != nil {
		return 0, fmt.Errorf("creating temporary directory failed: %w", err)
	}

	f, err := util.TempFile(c.fs, c.tmpDir, "stewardaction-cache-")
	if err != nil {
		return 0, fmt.Errorf("creating temporary archive file failed: %w", err)
	}

	defer func() {
		_ = f.Close()

		if err := c.fs.Remove(f.Name()); err != nil {
			c.logger.Warn(
				"removing temporary archive file failed",
				logfields.Event("cache_tmpfile_removal_failed"),
				logfields.Path(f.Name()),
				zap.Error(err),
			)
		}
	}()

	if err := c.archiver.Create(f, paths); err != nil {
		return 0, fmt.Errorf("creating archive failed: %w", err)
	}

	size, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	if err := c.store.Put(ctx, key, f, size); err != nil {
		return 0, fmt.Errorf("uploading cache entry %s failed: %w", key, err)
	}

	c.logger.Debug(
		"cache entry saved",
		logfields.Event("cache_saved"),
		logfields.CacheKey(key),
		logfields.CacheSize(size),
	)

	return size, nil
}
