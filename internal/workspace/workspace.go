// Package workspace manages the Scala Steward workspace directory of a
// workflow run.
//
// The workspace is created by Prepare, it contains the repository list,
// the askpass script that provides git with a GitHub token and the
// persistent state of Scala Steward. The state is restored from and saved to
// a cache between runs.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/askpass"
	"github.com/simplesurance/stewardaction/internal/cache"
	"github.com/simplesurance/stewardaction/internal/cfg"
	"github.com/simplesurance/stewardaction/internal/contenthash"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/metrics"
)

const loggerName = "workspace"

// CacheKeyPrefix is the prefix of all cache keys of the workspace.
const CacheKeyPrefix = "scala-steward"

const (
	dirName            = "scala-steward"
	workspaceDirName   = "workspace"
	reposFileName      = "repos.md"
	appKeyFileName     = "app.pem"
	askPassFileName    = "askpass.sh"
	runSummaryFileName = "run-summary.md"
)

// GroupPrinter groups log output in the workflow log.
type GroupPrinter interface {
	StartGroup(name string)
	EndGroup()
}

type nopGroupPrinter struct{}

func (nopGroupPrinter) StartGroup(string) {}
func (nopGroupPrinter) EndGroup()         {}

// Workspace is the Scala Steward workspace in <home>/scala-steward.
type Workspace struct {
	logger          *zap.Logger
	fs              fsutils.FS
	cache           cache.Gateway
	clock           func() time.Time
	groups          GroupPrinter
	metrics         *metrics.Collector
	refreshInterval time.Duration
	refresher       *askpass.Refresher

	directory string
}

type Option func(*Workspace)

func WithLogger(logger *zap.Logger) Option {
	return func(w *Workspace) {
		w.logger = logger.Named(loggerName)
	}
}

// WithClock sets the function that returns the current time, it is used
// for the timestamp of cache keys.
func WithClock(clock func() time.Time) Option {
	return func(w *Workspace) {
		w.clock = clock
	}
}

// WithRefreshInterval sets the interval in which the askpass script is
// refreshed. The default is askpass.DefRefreshInterval.
func WithRefreshInterval(d time.Duration) Option {
	return func(w *Workspace) {
		w.refreshInterval = d
	}
}

func WithGroupPrinter(p GroupPrinter) Option {
	return func(w *Workspace) {
		w.groups = p
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(w *Workspace) {
		w.metrics = m
	}
}

// New returns the workspace in the home directory home.
// Nothing is created before Prepare is called.
func New(fsys fsutils.FS, home string, gateway cache.Gateway, opts ...Option) *Workspace {
	w := Workspace{
		logger:          zap.L().Named(loggerName),
		fs:              fsys,
		cache:           gateway,
		clock:           time.Now,
		groups:          nopGroupPrinter{},
		refreshInterval: askpass.DefRefreshInterval,
		directory:       filepath.Join(home, dirName),
	}

	for _, o := range opts {
		o(&w)
	}

	w.refresher = askpass.NewRefresher(
		fsys,
		w.AskPassFile(),
		askpass.WithLogger(w.logger),
		askpass.WithMetrics(w.metrics),
	)

	return &w
}

// Directory returns the root directory of the workspace.
func (w *Workspace) Directory() string {
	return w.directory
}

// WorkspaceDir returns the directory in which Scala Steward stores its
// state. It is the directory that is cached.
func (w *Workspace) WorkspaceDir() string {
	return filepath.Join(w.directory, workspaceDirName)
}

func (w *Workspace) ReposFile() string {
	return filepath.Join(w.directory, reposFileName)
}

func (w *Workspace) AppKeyFile() string {
	return filepath.Join(w.directory, appKeyFileName)
}

func (w *Workspace) AskPassFile() string {
	return filepath.Join(w.directory, askPassFileName)
}

// RunSummaryFile returns the path of the markdown summary that Scala Steward
// writes at the end of a run.
func (w *Workspace) RunSummaryFile() string {
	return filepath.Join(w.WorkspaceDir(), runSummaryFileName)
}

// Prepare creates the workspace directory and its files and starts
// refreshing the askpass script.
//
// If app is set and not used only for authentication, the repository list
// is written empty and the private key of the app is stored in AppKeyFile.
// Otherwise reposList is written to ReposFile.
//
// On failure an *actionerr.WorkspaceError is returned, files that were
// already created are not removed.
func (w *Workspace) Prepare(ctx context.Context, reposList string, supplier askpass.TokenSupplier, app *cfg.GitHubApp) error {
	if err := w.prepare(ctx, reposList, supplier, app); err != nil {
		w.logger.Debug(
			"creating workspace failed",
			logfields.Event("workspace_creation_failed"),
			logfields.Path(w.directory),
			zap.Error(err),
		)

		return actionerr.NewWorkspaceError(err)
	}

	return nil
}

func (w *Workspace) prepare(ctx context.Context, reposList string, supplier askpass.TokenSupplier, app *cfg.GitHubApp) error {
	if err := w.fs.MkdirAll(w.directory, 0o755); err != nil {
		return fmt.Errorf("creating directory %s failed: %w", w.directory, err)
	}

	if app != nil && !app.AuthOnly {
		if err := fsutils.WriteFile(w.fs, w.ReposFile(), nil, 0o644); err != nil {
			return fmt.Errorf("writing %s failed: %w", w.ReposFile(), err)
		}

		if err := fsutils.WriteFile(w.fs, w.AppKeyFile(), []byte(app.Key), 0o600); err != nil {
			return fmt.Errorf("writing %s failed: %w", w.AppKeyFile(), err)
		}
	} else {
		if err := fsutils.WriteFile(w.fs, w.ReposFile(), []byte(reposList), 0o644); err != nil {
			return fmt.Errorf("writing %s failed: %w", w.ReposFile(), err)
		}
	}

	if err := w.WriteAskPass(ctx, supplier); err != nil {
		return err
	}

	w.refresher.Start(ctx, w.refreshInterval, supplier)

	w.logger.Debug(
		"workspace created",
		logfields.Event("workspace_created"),
		logfields.Path(w.directory),
	)

	return nil
}

// WriteAskPass retrieves a token from supplier and (re)writes the askpass
// script with it.
func (w *Workspace) WriteAskPass(ctx context.Context, supplier askpass.TokenSupplier) error {
	return w.refresher.Refresh(ctx, supplier)
}

// CancelTokenRefresh stops refreshing the askpass script.
// It can be called multiple times and before Prepare.
func (w *Workspace) CancelTokenRefresh() {
	w.refresher.Stop()
}

func (w *Workspace) primaryCacheKey(hash string) string {
	return fmt.Sprintf("%s-%s-%d", CacheKeyPrefix, hash, w.clock().UnixMilli())
}

func restoreCacheKeys(hash string) []string {
	return []string{
		CacheKeyPrefix + "-" + hash,
		CacheKeyPrefix + "-",
	}
}

// RestoreWorkspaceCache restores the content of WorkspaceDir from the cache.
// Failures are logged as warnings and not returned.
func (w *Workspace) RestoreWorkspaceCache(ctx context.Context) {
	w.groups.StartGroup("Restoring workspace from cache...")
	defer w.groups.EndGroup()

	matchedKey, err := w.restoreCache(ctx)
	if err != nil {
		w.metrics.CacheRestoreInc(metrics.ResultError)
		w.logger.Debug(
			"restoring workspace from cache failed",
			logfields.Event("workspace_cache_restore_failed"),
			zap.Error(err),
		)
		w.logger.Warn("Unable to restore workspace from cache")
		return
	}

	if matchedKey == "" {
		w.metrics.CacheRestoreInc(metrics.ResultMiss)
		w.logger.Info(
			"Scala Steward workspace contents not found in cache",
			logfields.Event("workspace_cache_miss"),
		)
		return
	}

	w.metrics.CacheRestoreInc(metrics.ResultHit)
	w.logger.Info(
		"Scala Steward workspace contents restored from cache",
		logfields.Event("workspace_cache_hit"),
		logfields.CacheKey(matchedKey),
	)
}

func (w *Workspace) restoreCache(ctx context.Context) (string, error) {
	hash, err := contenthash.File(w.fs, w.ReposFile())
	if err != nil {
		return "", err
	}

	key := w.primaryCacheKey(hash)
	restoreKeys := restoreCacheKeys(hash)

	w.logger.Debug(
		"restoring workspace from cache",
		logfields.Event("workspace_cache_restoring"),
		logfields.CacheKey(key),
		logfields.CacheRestoreKeys(restoreKeys),
	)

	return w.cache.Restore(ctx, []string{w.WorkspaceDir()}, key, restoreKeys)
}

// transientFiles returns the paths in WorkspaceDir that are specific to
// one run and must not be cached.
func (w *Workspace) transientFiles() []string {
	return []string{
		filepath.Join(w.WorkspaceDir(), "store", "refresh_error"),
		filepath.Join(w.WorkspaceDir(), "repos"),
		w.RunSummaryFile(),
	}
}

// SaveWorkspaceCache saves the content of WorkspaceDir to the cache.
// Failures are logged as warnings and not returned.
func (w *Workspace) SaveWorkspaceCache(ctx context.Context) {
	w.groups.StartGroup("Saving workspace to cache...")
	defer w.groups.EndGroup()

	key, size, err := w.saveCache(ctx)
	if err != nil {
		w.metrics.CacheSaveInc(metrics.ResultError)
		w.logger.Debug(
			"saving workspace to cache failed",
			logfields.Event("workspace_cache_save_failed"),
			zap.Error(err),
		)
		w.logger.Warn("Unable to save workspace to cache")
		return
	}

	if size == 0 {
		w.metrics.CacheSaveInc(metrics.ResultExists)
		w.logger.Info(
			"Scala Steward workspace contents already exist in cache",
			logfields.Event("workspace_cache_exists"),
			logfields.CacheKey(key),
		)
		return
	}

	w.metrics.CacheSaveInc(metrics.ResultSaved)
	w.metrics.CacheSavedBytesAdd(size)
	w.logger.Info(
		"Scala Steward workspace contents saved to cache",
		logfields.Event("workspace_cache_saved"),
		logfields.CacheKey(key),
		logfields.CacheSize(size),
	)
}

func (w *Workspace) saveCache(ctx context.Context) (string, int64, error) {
	for _, p := range w.transientFiles() {
		if err := fsutils.RemoveAll(w.fs, p); err != nil {
			return "", 0, fmt.Errorf("removing %s failed: %w", p, err)
		}
	}

	hash, err := contenthash.File(w.fs, w.ReposFile())
	if err != nil {
		return "", 0, err
	}

	key := w.primaryCacheKey(hash)

	size, err := w.cache.Save(ctx, []string{w.WorkspaceDir()}, key)
	if err != nil {
		return key, 0, err
	}

	return key, size, nil
}

// Remove deletes the workspace directory recursively.
// It succeeds when the directory does not exist.
func (w *Workspace) Remove() error {
	if err := fsutils.RemoveAll(w.fs, w.directory); err != nil {
		return fmt.Errorf("removing %s failed: %w", w.directory, err)
	}

	w.logger.Debug(
		"workspace removed",
		logfields.Event("workspace_removed"),
		logfields.Path(w.directory),
	)

	return nil
}

// ReadRunSummary returns the content of the run summary that Scala Steward
// wrote. The returned bool is false if the file does not exist.
func (w *Workspace) ReadRunSummary() (string, bool, error) {
	data, err := fsutils.ReadFile(w.fs, w.RunSummaryFile())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}

		return "", false, fmt.Errorf("reading %s failed: %w", w.RunSummaryFile(), err)
	}

	return string(data), true, nil
}
