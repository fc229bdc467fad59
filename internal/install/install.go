// Package install installs and removes the tools Scala Steward requires:
// coursier with its managed tools and mill.
package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/process"
	"github.com/simplesurance/stewardaction/internal/retry"
)

const loggerName = "install"

const (
	binMode         = 0o755
	downloadTimeout = 5 * time.Minute
)

// PathAdder makes directories available via the PATH environment variable.
type PathAdder interface {
	AddPath(dir string) error
}

// Installer downloads tools into the bin directory in the home directory.
type Installer struct {
	logger  *zap.Logger
	fs      fsutils.FS
	home    string
	paths   PathAdder
	httpClt *http.Client
	runner  process.Runner
	retryer *retry.Retryer

	mavenRepoURL string
	toolCacheDir string
	goos         string
	goarch       string
}

type Option func(*Installer)

func WithLogger(logger *zap.Logger) Option {
	return func(i *Installer) {
		i.logger = logger.Named(loggerName)
	}
}

func WithHTTPClient(clt *http.Client) Option {
	return func(i *Installer) {
		i.httpClt = clt
	}
}

func WithRunner(r process.Runner) Option {
	return func(i *Installer) {
		i.runner = r
	}
}

func WithRetryer(r *retry.Retryer) Option {
	return func(i *Installer) {
		i.retryer = r
	}
}

// WithMavenRepositoryURL sets the URL of the Maven repository mill is
// downloaded from.
func WithMavenRepositoryURL(url string) Option {
	return func(i *Installer) {
		i.mavenRepoURL = strings.TrimSuffix(url, "/")
	}
}

// WithToolCache enables caching of downloaded mill launchers in dir.
// The layout is the one of the GitHub runner tool cache
// (<dir>/<tool>/<version>/<arch>).
func WithToolCache(dir string) Option {
	return func(i *Installer) {
		i.toolCacheDir = dir
	}
}

// WithPlatform overwrites the operating system and architecture of the
// current process.
func WithPlatform(goos, goarch string) Option {
	return func(i *Installer) {
		i.goos = goos
		i.goarch = goarch
	}
}

func New(fsys fsutils.FS, home string, paths PathAdder, opts ...Option) *Installer {
	i := Installer{
		logger:       zap.L().Named(loggerName),
		fs:           fsys,
		home:         home,
		paths:        paths,
		httpClt:      &http.Client{Timeout: downloadTimeout},
		runner:       process.OS{},
		mavenRepoURL: "https://repo1.maven.org/maven2",
		goos:         runtime.GOOS,
		goarch:       runtime.GOARCH,
	}

	for _, o := range opts {
		o(&i)
	}

	if i.retryer == nil {
		i.retryer = retry.New(retry.WithLogger(i.logger))
	}

	return &i
}

// BinDir returns the directory tools are installed to.
func (i *Installer) BinDir() string {
	return path.Join(i.home, "bin")
}

// download fetches url and writes it to dst, when gunzip is true the
// response body is decompressed with gzip.
// Server errors and network errors are retried.
func (i *Installer) download(ctx context.Context, url, dst string, gunzip bool) error {
	logger := i.logger.With(zap.String("url", url), logfields.Path(dst))

	err := i.retryer.Run(ctx, func(ctx context.Context) error {
		return i.downloadOnce(ctx, url, dst, gunzip)
	}, zap.String("url", url))
	if err != nil {
		return fmt.Errorf("downloading %s failed: %w", url, err)
	}

	if err := i.fs.Chmod(dst, binMode); err != nil {
		return err
	}

	logger.Debug("download completed", logfields.Event("download_completed"))

	return nil
}

func (i *Installer) downloadOnce(ctx context.Context, url, dst string, gunzip bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := i.httpClt.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return err
		}

		return actionerr.NewRetryableAnytimeError(err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download failed with status %d", resp.StatusCode)
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return actionerr.NewRetryableAnytimeError(err)
		}

		return err
	}

	var body io.Reader = resp.Body
	if gunzip {
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return fmt.Errorf("reading gzip header failed: %w", err)
		}
		defer zr.Close()

		body = zr
	}

	f, err := i.fs.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, binMode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(f, body); err != nil {
		_ = f.Close()

		if errors.Is(err, io.ErrUnexpectedEOF) {
			return actionerr.NewRetryableAnytimeError(err)
		}

		return err
	}

	return f.Close()
}
