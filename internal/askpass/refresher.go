package askpass

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/metrics"
)

const loggerName = "askpass"

// DefRefreshInterval is the default interval in which the script is
// rewritten. GitHub App installation tokens expire after 60 minutes.
const DefRefreshInterval = 50 * time.Minute

// Refresher rewrites the askpass script periodically with a token retrieved
// from a TokenSupplier.
type Refresher struct {
	logger  *zap.Logger
	metrics *metrics.Collector
	fs      fsutils.FS
	path    string

	lock     sync.Mutex
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*Refresher)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Refresher) {
		r.logger = logger.Named(loggerName)
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Refresher) {
		r.metrics = m
	}
}

// NewRefresher returns a Refresher for the askpass script at path.
func NewRefresher(fsys fsutils.FS, path string, opts ...Option) *Refresher {
	r := Refresher{
		logger: zap.L().Named(loggerName),
		fs:     fsys,
		path:   path,
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Refresh retrieves a token from supplier and rewrites the script.
// On error the existing script is not modified.
func (r *Refresher) Refresh(ctx context.Context, supplier TokenSupplier) error {
	token, err := supplier(ctx)
	if err != nil {
		return fmt.Errorf("retrieving token failed: %w", err)
	}

	return Write(r.fs, r.path, token)
}

// Start starts a goroutine that refreshes the script every interval.
// If the refresher is already running it is stopped first.
func (r *Refresher) Start(ctx context.Context, interval time.Duration, supplier TokenSupplier) {
	r.Stop()

	r.lock.Lock()
	defer r.lock.Unlock()

	ctx, cancelFn := context.WithCancel(ctx)
	r.cancelFn = cancelFn

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.loop(ctx, interval, supplier)
	}()
}

func (r *Refresher) loop(ctx context.Context, interval time.Duration, supplier TokenSupplier) {
	r.logger.Debug(
		"askpass refresher started",
		logfields.Event("askpass_refresher_started"),
		zap.Duration("interval", interval),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug(
				"askpass refresher terminated",
				logfields.Event("askpass_refresher_terminated"),
			)
			return

		case <-ticker.C:
			if err := r.Refresh(ctx, supplier); err != nil {
				if ctx.Err() != nil {
					return
				}

				r.metrics.TokenRefreshInc(metrics.ResultError)
				r.logger.Warn(
					"refreshing askpass token failed, keeping previous token",
					logfields.Event("askpass_refresh_failed"),
					logfields.Path(r.path),
					zap.Error(err),
				)

				continue
			}

			r.metrics.TokenRefreshInc(metrics.ResultOK)
			r.logger.Debug(
				"askpass token refreshed",
				logfields.Event("askpass_refreshed"),
				logfields.Path(r.path),
			)
		}
	}
}

// Stop stops the refresh goroutine and waits until it terminated.
// It is a no-op if the refresher is not running.
func (r *Refresher) Stop() {
	r.lock.Lock()
	cancelFn := r.cancelFn
	r.cancelFn = nil
	r.lock.Unlock()

	if cancelFn == nil {
		return
	}

	cancelFn()
	r.wg.Wait()
}

// Running returns true if the refresh goroutine was started and not
// stopped.
func (r *Refresher) Running() bool {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.cancelFn != nil
}
