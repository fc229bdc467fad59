// Package retry runs operations repeatedly until they succeed or fail with
// a non-retryable error.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/logfields"
)

const loggerName = "retryer"

const (
	DefTimeout         = 5 * time.Minute
	DefInitialInterval = time.Second
)

// Retryer executes a function repeatedly until it was successful or a
// cancel condition happened.
type Retryer struct {
	logger          *zap.Logger
	timeout         time.Duration
	initialInterval time.Duration
	shutdownChan    chan struct{}
}

type Option func(*Retryer)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Retryer) {
		r.logger = logger.Named(loggerName)
	}
}

// WithTimeout sets the duration after which no further retries are
// attempted.
func WithTimeout(d time.Duration) Option {
	return func(r *Retryer) {
		r.timeout = d
	}
}

// WithInitialInterval sets the delay before the first retry.
func WithInitialInterval(d time.Duration) Option {
	return func(r *Retryer) {
		r.initialInterval = d
	}
}

func New(opts ...Option) *Retryer {
	r := Retryer{
		logger:          zap.L().Named(loggerName),
		timeout:         DefTimeout,
		initialInterval: DefInitialInterval,
		shutdownChan:    make(chan struct{}),
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Run executes fn until it was successful, it returned an error that
// does not wrap actionerr.RetryableError, the timeout expired or the
// execution was aborted via the context or Stop.
func (r *Retryer) Run(ctx context.Context, fn func(context.Context) error, logF ...zap.Field) error {
	var tryCnt uint

	endTime := time.Now().Add(r.timeout)

	retryTimeout := time.NewTimer(r.timeout)
	defer retryTimeout.Stop()

	retryTimer := time.NewTimer(0)
	defer retryTimer.Stop()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.initialInterval
	bo.MaxElapsedTime = 0

	for {
		tryCnt++
		logger := r.logger.With(logF...).With(zap.Uint("try_count", tryCnt))

		select {
		case <-ctx.Done():
			logger.Debug("operation cancelled", logfields.Event("retry_cancelled"))
			return ctx.Err()

		case <-retryTimer.C:
			err := fn(ctx)
			if err == nil {
				logger.Debug("operation succeeded", logfields.Event("retry_succeeded"))
				return nil
			}

			logger = logger.With(zap.Error(err))

			if errors.Is(err, context.Canceled) {
				return err
			}

			var retryError *actionerr.RetryableError
			if !errors.As(err, &retryError) {
				logger.Debug("operation failed, not retryable", logfields.Event("retry_failed"))
				return err
			}

			if retryError.After.After(endTime) {
				logger.Info(
					"operation failed, next possible retry time is after timeout expiration",
					logfields.Event("retry_failed"),
					zap.Time("earliest_allowed_retry", retryError.After),
				)

				return err
			}

			var retryIn time.Duration
			if retryError.After.IsZero() {
				retryIn = bo.NextBackOff()
			} else {
				retryIn = time.Until(retryError.After)
			}

			retryTimer.Reset(retryIn)
			logger.Info(
				"operation failed, retry scheduled",
				logfields.Event("retry_scheduled"),
				zap.Duration("retry_in", retryIn),
			)

		case <-retryTimeout.C:
			logger.Warn(
				"giving up retrying, retry timeout expired",
				logfields.Event("retry_timeout"),
				zap.Duration("retry_timeout", r.timeout),
			)

			return errors.New("retry timeout expired")

		case <-r.shutdownChan:
			logger.Debug("retryer terminated, operation aborted", logfields.Event("retry_aborted"))
			return errors.New("retryer terminated")
		}
	}
}

// Stop notifies all Run() methods to terminate.
// It does not wait for their termination.
func (r *Retryer) Stop() {
	select {
	case <-r.shutdownChan:
		return // already closed
	default:
		close(r.shutdownChan)
	}
}
