// Package healthcheck verifies that the services Scala Steward depends on
// are reachable.
package healthcheck

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/logfields"
)

const loggerName = "healthcheck"

// MavenCentralURL is the URL of the Maven Central repository.
const MavenCentralURL = "https://repo1.maven.org/maven2/"

const defTimeout = 30 * time.Second

// ErrMavenCentral is returned when Maven Central can not be reached.
var ErrMavenCentral = errors.New("Unable to connect to Maven Central")

type Checker struct {
	logger *zap.Logger
	clt    *http.Client
	url    string
}

type Option func(*Checker)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Checker) {
		c.logger = logger.Named(loggerName)
	}
}

// WithHTTPClient sets the client used to send requests.
func WithHTTPClient(clt *http.Client) Option {
	return func(c *Checker) {
		c.clt = clt
	}
}

// WithURL overwrites the Maven Central URL.
func WithURL(url string) Option {
	return func(c *Checker) {
		c.url = url
	}
}

func New(opts ...Option) *Checker {
	c := Checker{
		logger: zap.L().Named(loggerName),
		clt:    &http.Client{Timeout: defTimeout},
		url:    MavenCentralURL,
	}

	for _, o := range opts {
		o(&c)
	}

	return &c
}

// MavenCentral sends a GET request to Maven Central, if it does not
// succeed ErrMavenCentral is returned.
func (c *Checker) MavenCentral(ctx context.Context) error {
	logger := c.logger.With(zap.String("url", c.url))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("creating request failed: %w", err)
	}

	resp, err := c.clt.Do(req)
	if err != nil {
		logger.Debug("maven central request failed", zap.Error(err))
		return ErrMavenCentral
	}
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.Debug(
			"maven central returned unexpected status",
			zap.Int("status", resp.StatusCode),
		)
		return ErrMavenCentral
	}

	logger.Info("✓ Connected to Maven Central", logfields.Event("healthcheck_succeeded"))

	return nil
}
