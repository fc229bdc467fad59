package githubclt

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/logfields"
)

const maxTokenRetries = 3

// AppTokenSource is an oauth2.TokenSource that creates GitHub App
// installation tokens.
// Every call of Token creates a new installation token.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	clock          func() time.Time

	clt *Client
}

type AppTokenSourceOption func(*AppTokenSource)

func WithClock(clock func() time.Time) AppTokenSourceOption {
	return func(s *AppTokenSource) {
		s.clock = clock
	}
}

// NewAppTokenSource returns a token source for the installation
// installationID of the GitHub App appID.
// privateKeyPEM is the PEM encoded RSA private key of the app.
func NewAppTokenSource(apiURL string, appID, installationID int64, privateKeyPEM string, opts ...AppTokenSourceOption) (*AppTokenSource, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("parsing github app private key failed: %w", err)
	}

	s := AppTokenSource{
		appID:          appID,
		installationID: installationID,
		key:            key,
		clock:          time.Now,
	}

	for _, o := range opts {
		o(&s)
	}

	s.clt, err = newClient(apiURL, newHTTPClient(oauth2.ReuseTokenSource(nil, jwtSource{s: &s})))
	if err != nil {
		return nil, err
	}

	s.clt.logger = s.clt.logger.With(logfields.AppID(appID), logfields.InstallationID(installationID))

	return &s, nil
}

// jwtSource returns a new app JWT when the previous one expired.
type jwtSource struct {
	s *AppTokenSource
}

func (j jwtSource) Token() (*oauth2.Token, error) {
	now := j.s.clock()
	exp := now.Add(10 * time.Minute)

	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(exp),
		Issuer:    fmt.Sprint(j.s.appID),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(j.s.key)
	if err != nil {
		return nil, fmt.Errorf("signing github app jwt failed: %w", err)
	}

	return &oauth2.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		Expiry:      exp,
	}, nil
}

// Token creates a new installation access token.
// Retryable errors are retried up to maxTokenRetries times.
func (s *AppTokenSource) Token() (*oauth2.Token, error) {
	return s.TokenWithContext(context.Background())
}

func (s *AppTokenSource) TokenWithContext(ctx context.Context) (*oauth2.Token, error) {
	var result *oauth2.Token

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTokenRetries), ctx)

	err := backoff.RetryNotify(
		func() error {
			t, _, err := s.clt.restClt.Apps.CreateInstallationToken(ctx, s.installationID, nil)
			if err != nil {
				err = s.clt.wrapRetryableErrors(err)

				var retryableErr *actionerr.RetryableError
				if !errors.As(err, &retryableErr) {
					return backoff.Permanent(err)
				}

				return err
			}

			result = &oauth2.Token{
				AccessToken: t.GetToken(),
				TokenType:   "token",
				Expiry:      t.GetExpiresAt().Time,
			}

			return nil
		},
		bo,
		func(err error, d time.Duration) {
			s.clt.logger.Info(
				"creating installation token failed, retrying",
				logfields.Event("github_installation_token_retry"),
				zap.Duration("retry_in", d),
				zap.Error(err),
			)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("creating github app installation token failed: %w", err)
	}

	s.clt.logger.Debug(
		"installation token created",
		logfields.Event("github_installation_token_created"),
		zap.Time("expires_at", result.Expiry),
	)

	return result, nil
}

// Slug returns the slug of the GitHub App.
func (s *AppTokenSource) Slug(ctx context.Context) (string, error) {
	app, _, err := s.clt.restClt.Apps.Get(ctx, "")
	if err != nil {
		return "", s.clt.wrapRetryableErrors(err)
	}

	return app.GetSlug(), nil
}

var _ oauth2.TokenSource = &AppTokenSource{}
