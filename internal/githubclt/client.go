// Package githubclt provides a github API client.
package githubclt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"github.com/shurcooL/githubv4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/logfields"
)

const DefaultHTTPClientTimeout = time.Minute

const DefaultAPIURL = "https://api.github.com"

const loggerName = "github_client"

// New returns a new github api client for the REST API at apiURL.
// The GraphQL endpoint is derived from apiURL.
func New(apiURL, oauthAPItoken string) (*Client, error) {
	httpClient := newHTTPClient(oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: oauthAPItoken},
	))

	return newClient(apiURL, httpClient)
}

func newClient(apiURL string, httpClient *http.Client) (*Client, error) {
	restClt, err := newRESTClient(apiURL, httpClient)
	if err != nil {
		return nil, err
	}

	return &Client{
		restClt:    restClt,
		graphQLClt: githubv4.NewEnterpriseClient(graphQLURL(apiURL), httpClient),
		logger:     zap.L().Named(loggerName),
	}, nil
}

func newHTTPClient(ts oauth2.TokenSource) *http.Client {
	tc := oauth2.NewClient(context.Background(), ts)
	tc.Timeout = DefaultHTTPClientTimeout

	return tc
}

func newRESTClient(apiURL string, httpClient *http.Client) (*github.Client, error) {
	baseURL, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("parsing github api url %q failed: %w", apiURL, err)
	}

	clt := github.NewClient(httpClient)
	clt.BaseURL = baseURL

	return clt, nil
}

// graphQLURL returns the GraphQL endpoint for the REST API URL apiURL.
// For GitHub Enterprise servers the REST API is served at /api/v3 and the
// GraphQL API at /api/graphql.
func graphQLURL(apiURL string) string {
	apiURL = strings.TrimSuffix(apiURL, "/")

	if base, ok := strings.CutSuffix(apiURL, "/api/v3"); ok {
		return base + "/api/graphql"
	}

	return apiURL + "/graphql"
}

// Client is an github API client.
// All methods return a actionerr.RetryableError when an operation can be retried.
// This can be e.g. the case when the API ratelimit is exceeded.
type Client struct {
	restClt    *github.Client
	graphQLClt *githubv4.Client
	logger     *zap.Logger
}

func (clt *Client) wrapRetryableErrors(err error) error {
	switch v := err.(type) {
	case *github.RateLimitError:
		clt.logger.Info(
			"rate limit exceeded",
			logfields.Event("github_api_rate_limit_exceeded"),
			zap.Int("github_api_rate_limit", v.Rate.Limit),
			zap.Time("github_api_rate_limit_reset_time", v.Rate.Reset.Time),
		)

		return actionerr.NewRetryableError(err, v.Rate.Reset.Time)

	case *github.ErrorResponse:
		if v.Response.StatusCode >= 500 && v.Response.StatusCode < 600 {
			return actionerr.NewRetryableAnytimeError(err)
		}
	}

	return err
}

var graphQlHTTPStatusErrRe = regexp.MustCompile(`^non-200 OK status code: ([0-9]+) .*`)

func (clt *Client) wrapGraphQLRetryableErrors(err error) error {
	matches := graphQlHTTPStatusErrRe.FindStringSubmatch(err.Error())
	if len(matches) != 2 {
		return err
	}

	errcode, atoiErr := strconv.Atoi(matches[1])
	if atoiErr != nil {
		clt.logger.Info(
			"parsing http code from error string failed",
			zap.Error(atoiErr),
			zap.String("error_string", err.Error()),
			zap.String("http_errcode", matches[1]),
		)
		return err
	}

	if errcode >= 500 && errcode < 600 {
		return actionerr.NewRetryableAnytimeError(err)
	}

	return err
}
