// Package actionsstore stores cache archives in the GitHub Actions cache
// service, the storage that backs actions/cache.
//
// The service is reached via the twirp JSON API announced to actions by the
// runner in ACTIONS_RESULTS_URL. Archives are uploaded to and downloaded from
// signed blob storage URLs returned by the service.
package actionsstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/retry"
)

const loggerName = "actions_cache"

const servicePath = "/twirp/github.actions.results.api.v1.CacheService/"

// Environment variables the runner passes to actions.
const (
	EnvResultsURL   = "ACTIONS_RESULTS_URL"
	EnvRuntimeToken = "ACTIONS_RUNTIME_TOKEN"
)

const (
	requestTimeout  = time.Minute
	maxResponseSize = 1 << 20
	// blobAPIVersion is the first blob storage API version that accepts
	// single request uploads up to 5000 MiB.
	blobAPIVersion = "2019-12-12"
)

// ErrUnavailable is returned by FromEnv when the runner did not provide
// access to the cache service.
var ErrUnavailable = fmt.Errorf("actions cache service is not available, %s or %s is not set", EnvResultsURL, EnvRuntimeToken)

// Store keeps cache entries in the GitHub Actions cache service.
// Entries are only visible to stores with the same version.
type Store struct {
	logger  *zap.Logger
	baseURL string
	token   string
	version string
	httpClt *http.Client
	retryer *retry.Retryer
}

type Option func(*Store)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		s.logger = logger.Named(loggerName)
	}
}

func WithHTTPClient(clt *http.Client) Option {
	return func(s *Store) {
		s.httpClt = clt
	}
}

func WithRetryer(r *retry.Retryer) Option {
	return func(s *Store) {
		s.retryer = r
	}
}

// New returns a Store using the cache service at baseURL.
func New(baseURL, token, version string, opts ...Option) *Store {
	s := Store{
		logger:  zap.L().Named(loggerName),
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		version: version,
		httpClt: &http.Client{},
	}

	for _, o := range opts {
		o(&s)
	}

	if s.retryer == nil {
		s.retryer = retry.New(retry.WithLogger(s.logger), retry.WithTimeout(2*time.Minute))
	}

	return &s
}

// FromEnv returns a Store for the cache service announced in the
// environment. If it is not announced, ErrUnavailable is returned.
func FromEnv(getenv func(string) string, version string, opts ...Option) (*Store, error) {
	baseURL := getenv(EnvResultsURL)
	token := getenv(EnvRuntimeToken)

	if baseURL == "" || token == "" {
		return nil, ErrUnavailable
	}

	return New(baseURL, token, version, opts...), nil
}

// Version returns the entry version for archives compressed with
// compression. Archives of different formats never match each other.
func Version(compression string) string {
	sum := sha256.Sum256([]byte("stewardaction|tar|" + compression))
	return hex.EncodeToString(sum[:])
}

type createEntryRequest struct {
	Key     string `json:"key"`
	Version string `json:"version"`
}

type createEntryResponse struct {
	OK              bool   `json:"ok"`
	SignedUploadURL string `json:"signedUploadUrl"`
	Message         string `json:"message"`
}

type finalizeUploadRequest struct {
	Key     string `json:"key"`
	Version string `json:"version"`
	// int64 values are strings in the JSON mapping of protobuf
	SizeBytes string `json:"size_bytes"`
}

type finalizeUploadResponse struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type downloadURLRequest struct {
	Key         string   `json:"key"`
	RestoreKeys []string `json:"restore_keys,omitempty"`
	Version     string   `json:"version"`
}

type downloadURLResponse struct {
	OK                bool   `json:"ok"`
	SignedDownloadURL string `json:"signedDownloadUrl"`
	MatchedKey        string `json:"matchedKey"`
}

// twirpError is the error response of the service.
type twirpError struct {
	Status int
	Code   string `json:"code"`
	Msg    string `json:"msg"`
}

func (e *twirpError) Error() string {
	return fmt.Sprintf("cache service returned status %d: %s: %s", e.Status, e.Code, e.Msg)
}

func retryableStatus(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests
}

// decodeMessage unmarshals a response message into v.
// The service may use the protobuf field names or their lowerCamelCase
// JSON names, underscores are removed from all keys before decoding. Field
// names are matched case-insensitively by encoding/json.
func decodeMessage(data []byte, v any) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}

	normalized := make(map[string]json.RawMessage, len(fields))
	for k, val := range fields {
		normalized[strings.ReplaceAll(k, "_", "")] = val
	}

	buf, err := json.Marshal(normalized)
	if err != nil {
		return err
	}

	return json.Unmarshal(buf, v)
}

func (s *Store) call(ctx context.Context, method string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}

	err = s.retryer.Run(ctx, func(ctx context.Context) error {
		return s.callOnce(ctx, method, body, resp)
	}, zap.String("method", method))
	if err != nil {
		return fmt.Errorf("%s failed: %w", method, err)
	}

	return nil
}

func (s *Store) callOnce(ctx context.Context, method string, body []byte, resp any) error {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+servicePath+method, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	httpResp, err := s.httpClt.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}

		return actionerr.NewRetryableAnytimeError(err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return actionerr.NewRetryableAnytimeError(err)
	}

	if httpResp.StatusCode != http.StatusOK {
		twErr := twirpError{Status: httpResp.StatusCode}
		if jsonErr := json.Unmarshal(data, &twErr); jsonErr != nil {
			twErr.Msg = strings.TrimSpace(string(data))
		}

		if retryableStatus(httpResp.StatusCode) {
			return actionerr.NewRetryableAnytimeError(&twErr)
		}

		return &twErr
	}

	if err := decodeMessage(data, resp); err != nil {
		return fmt.Errorf("decoding response failed: %w", err)
	}

	return nil
}

// lookup returns the key and download URL of the entry matching key
// exactly or, via the service, the most recent entry matching one of
// prefixes. If nothing matches an empty key is returned.
func (s *Store) lookup(ctx context.Context, key string, prefixes []string) (string, string, error) {
	var resp downloadURLResponse

	err := s.call(ctx, "GetCacheEntryDownloadURL", &downloadURLRequest{
		Key:         key,
		RestoreKeys: prefixes,
		Version:     s.version,
	}, &resp)
	if err != nil {
		var twErr *twirpError
		if errors.As(err, &twErr) && twErr.Status == http.StatusNotFound {
			return "", "", nil
		}

		return "", "", err
	}

	if !resp.OK || resp.SignedDownloadURL == "" {
		return "", "", nil
	}

	return resp.MatchedKey, resp.SignedDownloadURL, nil
}

func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	matched, _, err := s.lookup(ctx, key, nil)
	if err != nil {
		return false, err
	}

	return matched == key, nil
}

// FindLatest returns the most recent key starting with prefix. The
// service prefers an entry whose key equals prefix.
func (s *Store) FindLatest(ctx context.Context, prefix string) (string, error) {
	matched, _, err := s.lookup(ctx, prefix, []string{prefix})
	return matched, err
}

func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	matched, url, err := s.lookup(ctx, key, nil)
	if err != nil {
		return nil, err
	}

	if matched != key {
		return nil, fmt.Errorf("cache entry %s does not exist", key)
	}

	var body io.ReadCloser
	err = s.retryer.Run(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}

		resp, err := s.httpClt.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			return actionerr.NewRetryableAnytimeError(err)
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()

			err := fmt.Errorf("download failed with status %d", resp.StatusCode)
			if retryableStatus(resp.StatusCode) {
				return actionerr.NewRetryableAnytimeError(err)
			}

			return err
		}

		body = resp.Body
		return nil
	}, zap.String("operation", "download"))
	if err != nil {
		return nil, fmt.Errorf("downloading cache entry failed: %w", err)
	}

	return body, nil
}

// Put reserves key in the cache service, uploads size bytes read from r and
// commits the entry.
// Failed uploads are only retried when r implements io.Seeker.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	var created createEntryResponse
	err := s.call(ctx, "CreateCacheEntry", &createEntryRequest{
		Key:     key,
		Version: s.version,
	}, &created)
	if err != nil {
		return err
	}

	if !created.OK || created.SignedUploadURL == "" {
		return fmt.Errorf("reserving cache entry %s failed: %s", key, created.Message)
	}

	if err := s.upload(ctx, created.SignedUploadURL, r, size); err != nil {
		return err
	}

	var finalized finalizeUploadResponse
	err = s.call(ctx, "FinalizeCacheEntryUpload", &finalizeUploadRequest{
		Key:       key,
		Version:   s.version,
		SizeBytes: strconv.FormatInt(size, 10),
	}, &finalized)
	if err != nil {
		return err
	}

	if !finalized.OK {
		return fmt.Errorf("committing cache entry %s failed: %s", key, finalized.Message)
	}

	return nil
}

func (s *Store) upload(ctx context.Context, url string, r io.Reader, size int64) error {
	seeker, seekable := r.(io.Seeker)

	var tryCnt int
	err := s.retryer.Run(ctx, func(ctx context.Context) error {
		tryCnt++
		if tryCnt > 1 {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return err
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, io.NopCloser(r))
		if err != nil {
			return err
		}

		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("x-ms-blob-type", "BlockBlob")
		req.Header.Set("x-ms-version", blobAPIVersion)

		resp, err := s.httpClt.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || !seekable {
				return err
			}

			return actionerr.NewRetryableAnytimeError(err)
		}
		defer func() {
			_ = resp.Body.Close()
		}()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			err := fmt.Errorf("upload failed with status %d", resp.StatusCode)
			if seekable && retryableStatus(resp.StatusCode) {
				return actionerr.NewRetryableAnytimeError(err)
			}

			return err
		}

		return nil
	}, zap.String("operation", "upload"))
	if err != nil {
		return fmt.Errorf("uploading cache archive failed: %w", err)
	}

	return nil
}
