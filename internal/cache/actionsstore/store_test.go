package actionsstore

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/stewardaction/internal/cache"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/retry"
)

const testToken = "runtime-token"

type entry struct {
	version   string
	data      []byte
	committed bool
}

// fakeService implements the cache service and the blob storage the
// signed URLs point to.
type fakeService struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	entries  map[string]*entry
	order    []string
	failures int
	calls    int
}

func newFakeService(t *testing.T) *fakeService {
	f := fakeService{t: t, entries: map[string]*entry{}}

	mux := http.NewServeMux()
	mux.HandleFunc(servicePath+"CreateCacheEntry", f.twirp(f.createEntry))
	mux.HandleFunc(servicePath+"FinalizeCacheEntryUpload", f.twirp(f.finalize))
	mux.HandleFunc(servicePath+"GetCacheEntryDownloadURL", f.twirp(f.downloadURL))
	mux.HandleFunc("/blob/", f.blob)

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return &f
}

type fakeRequest struct {
	Key         string   `json:"key"`
	Version     string   `json:"version"`
	RestoreKeys []string `json:"restore_keys"`
	SizeBytes   string   `json:"size_bytes"`
}

func (f *fakeService) twirp(fn func(*fakeRequest) any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.calls++

		if f.failures > 0 {
			f.failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"code":"unavailable","msg":"try again"}`))
			return
		}

		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":"unauthenticated","msg":"invalid token"}`))
			return
		}

		var req fakeRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))

		w.Header().Set("Content-Type", "application/json")
		require.NoError(f.t, json.NewEncoder(w).Encode(fn(&req)))
	}
}

func (f *fakeService) createEntry(req *fakeRequest) any {
	if _, exists := f.entries[req.Key]; exists {
		return map[string]any{"ok": false, "message": "cache entry already exists"}
	}

	f.entries[req.Key] = &entry{version: req.Version}

	return map[string]any{"ok": true, "signed_upload_url": f.srv.URL + "/blob/" + req.Key}
}

func (f *fakeService) finalize(req *fakeRequest) any {
	e, exists := f.entries[req.Key]
	if !exists || e.version != req.Version || strconv.Itoa(len(e.data)) != req.SizeBytes {
		return map[string]any{"ok": false, "message": "invalid upload"}
	}

	e.committed = true
	f.order = append(f.order, req.Key)

	return map[string]any{"ok": true, "entry_id": "1"}
}

func (f *fakeService) match(req *fakeRequest) string {
	if e, exists := f.entries[req.Key]; exists && e.committed && e.version == req.Version {
		return req.Key
	}

	for _, prefix := range req.RestoreKeys {
		for i := len(f.order) - 1; i >= 0; i-- {
			key := f.order[i]
			if strings.HasPrefix(key, prefix) && f.entries[key].version == req.Version {
				return key
			}
		}
	}

	return ""
}

func (f *fakeService) downloadURL(req *fakeRequest) any {
	key := f.match(req)
	if key == "" {
		return map[string]any{"ok": false}
	}

	return map[string]any{
		"ok":                  true,
		"signed_download_url": f.srv.URL + "/blob/" + key,
		"matched_key":         key,
	}
}

func (f *fakeService) blob(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	e, exists := f.entries[strings.TrimPrefix(r.URL.Path, "/blob/")]
	if !exists {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if r.Header.Get("x-ms-blob-type") != "BlockBlob" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		data, err := io.ReadAll(r.Body)
		require.NoError(f.t, err)
		e.data = data
		w.WriteHeader(http.StatusCreated)

	case http.MethodGet:
		_, _ = w.Write(e.data)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T, f *fakeService, version string) *Store {
	t.Helper()

	logger := zaptest.NewLogger(t)
	return New(
		f.srv.URL,
		testToken,
		version,
		WithLogger(logger),
		WithRetryer(retry.New(
			retry.WithLogger(logger),
			retry.WithInitialInterval(time.Millisecond),
			retry.WithTimeout(5*time.Second),
		)),
	)
}

func TestPutAndOpen(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	s := newTestStore(t, f, Version("zstd"))

	exists, err := s.Exists(ctx, "scala-steward-acc000fd-1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, s.Put(ctx, "scala-steward-acc000fd-1", strings.NewReader("archive"), 7))

	exists, err = s.Exists(ctx, "scala-steward-acc000fd-1")
	require.NoError(t, err)
	assert.True(t, exists)

	rc, err := s.Open(ctx, "scala-steward-acc000fd-1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "archive", string(data))
}

func TestPutExistingKeyFails(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeService(t), Version("zstd"))

	require.NoError(t, s.Put(ctx, "k-1", strings.NewReader("a"), 1))
	assert.ErrorContains(t, s.Put(ctx, "k-1", strings.NewReader("b"), 1), "already exists")
}

func TestFindLatest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, newFakeService(t), Version("zstd"))

	require.NoError(t, s.Put(ctx, "scala-steward-acc000fd-1", strings.NewReader("1"), 1))
	require.NoError(t, s.Put(ctx, "scala-steward-acc000fd-2", strings.NewReader("2"), 1))
	require.NoError(t, s.Put(ctx, "scala-steward-fe470d28-3", strings.NewReader("3"), 1))

	key, err := s.FindLatest(ctx, "scala-steward-acc000fd")
	require.NoError(t, err)
	assert.Equal(t, "scala-steward-acc000fd-2", key)

	key, err = s.FindLatest(ctx, "scala-steward-")
	require.NoError(t, err)
	assert.Equal(t, "scala-steward-fe470d28-3", key)

	key, err = s.FindLatest(ctx, "other-")
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestEntriesOfOtherVersionsAreNotVisible(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)

	require.NoError(t, newTestStore(t, f, Version("zstd")).Put(ctx, "k-1", strings.NewReader("a"), 1))

	lz4Store := newTestStore(t, f, Version("lz4"))
	exists, err := lz4Store.Exists(ctx, "k-1")
	require.NoError(t, err)
	assert.False(t, exists)

	key, err := lz4Store.FindLatest(ctx, "k-")
	require.NoError(t, err)
	assert.Empty(t, key)

	assert.NotEqual(t, Version("zstd"), Version("lz4"))
}

func TestServerErrorsAreRetried(t *testing.T) {
	ctx := context.Background()
	f := newFakeService(t)
	s := newTestStore(t, f, Version("zstd"))

	f.failures = 2

	exists, err := s.Exists(ctx, "k-1")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Equal(t, 3, f.calls)
}

func TestAuthenticationErrorsAreNotRetried(t *testing.T) {
	f := newFakeService(t)
	s := New(f.srv.URL, "invalid", Version("zstd"), WithLogger(zaptest.NewLogger(t)))

	_, err := s.Exists(context.Background(), "k-1")
	require.ErrorContains(t, err, "unauthenticated")
	assert.Equal(t, 1, f.calls)
}

func TestFromEnv(t *testing.T) {
	env := map[string]string{}
	getenv := func(k string) string { return env[k] }

	_, err := FromEnv(getenv, Version("zstd"))
	assert.ErrorIs(t, err, ErrUnavailable)

	env[EnvResultsURL] = "https://results-receiver.actions.githubusercontent.com/"
	_, err = FromEnv(getenv, Version("zstd"))
	assert.ErrorIs(t, err, ErrUnavailable)

	env[EnvRuntimeToken] = testToken
	s, err := FromEnv(getenv, Version("zstd"))
	require.NoError(t, err)
	assert.Equal(t, "https://results-receiver.actions.githubusercontent.com", s.baseURL)
}

func TestDecodeMessageAcceptsProtoAndJSONNames(t *testing.T) {
	for _, in := range []string{
		`{"ok":true,"signed_download_url":"https://blob/1","matched_key":"k-1"}`,
		`{"ok":true,"signedDownloadUrl":"https://blob/1","matchedKey":"k-1"}`,
	} {
		var resp downloadURLResponse
		require.NoError(t, decodeMessage([]byte(in), &resp))
		assert.Equal(t, downloadURLResponse{OK: true, SignedDownloadURL: "https://blob/1", MatchedKey: "k-1"}, resp)
	}
}

func TestSaveAndRestoreViaCacheClient(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t)))

	const ws = "/home/runner/scala-steward/workspace"

	ctx := context.Background()
	s := newTestStore(t, newFakeService(t), Version(string(cache.CompressionZstd)))

	src := fsutils.Memory()
	require.NoError(t, src.MkdirAll(ws+"/store", 0o755))
	require.NoError(t, fsutils.WriteFile(src, ws+"/store/versions.json", []byte("{}"), 0o644))

	size, err := cache.NewClient(src, s).Save(ctx, []string{ws}, "scala-steward-acc000fd-1")
	require.NoError(t, err)
	assert.Positive(t, size)

	dst := fsutils.Memory()
	key, err := cache.NewClient(dst, s).Restore(ctx, []string{ws}, "scala-steward-acc000fd-2", []string{"scala-steward-acc000fd", "scala-steward-"})
	require.NoError(t, err)
	assert.Equal(t, "scala-steward-acc000fd-1", key)

	data, err := fsutils.ReadFile(dst, ws+"/store/versions.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}
