package install

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/process"
	"github.com/simplesurance/stewardaction/internal/retry"
)

const home = "/home/runner"

type recordingPaths struct {
	dirs []string
}

func (p *recordingPaths) AddPath(dir string) error {
	p.dirs = append(p.dirs, dir)
	return nil
}

type fakeRunner struct {
	mu      sync.Mutex
	cmds    []string
	outputs map[string]string
	fail    map[string]error
}

func (r *fakeRunner) Run(_ context.Context, cmd *process.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	args := strings.Join(cmd.Args, " ")
	r.cmds = append(r.cmds, cmd.Name+" "+args)

	if err := r.fail[args]; err != nil {
		return err
	}

	if out, ok := r.outputs[args]; ok && cmd.Stdout != nil {
		for _, l := range strings.Split(out, "\n") {
			cmd.Stdout(l)
		}
	}

	return nil
}

func gzipped(t *testing.T, data string) []byte {
	var buf bytes.Buffer

	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(data))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func newInstaller(t *testing.T, fs fsutils.FS, paths PathAdder, runner process.Runner, opts ...Option) *Installer {
	logger := zaptest.NewLogger(t)

	return New(fs, home, paths, append([]Option{
		WithLogger(logger),
		WithRunner(runner),
		WithRetryer(retry.New(
			retry.WithLogger(logger),
			retry.WithInitialInterval(time.Millisecond),
			retry.WithTimeout(5*time.Second),
		)),
	}, opts...)...)
}

func TestInstallCoursier(t *testing.T) {
	var requests int
	launcher := gzipped(t, "#!/bin/sh\necho coursier\n")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		if requests == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}

		_, _ = w.Write(launcher)
	}))
	t.Cleanup(srv.Close)

	fs := fsutils.Memory()
	paths := &recordingPaths{}
	runner := &fakeRunner{outputs: map[string]string{
		"version":                      "2.1.10",
		"launch scalafmt -- --version": "scalafmt 3.7.17",
		"launch scalafix -- --version": "0.11.1",
	}}

	inst := newInstaller(t, fs, paths, runner)

	require.NoError(t, inst.InstallCoursier(context.Background(), srv.URL+"/cs.gz"))

	assert.Equal(t, 2, requests, "server error must be retried")

	content, err := fsutils.ReadFile(fs, "/home/runner/bin/cs")
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho coursier\n", string(content))

	fi, err := fs.Stat("/home/runner/bin/cs")
	require.NoError(t, err)
	assert.Equal(t, "-rwxr-xr-x", fi.Mode().Perm().String())

	assert.Equal(t, []string{"/home/runner/bin"}, paths.dirs)
	assert.Equal(t, []string{
		"/home/runner/bin/cs install scalafmt scalafix scala-cli --install-dir /home/runner/bin",
		"/home/runner/bin/cs version",
		"/home/runner/bin/cs launch scalafmt -- --version",
		"/home/runner/bin/cs launch scalafix -- --version",
	}, runner.cmds)
}

func TestInstallCoursierDownloadNotFound(t *testing.T) {
	var requests int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		requests++
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	runner := &fakeRunner{}
	inst := newInstaller(t, fsutils.Memory(), &recordingPaths{}, runner)

	err := inst.InstallCoursier(context.Background(), srv.URL)
	require.Error(t, err)

	var instErr *actionerr.ToolError
	require.ErrorAs(t, err, &instErr)
	assert.Equal(t, "Unable to install coursier or managed tools", err.Error())
	assert.ErrorContains(t, instErr.Err, "status 404")
	assert.Equal(t, 1, requests)
	assert.Empty(t, runner.cmds)
}

func TestInstallCoursierToolInstallFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(gzipped(t, "cs"))
	}))
	t.Cleanup(srv.Close)

	exitErr := &process.ExitError{Cmd: "cs install", Code: 1}
	runner := &fakeRunner{fail: map[string]error{
		"install scalafmt scalafix scala-cli --install-dir /home/runner/bin": exitErr,
	}}

	inst := newInstaller(t, fsutils.Memory(), &recordingPaths{}, runner)

	err := inst.InstallCoursier(context.Background(), srv.URL)
	assert.EqualError(t, err, "Unable to install coursier or managed tools")
	assert.ErrorIs(t, err, exitErr)
}

func TestRemoveCoursier(t *testing.T) {
	fs := fsutils.Memory()
	require.NoError(t, fsutils.WriteFile(fs, "/home/runner/.cache/coursier/v1/https/a.jar", []byte("jar"), 0o644))
	require.NoError(t, fsutils.WriteFile(fs, "/home/runner/bin/cs", []byte("cs"), 0o755))

	runner := &fakeRunner{fail: map[string]error{"uninstall --all": errors.New("failed")}}
	inst := newInstaller(t, fs, &recordingPaths{}, runner)

	require.NoError(t, inst.RemoveCoursier(context.Background()))

	for _, p := range []string{"/home/runner/.cache/coursier/v1", "/home/runner/bin/cs"} {
		exists, err := fsutils.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, exists, p)
	}

	assert.Equal(t, []string{"/home/runner/bin/cs uninstall --all"}, runner.cmds)
}

func TestMillArtifactSuffix(t *testing.T) {
	tcs := []struct {
		goos, goarch string
		suffix       string
	}{
		{"linux", "amd64", "-native-linux-amd64"},
		{"linux", "arm64", "-native-linux-aarch64"},
		{"darwin", "amd64", "-native-mac-amd64"},
		{"darwin", "arm64", "-native-mac-aarch64"},
	}

	for _, tc := range tcs {
		suffix, err := MillArtifactSuffix(tc.goos, tc.goarch)
		require.NoError(t, err)
		assert.Equal(t, tc.suffix, suffix, tc.goos+"/"+tc.goarch)
	}

	_, err := MillArtifactSuffix("windows", "amd64")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}

func TestInstallMill(t *testing.T) {
	var paths []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte("mill launcher"))
	}))
	t.Cleanup(srv.Close)

	fs := fsutils.Memory()
	addedPaths := &recordingPaths{}

	inst := newInstaller(t, fs, addedPaths, &fakeRunner{},
		WithMavenRepositoryURL(srv.URL+"/maven2/"),
		WithPlatform("linux", "arm64"),
		WithToolCache("/opt/hostedtoolcache"),
	)

	require.NoError(t, inst.InstallMill(context.Background(), "0.12.10"))

	assert.Equal(t, []string{
		"/maven2/com/lihaoyi/mill-dist-native-linux-aarch64/0.12.10/mill-dist-native-linux-aarch64-0.12.10.exe",
	}, paths)
	assert.Empty(t, addedPaths.dirs)

	content, err := fsutils.ReadFile(fs, "/home/runner/bin/mill")
	require.NoError(t, err)
	assert.Equal(t, "mill launcher", string(content))

	cached, err := fsutils.ReadFile(fs, "/opt/hostedtoolcache/mill/0.12.10/arm64/mill")
	require.NoError(t, err)
	assert.Equal(t, "mill launcher", string(cached))

	// the second installation uses the tool cache
	require.NoError(t, inst.InstallMill(context.Background(), "0.12.10"))
	assert.Len(t, paths, 1)
	assert.Equal(t, []string{"/opt/hostedtoolcache/mill/0.12.10/arm64"}, addedPaths.dirs)

	require.NoError(t, inst.RemoveMill())
	exists, err := fsutils.Exists(fs, "/home/runner/bin/mill")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestInstallMillUnsupportedPlatform(t *testing.T) {
	inst := newInstaller(t, fsutils.Memory(), &recordingPaths{}, &fakeRunner{}, WithPlatform("windows", "amd64"))

	err := inst.InstallMill(context.Background(), "0.12.10")
	assert.EqualError(t, err, "Unable to install Mill")
	assert.ErrorIs(t, err, ErrUnsupportedPlatform)
}
