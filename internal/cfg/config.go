// Package cfg reads and validates the inputs of the action.
package cfg

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/nonempty"
)

const loggerName = "cfg"

// DefRepoConfig is the default path of the Scala Steward repository
// configuration. Unlike other paths it does not have to exist.
const DefRepoConfig = ".github/.scala-steward.conf"

// Cache backends.
const (
	CacheBackendActions = "actions"
	CacheBackendLocal   = "local"
	CacheBackendS3      = "s3"
	CacheBackendNone    = "none"
)

// InputSource provides the values of the inputs of the action.
type InputSource interface {
	Get(name string) string
	Bool(name string) (bool, error)
}

// Config is the validated configuration of the action.
type Config struct {
	GitHubToken  string
	GitHubAPIURL string
	// GitHubApp is nil when the action does not authenticate as GitHub
	// App.
	GitHubApp *GitHubApp
	// Repos is the content of the repos.md file.
	Repos string

	RepoConfig     nonempty.String
	StewardVersion nonempty.String
	ExtraJars      nonempty.String
	OtherArgs      nonempty.String
	AuthorEmail    nonempty.String
	AuthorName     nonempty.String

	Cache       Cache
	MetricsFile nonempty.String
}

type Cache struct {
	Backend     string
	Compression string
	// Dir is the directory of the local cache backend.
	Dir      nonempty.String
	Bucket   nonempty.String
	Region   nonempty.String
	Endpoint nonempty.String
	Prefix   string
}

type loader struct {
	logger  *zap.Logger
	src     InputSource
	fs      billy.Basic
	workdir string
}

// Load reads the inputs from src and validates them.
// Relative paths in inputs are resolved relative to workdir, files are
// accessed via fsys.
// Invalid inputs are reported as *actionerr.ConfigError.
func Load(src InputSource, fsys billy.Basic, workdir string) (*Config, error) {
	l := loader{
		logger:  zap.L().Named(loggerName),
		src:     src,
		fs:      fsys,
		workdir: workdir,
	}

	return l.load()
}

func mandatoryInput(src InputSource, name string) (string, error) {
	v, err := nonempty.Mandatory(src.Get(name), fmt.Sprintf("Input `%s` cannot be empty", name))
	if err != nil {
		return "", actionerr.NewConfigError("%s", err)
	}

	return v.Value(), nil
}

func (l *loader) optional(name string) nonempty.String {
	return nonempty.From(l.src.Get(name))
}

func (l *loader) load() (*Config, error) {
	var cfg Config
	var err error

	if cfg.GitHubToken, err = mandatoryInput(l.src, "github-token"); err != nil {
		return nil, err
	}

	if cfg.GitHubAPIURL, err = mandatoryInput(l.src, "github-api-url"); err != nil {
		return nil, err
	}

	if cfg.GitHubApp, err = l.githubApp(); err != nil {
		return nil, err
	}

	if cfg.RepoConfig, err = l.repoConfig(); err != nil {
		return nil, err
	}

	if cfg.Repos, err = l.repos(); err != nil {
		return nil, err
	}

	if cfg.Cache, err = l.cache(); err != nil {
		return nil, err
	}

	cfg.StewardVersion = l.optional("scala-steward-version")
	cfg.ExtraJars = l.optional("extra-jars")
	cfg.OtherArgs = l.optional("other-args")
	cfg.AuthorEmail = l.optional("author-email")
	cfg.AuthorName = l.optional("author-name")
	cfg.MetricsFile = l.optional("metrics-file")

	return &cfg, nil
}

func (l *loader) path(p string) string {
	if filepath.IsAbs(p) {
		return p
	}

	return filepath.Join(l.workdir, p)
}

func (l *loader) readFile(p string) (string, bool, error) {
	data, err := fsutils.ReadFile(l.fs, l.path(p))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}

		return "", false, err
	}

	return string(data), true, nil
}

// repos returns the content of the file referenced by the repos-file input
// or, if it is not set, the repository list built from the
// github-repository and branches inputs.
func (l *loader) repos() (string, error) {
	if file := l.optional("repos-file"); file.Present() {
		content, found, err := l.readFile(file.Value())
		if err != nil {
			return "", fmt.Errorf("reading repos file %s failed: %w", file, err)
		}

		if !found {
			return "", actionerr.NewConfigError("The path indicated in `repos-file` (%s) does not exist", file)
		}

		l.logger.Info("using multiple repos file", logfields.Path(file.Value()))

		return content, nil
	}

	repo, err := l.optional("github-repository").OrErr("Unable to read GitHub repository from `github-repository` input")
	if err != nil {
		return "", actionerr.NewConfigError("%s", err)
	}

	var branches []string
	for _, b := range strings.Split(l.src.Get("branches"), ",") {
		if b = strings.TrimSpace(b); b != "" {
			branches = append(branches, b)
		}
	}

	if len(branches) == 0 {
		l.logger.Info("GitHub repository set", logfields.Repository(repo.Value()))
		return "- " + repo.Value(), nil
	}

	lines := make([]string, 0, len(branches))
	for _, b := range branches {
		lines = append(lines, fmt.Sprintf("- %s:%s", repo, b))
	}

	l.logger.Info(
		"GitHub repository set",
		logfields.Repository(repo.Value()),
		zap.Strings("branches", branches),
	)

	return strings.Join(lines, "\n"), nil
}

// repoConfig returns the path of the default repository configuration if
// it exists. A path that does not exist is an error, except for
// DefRepoConfig.
func (l *loader) repoConfig() (nonempty.String, error) {
	p := l.optional("repo-config")
	if !p.Present() {
		return nonempty.String{}, nil
	}

	exists, err := fsutils.Exists(l.fs, l.path(p.Value()))
	if err != nil {
		return nonempty.String{}, err
	}

	if !exists {
		if p.Value() != DefRepoConfig {
			return nonempty.String{}, actionerr.NewConfigError("Provided default repo conf file (%s) does not exist", p)
		}

		return nonempty.String{}, nil
	}

	l.logger.Info("default Scala Steward configuration set", logfields.Path(p.Value()))

	return p, nil
}

func (l *loader) githubApp() (*GitHubApp, error) {
	id := l.optional("github-app-id")
	key := nonempty.From(strings.ReplaceAll(l.src.Get("github-app-key"), `\n`, "\n"))

	if !id.Present() && !key.Present() {
		return nil, nil
	}

	if !id.Present() || !key.Present() {
		return nil, actionerr.NewConfigError("`github-app-id` and `github-app-key` inputs have to be set together. One of them is missing")
	}

	appID, err := strconv.ParseInt(id.Value(), 10, 64)
	if err != nil {
		return nil, actionerr.NewConfigError("`github-app-id` must be a number: %s", id)
	}

	authOnly, err := l.src.Bool("github-app-auth-only")
	if err != nil {
		return nil, actionerr.NewConfigError("%s", err)
	}

	app := GitHubApp{ID: appID, Key: key.Value(), AuthOnly: authOnly}

	if installation := l.optional("github-app-installation-id"); installation.Present() {
		app.InstallationID, err = strconv.ParseInt(installation.Value(), 10, 64)
		if err != nil {
			return nil, actionerr.NewConfigError("`github-app-installation-id` must be a number: %s", installation)
		}
	}

	if app.AuthOnly && app.InstallationID == 0 {
		return nil, actionerr.NewConfigError("`github-app-installation-id` must be set when `github-app-auth-only` is enabled")
	}

	return &app, nil
}

func (l *loader) cache() (Cache, error) {
	c := Cache{
		Backend:     strings.ToLower(l.src.Get("cache-backend")),
		Compression: l.src.Get("cache-compression"),
		Dir:         l.optional("cache-dir"),
		Bucket:      l.optional("cache-bucket"),
		Region:      l.optional("cache-region"),
		Endpoint:    l.optional("cache-endpoint"),
		Prefix:      l.src.Get("cache-prefix"),
	}

	switch c.Backend {
	case "":
		c.Backend = CacheBackendActions
	case CacheBackendActions, CacheBackendLocal, CacheBackendNone:
	case CacheBackendS3:
		if !c.Bucket.Present() {
			return Cache{}, actionerr.NewConfigError("`cache-bucket` must be set when `cache-backend` is %s", CacheBackendS3)
		}
	default:
		return Cache{}, actionerr.NewConfigError(
			"`cache-backend` must be one of %s, %s, %s or %s, got: %s",
			CacheBackendActions, CacheBackendLocal, CacheBackendS3, CacheBackendNone, c.Backend,
		)
	}

	return c, nil
}
