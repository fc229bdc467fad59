package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sync"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/actions"
	"github.com/simplesurance/stewardaction/internal/askpass"
	"github.com/simplesurance/stewardaction/internal/cache"
	"github.com/simplesurance/stewardaction/internal/cache/actionsstore"
	"github.com/simplesurance/stewardaction/internal/cache/localstore"
	"github.com/simplesurance/stewardaction/internal/cache/s3store"
	"github.com/simplesurance/stewardaction/internal/cfg"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/githubclt"
	"github.com/simplesurance/stewardaction/internal/launcher"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/metrics"
	"github.com/simplesurance/stewardaction/internal/workspace"
)

func hide(in string) string {
	if in == "" {
		return in
	}

	return "**hidden**"
}

// runSteward prepares the workspace, restores it from the cache, runs Scala
// Steward and saves the workspace to the cache again.
func runSteward(ctx context.Context, rt *actions.Runtime, inputs cfg.InputSource) error {
	fs := fsutils.OS("/")

	workdir := rt.Getenv("GITHUB_WORKSPACE")
	if workdir == "" {
		var err error
		if workdir, err = os.Getwd(); err != nil {
			return err
		}
	}

	config, err := cfg.Load(inputs, fs, workdir)
	if err != nil {
		return err
	}

	logger.Debug(
		"loaded inputs",
		logfields.Event("cfg_loaded"),
		zap.String("github_token", hide(config.GitHubToken)),
		zap.String("github_api_url", config.GitHubAPIURL),
		zap.Bool("github_app", config.GitHubApp != nil),
		zap.String("scala_steward_version", config.StewardVersion.Or("latest")),
		logfields.CacheBackend(config.Cache.Backend),
		zap.String("cache_compression", config.Cache.Compression),
	)

	home, err := rt.Home()
	if err != nil {
		return err
	}

	clt, err := githubclt.New(config.GitHubAPIURL, config.GitHubToken)
	if err != nil {
		return err
	}

	supplier, user, err := credentials(ctx, config, clt)
	if err != nil {
		return err
	}

	m := metrics.New()

	gateway, err := newCacheGateway(ctx, config, fs, home, rt.Getenv)
	if err != nil {
		return err
	}

	ws := workspace.New(
		fs,
		home,
		gateway,
		workspace.WithGroupPrinter(rt),
		workspace.WithMetrics(m),
	)

	if err := ws.Prepare(ctx, config.Repos, supplier, config.GitHubApp); err != nil {
		return err
	}

	logger.Info("✓ Scala Steward workspace created", logfields.Event("workspace_created"))

	// finish runs on return and on termination via a signal
	finish := sync.OnceFunc(func() {
		ws.CancelTokenRefresh()
		ws.SaveWorkspaceCache(context.Background())

		if config.MetricsFile.Present() {
			writeMetrics(m, config.MetricsFile.Value())
		}
	})
	goodbye.Register(func(context.Context, os.Signal) {
		finish()
	})
	defer finish()

	ws.RestoreWorkspaceCache(ctx)

	var env []string
	if rt.IsDebug() {
		logger.Debug("🐛 Debug mode activated for Scala Steward")

		for k, v := range launcher.DebugEnv {
			if err := rt.ExportVariable(k, v); err != nil {
				return err
			}

			env = append(env, k+"="+v)
		}
	}

	args, err := launcher.StewardArgs(ws, user, config)
	if err != nil {
		return err
	}

	l := newLauncher(rt, home, env, launcher.WithMetrics(m))

	launchErr := l.Launch(ctx, launcher.App, config.StewardVersion, args, config.ExtraJars)

	appendRunSummary(rt, ws)

	return launchErr
}

// credentials returns the supplier of the token that git uses to
// authenticate and the user that commits are authored as.
//
// With a GitHub App installation, installation tokens are created. They
// expire after one hour, a new one is created on every refresh.
func credentials(ctx context.Context, config *cfg.Config, clt *githubclt.Client) (askpass.TokenSupplier, launcher.Identity, error) {
	app := config.GitHubApp
	if app == nil || app.InstallationID == 0 {
		return askpass.Static(config.GitHubToken), clt.AuthUser(ctx), nil
	}

	ts, err := githubclt.NewAppTokenSource(config.GitHubAPIURL, app.ID, app.InstallationID, app.Key)
	if err != nil {
		return nil, nil, actionerr.NewConfigError("`github-app-key` is invalid: %s", err)
	}

	supplier := askpass.FromTokenSource(ts)

	if !app.AuthOnly {
		return supplier, clt.AuthUser(ctx), nil
	}

	slug, err := ts.Slug(ctx)
	if err != nil {
		logger.Debug("retrieving github app slug failed", zap.Error(err), logfields.AppID(app.ID))
		return supplier, &githubclt.DefaultUser, nil
	}

	return supplier, clt.AppUser(ctx, slug), nil
}

// newLauncher returns a Launcher that runs the coursier launcher installed
// by the pre phase via its path. The install directory is also prepended to
// PATH of the launched process, Scala Steward runs the coursier managed
// tools from there.
func newLauncher(rt *actions.Runtime, home string, env []string, opts ...launcher.Option) *launcher.Launcher {
	inst := newInstaller(rt, home)

	searchPath := inst.BinDir()
	if p := rt.Getenv("PATH"); p != "" {
		searchPath += string(os.PathListSeparator) + p
	}

	return launcher.New(append([]launcher.Option{
		launcher.WithCoursier(inst.CoursierPath()),
		launcher.WithGroupPrinter(rt),
		launcher.WithEnv(append(env, "PATH="+searchPath)...),
	}, opts...)...)
}

func newCacheGateway(ctx context.Context, c *cfg.Config, fs fsutils.FS, home string, getenv func(string) string) (cache.Gateway, error) {
	if c.Cache.Backend == cfg.CacheBackendNone {
		return cache.Disabled{}, nil
	}

	compression, err := cache.ParseCompression(c.Cache.Compression)
	if err != nil {
		return nil, actionerr.NewConfigError("`cache-compression` is invalid: %s", err)
	}

	localStore := func() cache.Store {
		return localstore.New(fs, c.Cache.Dir.Or(path.Join(home, ".cache", "stewardaction")))
	}

	var store cache.Store

	switch c.Cache.Backend {
	case cfg.CacheBackendActions:
		store, err = actionsstore.FromEnv(getenv, actionsstore.Version(string(compression)))
		if errors.Is(err, actionsstore.ErrUnavailable) {
			logger.Warn(
				"actions cache service is unavailable, using the local cache backend",
				logfields.Event("cache_backend_fallback"),
				zap.Error(err),
			)
			store = localStore()
		} else if err != nil {
			return nil, err
		}

	case cfg.CacheBackendS3:
		var opts []func(*awsconfig.LoadOptions) error
		if c.Cache.Region.Present() {
			opts = append(opts, awsconfig.WithRegion(c.Cache.Region.Value()))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("loading aws configuration failed: %w", err)
		}

		store = s3store.New(
			awsCfg,
			c.Cache.Bucket.Value(),
			c.Cache.Endpoint.Value(),
			s3store.WithPrefix(c.Cache.Prefix),
		)

	default:
		store = localStore()
	}

	return cache.NewClient(fs, store, cache.WithCompression(compression)), nil
}

func appendRunSummary(rt *actions.Runtime, ws *workspace.Workspace) {
	summary, found, err := ws.ReadRunSummary()
	if err != nil {
		logger.Warn("reading run summary failed", zap.Error(err), logfields.Path(ws.RunSummaryFile()))
		return
	}

	if !found {
		return
	}

	if err := rt.AppendStepSummary(summary); err != nil {
		logger.Warn("appending run summary to job summary failed", zap.Error(err))
	}
}

func writeMetrics(m *metrics.Collector, path string) {
	if err := m.WriteTextfile(path); err != nil {
		logger.Warn("writing metrics failed", zap.Error(err), logfields.Path(path))
	}
}
