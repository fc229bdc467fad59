package main

import (
	"context"
	"os"

	"github.com/thecodeteam/goodbye"
	"golang.org/x/sync/errgroup"

	"github.com/simplesurance/stewardaction/internal/actions"
	"github.com/simplesurance/stewardaction/internal/cfg"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/healthcheck"
	"github.com/simplesurance/stewardaction/internal/install"
	"github.com/simplesurance/stewardaction/internal/retry"
)

// runPre checks the connection to Maven Central and installs coursier, its
// managed tools and mill.
func runPre(ctx context.Context, rt *actions.Runtime, inputs cfg.InputSource) error {
	config, err := cfg.LoadInstall(inputs)
	if err != nil {
		return err
	}

	home, err := rt.Home()
	if err != nil {
		return err
	}

	if err := healthcheck.New().MavenCentral(ctx); err != nil {
		return err
	}

	retryer := retry.New()
	goodbye.Register(func(context.Context, os.Signal) {
		retryer.Stop()
	})

	inst := newInstaller(rt, home, install.WithRetryer(retryer))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return inst.InstallCoursier(gctx, config.CoursierURL)
	})

	if config.MillVersion.Present() {
		g.Go(func() error {
			return inst.InstallMill(gctx, config.MillVersion.Value())
		})
	}

	return g.Wait()
}

func newInstaller(rt *actions.Runtime, home string, opts ...install.Option) *install.Installer {
	if dir := rt.Getenv("RUNNER_TOOL_CACHE"); dir != "" {
		opts = append(opts, install.WithToolCache(dir))
	}

	return install.New(fsutils.OS("/"), home, rt, opts...)
}
