package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actions"
	"github.com/simplesurance/stewardaction/internal/cache"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/workspace"
)

// runPost removes everything the action created. Failures are only
// reported as warnings.
func runPost(ctx context.Context, rt *actions.Runtime) {
	home, err := rt.Home()
	if err != nil {
		logger.Warn(err.Error(), logfields.Event("cleanup_failed"))
		return
	}

	ws := workspace.New(fsutils.OS("/"), home, cache.Disabled{})
	if err := ws.Remove(); err != nil {
		logger.Warn(err.Error(), logfields.Event("cleanup_failed"), logfields.Path(ws.Directory()))
	} else {
		logger.Info("🗑 Scala Steward's workspace removed", logfields.Event("workspace_removed"))
	}

	inst := newInstaller(rt, home)

	if err := inst.RemoveCoursier(ctx); err != nil {
		logger.Warn(err.Error(), logfields.Event("cleanup_failed"), logfields.Tool("cs"))
	} else {
		logger.Info("🗑 Coursier binary removed", logfields.Event("tool_removed"), logfields.Tool("cs"))
	}

	if err := inst.RemoveMill(); err != nil {
		logger.Warn(err.Error(), logfields.Event("cleanup_failed"), logfields.Tool("mill"))
	} else {
		logger.Info("🗑 Mill binary removed", logfields.Event("tool_removed"), logfields.Tool("mill"))
	}

	logger.Debug("cleanup finished", zap.String("home", home))
}
