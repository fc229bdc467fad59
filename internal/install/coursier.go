package install

import (
	"context"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/process"
)

// CoursierManagedTools are installed via coursier after coursier itself was
// installed.
var CoursierManagedTools = []string{"scalafmt", "scalafix", "scala-cli"}

// CoursierPath returns the path of the coursier launcher.
func (i *Installer) CoursierPath() string {
	return path.Join(i.BinDir(), "cs")
}

// InstallCoursier downloads the gzipped coursier launcher from url, adds the
// bin directory to the PATH and installs CoursierManagedTools.
func (i *Installer) InstallCoursier(ctx context.Context, url string) error {
	if err := i.installCoursier(ctx, url); err != nil {
		i.logger.Debug("installing coursier failed", zap.Error(err))
		return actionerr.NewToolError(err, "Unable to install coursier or managed tools")
	}

	return nil
}

func (i *Installer) installCoursier(ctx context.Context, url string) error {
	i.logger.Debug("installing coursier", zap.String("url", url))

	if err := i.fs.MkdirAll(i.BinDir(), binMode); err != nil {
		return err
	}

	if err := i.download(ctx, url, i.CoursierPath(), true); err != nil {
		return err
	}

	if err := i.paths.AddPath(i.BinDir()); err != nil {
		return err
	}

	debugLine := func(line string) {
		i.logger.Debug(line, logfields.Tool("cs"))
	}

	args := append([]string{"install"}, CoursierManagedTools...)
	args = append(args, "--install-dir", i.BinDir())

	err := i.runner.Run(ctx, &process.Cmd{
		Name:   i.CoursierPath(),
		Args:   args,
		Stdout: debugLine,
		Stderr: debugLine,
	})
	if err != nil {
		return err
	}

	csVersion, err := process.Output(ctx, i.runner, debugLine, i.CoursierPath(), "version")
	if err != nil {
		return err
	}

	i.logger.Info(
		"✓ Coursier installed, version: "+strings.TrimSpace(csVersion),
		logfields.Event("tool_installed"),
		logfields.Tool("cs"),
	)

	scalafmtVersion, err := process.Output(ctx, i.runner, debugLine, i.CoursierPath(), "launch", "scalafmt", "--", "--version")
	if err != nil {
		return err
	}

	i.logger.Info(
		"✓ Scalafmt installed, version: "+strings.TrimSpace(strings.TrimPrefix(scalafmtVersion, "scalafmt ")),
		logfields.Event("tool_installed"),
		logfields.Tool("scalafmt"),
	)

	scalafixVersion, err := process.Output(ctx, i.runner, debugLine, i.CoursierPath(), "launch", "scalafix", "--", "--version")
	if err != nil {
		return err
	}

	i.logger.Info(
		"✓ Scalafix installed, version: "+strings.TrimSpace(scalafixVersion),
		logfields.Event("tool_installed"),
		logfields.Tool("scalafix"),
	)

	i.logger.Info("✓ scala-cli installed", logfields.Event("tool_installed"), logfields.Tool("scala-cli"))

	return nil
}

// RemoveCoursier deletes the coursier cache and uninstalls all tools
// installed via coursier.
// A failing uninstall command is ignored.
func (i *Installer) RemoveCoursier(ctx context.Context) error {
	if err := fsutils.RemoveAll(i.fs, path.Join(i.home, ".cache", "coursier", "v1")); err != nil {
		return err
	}

	err := i.runner.Run(ctx, &process.Cmd{
		Name: i.CoursierPath(),
		Args: []string{"uninstall", "--all"},
		Stdout: func(line string) {
			i.logger.Info(line, logfields.Tool("cs"))
		},
		Stderr: func(line string) {
			i.logger.Debug(line, logfields.Tool("cs"))
		},
	})
	if err != nil {
		i.logger.Debug("uninstalling coursier tools failed", zap.Error(err))
	}

	return fsutils.RemoveAll(i.fs, i.CoursierPath())
}
