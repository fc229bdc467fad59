package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/fsutils"
	"github.com/simplesurance/stewardaction/internal/logfields"
)

// ErrUnsupportedPlatform is returned when no native mill launcher exists
// for the platform.
var ErrUnsupportedPlatform = errors.New("Unable to detect Mill artifact suffix")

// MillArtifactSuffix returns the suffix of the native mill launcher
// artifact for the platform.
func MillArtifactSuffix(goos, goarch string) (string, error) {
	arch := "amd64"
	if goarch == "arm64" {
		arch = "aarch64"
	}

	switch goos {
	case "linux":
		return "-native-linux-" + arch, nil
	case "darwin":
		return "-native-mac-" + arch, nil
	default:
		return "", ErrUnsupportedPlatform
	}
}

// MillURL returns the download URL of the native mill launcher.
func (i *Installer) MillURL(version string) (string, error) {
	suffix, err := MillArtifactSuffix(i.goos, i.goarch)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"%s/com/lihaoyi/mill-dist%s/%s/mill-dist%s-%s.exe",
		i.mavenRepoURL, suffix, version, suffix, version,
	), nil
}

// MillPath returns the path of the mill launcher.
func (i *Installer) MillPath() string {
	return path.Join(i.BinDir(), "mill")
}

func (i *Installer) millCacheDir(version string) string {
	arch := "x64"
	if i.goarch == "arm64" {
		arch = "arm64"
	}

	return path.Join(i.toolCacheDir, "mill", version, arch)
}

// InstallMill installs the mill launcher with the given version.
// When a tool cache is configured and contains the version, the cached
// launcher is added to the PATH instead of downloading it.
func (i *Installer) InstallMill(ctx context.Context, version string) error {
	if err := i.installMill(ctx, version); err != nil {
		i.logger.Error("installing mill failed", zap.Error(err), zap.String("version", version))
		return actionerr.NewToolError(err, "Unable to install Mill")
	}

	i.logger.Info(
		"✓ Mill installed, version: "+version,
		logfields.Event("tool_installed"),
		logfields.Tool("mill"),
	)

	return nil
}

func (i *Installer) installMill(ctx context.Context, version string) error {
	if i.toolCacheDir != "" {
		cacheDir := i.millCacheDir(version)

		found, err := fsutils.Exists(i.fs, cacheDir+".complete")
		if err != nil {
			return err
		}

		if found {
			i.logger.Debug("using cached mill launcher", logfields.Path(cacheDir))
			return i.paths.AddPath(cacheDir)
		}
	}

	url, err := i.MillURL(version)
	if err != nil {
		return err
	}

	i.logger.Debug("attempting to install mill", zap.String("url", url))

	if err := i.fs.MkdirAll(i.BinDir(), binMode); err != nil {
		return err
	}

	if err := i.download(ctx, url, i.MillPath(), false); err != nil {
		return err
	}

	if i.toolCacheDir == "" {
		return nil
	}

	if err := i.cacheMill(version); err != nil {
		i.logger.Warn("storing mill in tool cache failed", zap.Error(err))
	}

	return nil
}

func (i *Installer) cacheMill(version string) error {
	cacheDir := i.millCacheDir(version)

	if err := i.fs.MkdirAll(cacheDir, binMode); err != nil {
		return err
	}

	src, err := i.fs.Open(i.MillPath())
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := i.fs.OpenFile(path.Join(cacheDir, "mill"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, binMode)
	if err != nil {
		return err
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}

	if err := dst.Close(); err != nil {
		return err
	}

	if err := i.fs.Chmod(path.Join(cacheDir, "mill"), binMode); err != nil {
		return err
	}

	return fsutils.WriteFile(i.fs, cacheDir+".complete", nil, 0o644)
}

// RemoveMill deletes the mill launcher.
func (i *Installer) RemoveMill() error {
	return fsutils.RemoveAll(i.fs, i.MillPath())
}
