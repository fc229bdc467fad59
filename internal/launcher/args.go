package launcher

import (
	"strconv"
	"strings"

	"github.com/simplesurance/stewardaction/internal/cfg"
)

// Identity is the GitHub user Scala Steward acts as.
type Identity interface {
	Login() (string, error)
	Email() (string, error)
	Name() (string, error)
}

// WorkspacePaths are the locations of the workspace files passed to Scala
// Steward.
type WorkspacePaths interface {
	WorkspaceDir() string
	ReposFile() string
	AskPassFile() string
	AppKeyFile() string
}

// StewardArgs returns the command line arguments for Scala Steward.
// The author email and name from c take precedence over the ones of user,
// user is only queried for values that are not configured.
func StewardArgs(ws WorkspacePaths, user Identity, c *cfg.Config) ([]string, error) {
	email, err := authorOr(c.AuthorEmail.Present(), c.AuthorEmail.Value(), user.Email)
	if err != nil {
		return nil, err
	}

	name, err := authorOr(c.AuthorName.Present(), c.AuthorName.Value(), user.Name)
	if err != nil {
		return nil, err
	}

	login, err := user.Login()
	if err != nil {
		return nil, err
	}

	args := []string{
		"--workspace", ws.WorkspaceDir(),
		"--repos-file", ws.ReposFile(),
		"--git-ask-pass", ws.AskPassFile(),
		"--git-author-email", email,
		"--git-author-name", name,
		"--vcs-login", login,
		"--vcs-api-host", c.GitHubAPIURL,
	}

	if c.RepoConfig.Present() {
		args = append(args, "--repo-config", c.RepoConfig.Value())
	}

	if app := c.GitHubApp; app != nil && !app.AuthOnly {
		args = append(args,
			"--github-app-id", strconv.FormatInt(app.ID, 10),
			"--github-app-key-file", ws.AppKeyFile(),
		)
	}

	args = append(args, "--do-not-fork", "--disable-sandbox")

	if c.OtherArgs.Present() {
		args = append(args, strings.Fields(c.OtherArgs.Value())...)
	}

	return args, nil
}

func authorOr(configured bool, val string, fallback func() (string, error)) (string, error) {
	if configured {
		return val, nil
	}

	return fallback()
}
