package actionerr

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkspaceErrorHidesCause(t *testing.T) {
	err := fmt.Errorf("prepare: %w", NewWorkspaceError(fs.ErrPermission))

	assert.NotContains(t, err.Error(), fs.ErrPermission.Error())
	assert.ErrorIs(t, err, fs.ErrPermission)

	var wsErr *WorkspaceError
	assert.ErrorAs(t, err, &wsErr)
}

func TestConfigError(t *testing.T) {
	err := NewConfigError("input %q is missing", "github-token")
	assert.EqualError(t, err, `input "github-token" is missing`)

	var cfgErr *ConfigError
	assert.True(t, errors.As(fmt.Errorf("loading: %w", err), &cfgErr))
}

func TestToolError(t *testing.T) {
	cause := errors.New("exit code 1")
	err := NewToolError(cause, "Launching %s failed", "scala-steward:0.30.0")

	assert.EqualError(t, err, "Launching scala-steward:0.30.0 failed")
	assert.ErrorIs(t, err, cause)
}
