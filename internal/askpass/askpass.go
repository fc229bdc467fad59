// Package askpass maintains the GIT_ASKPASS script that git invokes to
// retrieve the password for HTTPS remotes.
// The script prints a GitHub token, tokens with a limited lifetime are
// refreshed periodically while the script is in use.
package askpass

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2"

	"github.com/simplesurance/stewardaction/internal/fsutils"
)

// ScriptMode is the file mode of the askpass script.
const ScriptMode os.FileMode = 0o755

// TokenSupplier returns the token that the script prints.
type TokenSupplier func(ctx context.Context) (string, error)

// Static returns a TokenSupplier that always returns token.
func Static(token string) TokenSupplier {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// FromTokenSource returns a TokenSupplier that returns the access token of
// ts. ts is responsible for renewing the token when it expires.
func FromTokenSource(ts oauth2.TokenSource) TokenSupplier {
	return func(context.Context) (string, error) {
		t, err := ts.Token()
		if err != nil {
			return "", err
		}

		return t.AccessToken, nil
	}
}

// Script returns the content of an askpass script that prints token.
func Script(token string) []byte {
	return []byte("#!/bin/sh\n\necho '" + strings.ReplaceAll(token, "'", `'\''`) + "'")
}

// Write writes the askpass script for token to path and makes it
// executable. An existing file is overwritten.
func Write(fsys fsutils.FS, path, token string) error {
	if err := fsutils.WriteFile(fsys, path, Script(token), ScriptMode); err != nil {
		return fmt.Errorf("writing %s failed: %w", path, err)
	}

	if err := fsys.Chmod(path, ScriptMode); err != nil {
		return fmt.Errorf("changing file mode of %s failed: %w", path, err)
	}

	return nil
}
