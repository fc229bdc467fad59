// Package stewardaction runs Scala Steward as GitHub Action.
package stewardaction

import (
	_ "embed"
)

// Metadata is the content of the action.yml metadata file.
//
//go:embed action.yml
var Metadata []byte
