package cfg

import (
	"github.com/simplesurance/stewardaction/internal/nonempty"
)

// Install is the configuration of the tools installed before Scala Steward
// runs.
type Install struct {
	CoursierURL string
	// MillVersion is absent when mill should not be installed.
	MillVersion nonempty.String
}

// LoadInstall reads the installer inputs from src.
func LoadInstall(src InputSource) (*Install, error) {
	url, err := mandatoryInput(src, "coursier-cli-url")
	if err != nil {
		return nil, err
	}

	return &Install{
		CoursierURL: url,
		MillVersion: nonempty.From(src.Get("mill-version")),
	}, nil
}
