package actions

import (
	"fmt"
	"strings"
)

// Inputs provides access to the inputs of the action.
// Values set by the runner take precedence over the defaults.
type Inputs struct {
	getenv   func(string) string
	defaults map[string]string
}

// Inputs returns the inputs of the action, defaults are used for inputs
// that are not set by the runner.
func (r *Runtime) Inputs(defaults map[string]string) *Inputs {
	if defaults == nil {
		defaults = map[string]string{}
	}

	return &Inputs{getenv: r.getenv, defaults: defaults}
}

// EnvName returns the name of the environment variable that the runner
// stores the input name in.
func EnvName(name string) string {
	return "INPUT_" + strings.ToUpper(strings.ReplaceAll(name, " ", "_"))
}

// Get returns the whitespace-trimmed value of the input name.
// When the input is not set an empty string is returned.
func (i *Inputs) Get(name string) string {
	if v := strings.TrimSpace(i.getenv(EnvName(name))); v != "" {
		return v
	}

	return strings.TrimSpace(i.defaults[name])
}

// Bool returns the value of a boolean input.
// Accepted values are the ones of the YAML 1.2 core schema: true, True,
// TRUE, false, False, FALSE. An unset input is false.
func (i *Inputs) Bool(name string) (bool, error) {
	v := i.Get(name)

	switch v {
	case "true", "True", "TRUE":
		return true, nil
	case "false", "False", "FALSE", "":
		return false, nil
	}

	return false, fmt.Errorf(
		"input does not meet YAML 1.2 \"Core Schema\" specification: %s\n"+
			"Support boolean input list: `true | True | TRUE | false | False | FALSE`",
		name,
	)
}
