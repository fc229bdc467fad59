// Package actions implements the parts of the GitHub Actions runner protocol
// used by the action: inputs, workflow commands and environment files.
package actions

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Runtime provides access to the runner environment of a GitHub Action.
type Runtime struct {
	// envLock serializes modifications of environment variables and
	// environment files.
	envLock sync.Mutex

	out    io.Writer
	getenv func(string) string
	setenv func(string, string) error
}

type Option func(*Runtime)

// WithWriter sets the writer workflow commands are written to.
func WithWriter(w io.Writer) Option {
	return func(r *Runtime) {
		r.out = w
	}
}

// WithEnv sets the functions used to read and modify environment variables.
func WithEnv(getenv func(string) string, setenv func(string, string) error) Option {
	return func(r *Runtime) {
		r.getenv = getenv
		r.setenv = setenv
	}
}

// New returns a Runtime that writes to stdout and uses the process
// environment.
func New(opts ...Option) *Runtime {
	r := Runtime{
		out:    os.Stdout,
		getenv: os.Getenv,
		setenv: os.Setenv,
	}

	for _, o := range opts {
		o(&r)
	}

	return &r
}

// Getenv returns the value of the environment variable key.
func (r *Runtime) Getenv(key string) string {
	return r.getenv(key)
}

// InActions returns true if the process is run by a GitHub Actions runner.
func (r *Runtime) InActions() bool {
	return r.getenv("GITHUB_ACTIONS") == "true"
}

// IsDebug returns true if step debug logging is enabled for the workflow run.
func (r *Runtime) IsDebug() bool {
	return r.getenv("RUNNER_DEBUG") == "1"
}

// Command writes the workflow command cmd with the message msg.
func (r *Runtime) Command(cmd, msg string) {
	fmt.Fprintf(r.out, "::%s::%s\n", cmd, escapeData(msg))
}

func (r *Runtime) StartGroup(name string) {
	r.Command("group", name)
}

func (r *Runtime) EndGroup() {
	r.Command("endgroup", "")
}

func (r *Runtime) Debug(msg string) {
	r.Command("debug", msg)
}

func (r *Runtime) Warning(msg string) {
	r.Command("warning", msg)
}

func (r *Runtime) Error(msg string) {
	r.Command("error", msg)
}

// SetFailed reports msg as error annotation of the step.
// The caller is responsible for terminating with a non-zero exit code.
func (r *Runtime) SetFailed(msg string) {
	r.Error(" ✕ " + msg)
}

// AddPath prepends dir to the PATH of the current process and of all
// following steps of the job.
func (r *Runtime) AddPath(dir string) error {
	r.envLock.Lock()
	defer r.envLock.Unlock()

	if path := r.getenv("GITHUB_PATH"); path != "" {
		if err := appendToFile(path, dir+"\n"); err != nil {
			return fmt.Errorf("adding %s to GITHUB_PATH failed: %w", dir, err)
		}
	}

	return r.setenv("PATH", dir+string(os.PathListSeparator)+r.getenv("PATH"))
}

// ExportVariable sets the environment variable name for the current process
// and all following steps of the job.
func (r *Runtime) ExportVariable(name, val string) error {
	r.envLock.Lock()
	defer r.envLock.Unlock()

	if path := r.getenv("GITHUB_ENV"); path != "" {
		delim := "ghadelimiter_" + uuid.NewString()
		if strings.Contains(name, delim) || strings.Contains(val, delim) {
			return fmt.Errorf("value of %s contains the delimiter %s", name, delim)
		}

		entry := fmt.Sprintf("%s<<%s\n%s\n%s\n", name, delim, val, delim)
		if err := appendToFile(path, entry); err != nil {
			return fmt.Errorf("exporting variable %s failed: %w", name, err)
		}
	}

	return r.setenv(name, val)
}

// AppendStepSummary appends markdown to the job summary of the step.
// It is a no-op when the runner does not provide a summary file.
func (r *Runtime) AppendStepSummary(markdown string) error {
	path := r.getenv("GITHUB_STEP_SUMMARY")
	if path == "" {
		return nil
	}

	return appendToFile(path, markdown+"\n")
}

// Home returns the home directory of the user running the action.
func (r *Runtime) Home() (string, error) {
	if home := r.getenv("HOME"); home != "" {
		return home, nil
	}

	return os.UserHomeDir()
}

func appendToFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	if _, err := f.WriteString(data); err != nil {
		_ = f.Close()
		return err
	}

	return f.Close()
}

func escapeData(s string) string {
	return strings.NewReplacer(
		"%", "%25",
		"\r", "%0D",
		"\n", "%0A",
	).Replace(s)
}
