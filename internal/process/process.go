// Package process runs external commands and streams their output line by
// line.
package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// Cmd describes a command to run.
type Cmd struct {
	Name string
	Args []string
	// Env is added to the environment of the current process.
	Env []string
	// Stdout and Stderr are called for every line the command writes to
	// the corresponding stream, when nil the output is discarded.
	Stdout func(line string)
	Stderr func(line string)
}

func (c *Cmd) String() string {
	return strings.Join(append([]string{c.Name}, c.Args...), " ")
}

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd *Cmd) error
}

// ExitError is returned when a command terminates with a non-zero exit code.
type ExitError struct {
	Cmd  string
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: exited with code %d", e.Cmd, e.Code)
}

// OS executes commands as child processes.
type OS struct{}

// Run starts the command and waits until it terminated and its output was
// processed. If the context is cancelled the process is killed.
func (OS) Run(ctx context.Context, c *Cmd) error {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s failed: %w", c.Name, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		streamLines(stdout, c.Stdout)
	}()

	go func() {
		defer wg.Done()
		streamLines(stderr, c.Stderr)
	}()

	// the pipes must be drained before Wait() is called
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return &ExitError{Cmd: c.String(), Code: exitErr.ExitCode()}
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("%s: %w", c.String(), ctxErr)
		}

		return fmt.Errorf("%s: %w", c.String(), err)
	}

	return nil
}

func streamLines(r io.Reader, fn func(string)) {
	if fn == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	for sc.Scan() {
		fn(sc.Text())
	}

	// drain the rest when a line exceeded the buffer
	_, _ = io.Copy(io.Discard, r)
}

// Output runs the command and returns what it wrote to stdout.
// Lines written to stderr are passed to stderr if it is not nil.
func Output(ctx context.Context, r Runner, stderr func(string), name string, args ...string) (string, error) {
	var sb strings.Builder

	err := r.Run(ctx, &Cmd{
		Name: name,
		Args: args,
		Stdout: func(line string) {
			sb.WriteString(line)
			sb.WriteByte('\n')
		},
		Stderr: stderr,
	})
	if err != nil {
		return "", err
	}

	return sb.String(), nil
}
