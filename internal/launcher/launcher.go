// Package launcher runs Scala Steward via coursier.
package launcher

import (
	"context"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/simplesurance/stewardaction/internal/actionerr"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/metrics"
	"github.com/simplesurance/stewardaction/internal/nonempty"
	"github.com/simplesurance/stewardaction/internal/process"
)

const loggerName = "launcher"

// App is the coursier application name of Scala Steward.
const App = "scala-steward"

// DebugEnv are the environment variables that make Scala Steward log
// verbosely.
var DebugEnv = map[string]string{
	"LOG_LEVEL":      "TRACE",
	"ROOT_LOG_LEVEL": "TRACE",
}

type GroupPrinter interface {
	StartGroup(name string)
	EndGroup()
}

type nopGroupPrinter struct{}

func (nopGroupPrinter) StartGroup(string) {}
func (nopGroupPrinter) EndGroup()         {}

// Launcher runs applications with `cs launch`.
type Launcher struct {
	logger   *zap.Logger
	runner   process.Runner
	coursier string
	metrics  *metrics.Collector
	groups   GroupPrinter
	env      []string
}

type Option func(*Launcher)

func WithLogger(logger *zap.Logger) Option {
	return func(l *Launcher) {
		l.logger = logger.Named(loggerName)
	}
}

func WithRunner(r process.Runner) Option {
	return func(l *Launcher) {
		l.runner = r
	}
}

// WithCoursier sets the name or path of the coursier executable, it
// defaults to "cs".
func WithCoursier(path string) Option {
	return func(l *Launcher) {
		l.coursier = path
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(l *Launcher) {
		l.metrics = m
	}
}

func WithGroupPrinter(p GroupPrinter) Option {
	return func(l *Launcher) {
		l.groups = p
	}
}

// WithEnv sets additional environment variables for launched
// applications, in the format KEY=VALUE.
func WithEnv(env ...string) Option {
	return func(l *Launcher) {
		l.env = append(l.env, env...)
	}
}

func New(opts ...Option) *Launcher {
	l := Launcher{
		logger:   zap.L().Named(loggerName),
		runner:   process.OS{},
		coursier: "cs",
		groups:   nopGroupPrinter{},
	}

	for _, o := range opts {
		o(&l)
	}

	return &l
}

// ScalaVersion returns the Scala version of the Scala Steward artifacts for
// version. Scala 3 artifacts are published since 0.33.0.
func ScalaVersion(version string) string {
	parts := strings.Split(version, ".")

	component := func(i int) int {
		if i >= len(parts) {
			return 0
		}

		v, err := strconv.Atoi(parts[i])
		if err != nil {
			return 0
		}

		return v
	}

	if component(0) > 0 || component(1) >= 33 {
		return "3"
	}

	return "2.13"
}

// CoursierArgs returns the arguments for `cs` to launch app.
func CoursierArgs(name string, extraJars nonempty.String, args []string) []string {
	result := []string{"launch"}

	if extraJars.Present() {
		result = append(result, "--extra-jars", extraJars.Value())
	}

	result = append(result, "--contrib", "-r", "sonatype:snapshots", name, "--")

	return append(result, args...)
}

// Launch runs app with the given version and arguments.
// When version is absent the latest version is launched.
// Lines the application writes to stdout are logged with info, lines
// written to stderr with error priority.
func (l *Launcher) Launch(ctx context.Context, app string, version nonempty.String, args []string, extraJars nonempty.String) error {
	name := app
	if version.Present() {
		name = app + ":" + version.Value()
	}

	logger := l.logger.With(logfields.Tool(app))

	if version.Present() {
		logger.Debug(
			"launching release",
			zap.String("version", version.Value()),
			zap.String("scala_version", ScalaVersion(version.Value())),
		)
	}

	l.groups.StartGroup("Launching " + name)

	start := time.Now()
	err := l.runner.Run(ctx, &process.Cmd{
		Name: l.coursier,
		Args: CoursierArgs(name, extraJars, args),
		Env:  l.env,
		Stdout: func(line string) {
			logger.Info(line)
		},
		Stderr: func(line string) {
			logger.Error(line)
		},
	})
	l.metrics.ToolDurationSet(app, time.Since(start))

	l.groups.EndGroup()

	if err != nil {
		logger.Debug("launching failed", zap.Error(err))
		return actionerr.NewToolError(err, "Launching %s failed", name)
	}

	return nil
}
