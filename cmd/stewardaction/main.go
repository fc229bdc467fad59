package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/thecodeteam/goodbye"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/simplesurance/stewardaction"
	"github.com/simplesurance/stewardaction/internal/actions"
	"github.com/simplesurance/stewardaction/internal/cfg"
	"github.com/simplesurance/stewardaction/internal/logfields"
	"github.com/simplesurance/stewardaction/internal/logging"
)

const appName = "stewardaction"

var logger *zap.Logger

// Version is set via a ldflag on compilation
var Version = "unknown"

const (
	phasePre  = "pre"
	phaseRun  = "run"
	phasePost = "post"
)

func exitOnErr(msg string, err error) {
	if err == nil {
		return
	}

	fmt.Fprintln(os.Stderr, "ERROR:", msg+", error:", err.Error())
	os.Exit(1)
}

func panicHandler() {
	if r := recover(); r != nil {
		logger.Info(
			"panic caught , terminating gracefully",
			zap.String("panic", fmt.Sprintf("%v", r)),
			zap.StackSkip("stacktrace", 1),
		)

		ctx, cancelFn := context.WithTimeout(context.Background(), time.Minute)
		defer cancelFn()

		goodbye.Exit(ctx, 1)
	}
}

type arguments struct {
	Verbose     *bool
	ConfigFile  *string
	LogFormat   *string
	ShowVersion *bool
}

var args arguments

func mustParseCommandlineParams() {
	args = arguments{
		Verbose: pflag.BoolP(
			"verbose",
			"v",
			false,
			"enable verbose logging",
		),
		ConfigFile: pflag.StringP(
			"cfg-file",
			"c",
			"",
			"path to a TOML file assigning values to action inputs, values set via INPUT_* environment variables take precedence",
		),
		LogFormat: pflag.String(
			"log-format",
			logging.FormatLogfmt,
			"log format, one of: logfmt, console, json",
		),
		ShowVersion: pflag.Bool(
			"version",
			false,
			"print the version and exit",
		),
	}

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTION] [pre|run|post]\nRun Scala Steward as GitHub Action.\n", appName)
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		pflag.PrintDefaults()
	}

	pflag.Parse()
}

func mustParseInputs(rt *actions.Runtime) *actions.Inputs {
	// we use exitOnErr in this function instead of logger.Fatal() because
	// the logger is not initialized yet

	md, err := cfg.ParseActionMetadata(stewardaction.Metadata)
	exitOnErr("could not parse action metadata", err)

	defaults := md.Defaults()

	if *args.ConfigFile != "" {
		file, err := os.Open(*args.ConfigFile)
		exitOnErr("could not open configuration file", err)
		defer file.Close()

		fileInputs, err := cfg.LoadInputsFile(file)
		exitOnErr(fmt.Sprintf("could not load configuration file: %s", *args.ConfigFile), err)

		defaults = cfg.Merge(defaults, fileInputs)
	}

	return rt.Inputs(defaults)
}

func mustInitLogger(rt *actions.Runtime) {
	logLevel := zapcore.InfoLevel
	if *args.Verbose || rt.IsDebug() {
		logLevel = zapcore.DebugLevel
	}

	var opts []zap.Option
	if rt.InActions() {
		opts = append(opts, logging.Annotations(rt))
	}

	var err error
	logger, err = logging.New(&logging.Config{
		Format:  *args.LogFormat,
		TimeKey: logging.DefTimeKey,
		Level:   logLevel,
	}, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not initialize logger: %s\n", err)
		os.Exit(2)
	}

	logger = logger.Named("main")
	zap.ReplaceGlobals(logger)

	goodbye.Register(func(context.Context, os.Signal) {
		// syncing stdout fails with EINVAL on some platforms
		_ = logger.Sync()
	})
}

func phase() string {
	switch pflag.NArg() {
	case 0:
		return phaseRun
	case 1:
		return pflag.Arg(0)
	default:
		fmt.Fprintf(os.Stderr, "expecting at most one positional argument, got: %d\n", pflag.NArg())
		os.Exit(2)
		return ""
	}
}

func main() {
	defer panicHandler()

	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()

	goodbye.Notify(context.Background())

	mustParseCommandlineParams()

	if *args.ShowVersion {
		fmt.Printf("%s %s\n", appName, Version)
		os.Exit(0) // nolint:gocritic // defer functions won't run
	}

	rt := actions.New()
	inputs := mustParseInputs(rt)
	mustInitLogger(rt)

	goodbye.Register(func(_ context.Context, sig os.Signal) {
		if sig != nil {
			logger.Info(fmt.Sprintf("terminating, received signal %s", sig.String()))
		}

		cancelFn()
	})

	ph := phase()
	logger.Debug(
		"starting",
		logfields.Event("starting"),
		zap.String("phase", ph),
		zap.String("version", Version),
	)

	var err error

	switch ph {
	case phasePre:
		err = runPre(ctx, rt, inputs)
	case phaseRun:
		err = runSteward(ctx, rt, inputs)
	case phasePost:
		runPost(ctx, rt)
	default:
		fmt.Fprintf(os.Stderr, "unsupported phase: %q, expecting one of: %s, %s, %s\n", ph, phasePre, phaseRun, phasePost)
		goodbye.Exit(ctx, 2)
	}

	if err != nil {
		logger.Debug(
			"action failed",
			logfields.Event("action_failed"),
			zap.Error(err),
			zap.NamedError("cause", errors.Unwrap(err)),
		)
		rt.SetFailed(err.Error())
		goodbye.Exit(context.Background(), 1)
	}

	goodbye.Exit(context.Background(), 0)
}
