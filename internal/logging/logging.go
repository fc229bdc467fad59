// Package logging creates the zap loggers used by the action.
package logging

import (
	"fmt"
	"io"
	"os"

	zaplogfmt "github.com/sykesm/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Supported log formats.
const (
	FormatLogfmt  = "logfmt"
	FormatConsole = "console"
	FormatJSON    = "json"
)

const DefTimeKey = "time_iso8601"

// Config configures the logger created by New.
type Config struct {
	Format  string
	TimeKey string
	Level   zapcore.Level
	// Output defaults to stdout.
	Output io.Writer
}

// Annotator reports messages as annotations of the workflow step.
type Annotator interface {
	Warning(msg string)
	Error(msg string)
}

// New returns a logger for cfg.
func New(cfg *Config, opts ...zap.Option) (*zap.Logger, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	var enc zapcore.Encoder
	encCfg := encoderConfig(cfg)

	switch cfg.Format {
	case FormatLogfmt, "":
		enc = zaplogfmt.NewEncoder(encCfg)
	case FormatConsole:
		enc = zapcore.NewConsoleEncoder(encCfg)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return nil, fmt.Errorf("unsupported log format: %q", cfg.Format)
	}

	return zap.New(
		zapcore.NewCore(enc, zapcore.AddSync(out), cfg.Level),
		opts...,
	), nil
}

func encoderConfig(config *Config) zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()

	cfg.LevelKey = "loglevel"
	cfg.TimeKey = config.TimeKey
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	return cfg
}

// Annotations returns a zap option that reports every logged warning and
// error additionally as workflow annotation via a.
func Annotations(a Annotator) zap.Option {
	return zap.Hooks(func(e zapcore.Entry) error {
		switch {
		case e.Level == zapcore.WarnLevel:
			a.Warning(e.Message)
		case e.Level >= zapcore.ErrorLevel:
			a.Error(e.Message)
		}

		return nil
	})
}
