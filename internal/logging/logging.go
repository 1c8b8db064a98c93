// Package logging builds the process logger. The console format prints
//
//	[INFO] {worker} message {"field": "value"}
//
// which keeps the log greppable by component.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// EncoderConfig returns the encoder used by New. Tests reuse it to check the
// line layout.
func EncoderConfig(format string) zapcore.EncoderConfig {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return cfg
	}
	return zapcore.EncoderConfig{
		LevelKey:         "level",
		NameKey:          "logger",
		MessageKey:       "msg",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      bracketLevel,
		EncodeName:       braceName,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}
}

func New(level, format string) (*zap.Logger, error) {
	encoding := "console"
	switch format {
	case "", "console":
	case "json":
		encoding = "json"
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	cfg := zap.Config{
		Encoding:          encoding,
		Level:             zap.NewAtomicLevelAt(ParseLevel(level)),
		OutputPaths:       []string{"stdout"},
		ErrorOutputPaths:  []string{"stderr"},
		EncoderConfig:     EncoderConfig(format),
		DisableCaller:     true,
		DisableStacktrace: true,
	}
	return cfg.Build()
}

func bracketLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + l.CapitalString() + "]")
}

func braceName(name string, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("{" + name + "}")
}
