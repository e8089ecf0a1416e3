package main

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log output formats.
const (
	logFormatAuto    = "auto"
	logFormatConsole = "console"
	logFormatJSON    = "json"
)

// newLogger builds the process logger. The auto format picks the console
// encoder when out is a terminal and JSON otherwise.
func newLogger(level, format string, out *os.File) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("%w: log level %q", ErrInvalidConfig, level)
	}

	if format == logFormatAuto || format == "" {
		format = logFormatJSON
		if isatty.IsTerminal(out.Fd()) || isatty.IsCygwinTerminal(out.Fd()) {
			format = logFormatConsole
		}
	}

	var enc zapcore.Encoder
	switch format {
	case logFormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.TimeKey = ""
		cfg.CallerKey = ""
		enc = zapcore.NewConsoleEncoder(cfg)
	case logFormatJSON:
		enc = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, fmt.Errorf("%w: log format %q", ErrInvalidConfig, format)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(out), lvl)
	return zap.New(core), nil
}
