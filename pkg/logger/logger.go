// Package logger builds the zap logger every KuroDB component logs through.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls log verbosity, encoding, and destination.
type Config struct {
	// Level is the minimum level emitted ("debug", "info", "warn", "error").
	// Unknown values fall back to info rather than failing startup.
	Level string `yaml:"level"`
	// Format selects the encoder: "json" (default) or "console".
	Format string `yaml:"format"`
	// OutputFile is a file path to append to, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
}

// New builds the process logger. Every entry carries the service field and
// the calling site; error-level entries carry a stacktrace.
func New(config Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(config.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoderFor(config.Format), sink, level)
	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
		zap.Fields(zap.String("service", "kurodb")),
	), nil
}

func encoderFor(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if strings.EqualFold(format, "console") {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(target string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(target) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(target, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", target, err)
		}
		return zapcore.AddSync(file), nil
	}
}
