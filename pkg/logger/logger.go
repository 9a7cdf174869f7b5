// Package logger builds the zap logger of a gojotx process from configuration.
package logger

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultService is the service field stamped on every entry.
const DefaultService = "gojotx"

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// Service names the process in every log entry.
	Service string `yaml:"service"`
}

// Validate reports configuration the logger cannot honor.
func (c Config) Validate() error {
	if c.Level != "" {
		var l zapcore.Level
		if err := l.UnmarshalText([]byte(c.Level)); err != nil {
			return errors.Wrapf(err, "logger level %q", c.Level)
		}
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
	default:
		return errors.Errorf("logger format %q, want json or console", c.Format)
	}
	return nil
}

// New creates a zap.Logger from config. An unknown level falls back to info.
func New(config Config) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	service := config.Service
	if service == "" {
		service = DefaultService
	}
	return zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", service))), nil
}

// Sync flushes l, ignoring the error stdout and stderr return on terminals.
func Sync(l *zap.Logger) error {
	err := l.Sync()
	if err != nil && strings.Contains(err.Error(), "inappropriate ioctl for device") {
		return nil
	}
	return err
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, errors.Wrapf(err, "open log file %s", outputFile)
		}
		return zapcore.AddSync(file), nil
	}
}
