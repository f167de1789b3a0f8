// Package logger builds the zap loggers used across stepflow.
package logger

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats accepted by Config.Format.
const (
	FormatHuman = "human"
	FormatJSON  = "json"
)

// Config contains configuration for the logger.
type Config struct {
	// Debug enables debug level logging.
	Debug bool
	// Format is "human" or "json".
	Format string
	// File is an optional extra output path.
	File string
	// Quiet drops console output, leaving only File.
	Quiet bool
}

// DefaultConfig returns a human-readable info level configuration.
func DefaultConfig() Config {
	return Config{Format: FormatHuman}
}

// New builds a sugared logger from cfg. Console output goes to stderr so
// command output on stdout stays clean.
func New(cfg Config) (*zap.SugaredLogger, error) {
	var zc zap.Config
	switch cfg.Format {
	case FormatJSON:
		zc = zap.NewProductionConfig()
	case FormatHuman, "":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}

	zc.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if cfg.Debug {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}

	var outputs []string
	if !cfg.Quiet {
		outputs = append(outputs, "stderr")
	}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		outputs = append(outputs, cfg.File)
	}
	if len(outputs) == 0 {
		return zap.NewNop().Sugar(), nil
	}
	zc.OutputPaths = outputs
	zc.ErrorOutputPaths = []string{"stderr"}

	l, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l.Sugar(), nil
}

// Nop returns a logger that discards everything.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
