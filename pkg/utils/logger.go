package utils

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewSugaredLogger creates a sugared logger named after service.
//
// If verbose is true, it creates a development logger at debug level.
// Otherwise it creates a production logger at level, which defaults to info
// when empty.
func NewSugaredLogger(service string, verbose bool, level string) (*zap.SugaredLogger, error) {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
		if level != "" {
			lvl, err := zapcore.ParseLevel(level)
			if err != nil {
				return nil, fmt.Errorf("invalid log level %q: %w", level, err)
			}
			cfg.Level = zap.NewAtomicLevelAt(lvl)
		}
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	if service != "" {
		l = l.Named(service)
	}
	return l.Sugar(), nil
}
