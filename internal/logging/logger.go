// Package logging provides zap logger helpers.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the encoder flavour and an optional file sink.
type Config struct {
	Development bool
	// File, when set, receives a copy of every log line so the API can tail it.
	File string
}

// New builds a zap.Logger configured for development or production.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Development {
		zcfg := zap.NewDevelopmentConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		addFile(&zcfg, cfg.File)
		logger, err := zcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build dev logger: %w", err)
		}
		return logger, nil
	}
	zcfg := zap.NewProductionConfig()
	zcfg.DisableStacktrace = false
	zcfg.EncoderConfig.TimeKey = "ts"
	addFile(&zcfg, cfg.File)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build prod logger: %w", err)
	}
	return logger, nil
}

func addFile(zcfg *zap.Config, path string) {
	if path == "" {
		return
	}
	zcfg.OutputPaths = append(zcfg.OutputPaths, path)
	zcfg.ErrorOutputPaths = append(zcfg.ErrorOutputPaths, path)
}
