package main

import (
	"ordersaga/cmd/server/config"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// newLogger builds a zap-backed logr.Logger. The returned function flushes
// buffered entries.
func newLogger(cfg config.LogConfig) (logr.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return logr.Discard(), nil, errors.Wrap(err, "parse log level")
		}
		zapCfg.Level = level
	}

	zl, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), nil, errors.Wrap(err, "build zap logger")
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}
