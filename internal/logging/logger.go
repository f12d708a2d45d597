// Package logging builds the process-wide zap logger from configuration.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"sitewatch/internal/model"
)

// New builds a production zap logger writing to stdout plus any configured
// files. The returned level can be changed at runtime. It never returns a nil
// logger: an unusable configuration yields a no-op one.
func New(cfg model.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if cfg.Level != "" {
		if l, err := zapcore.ParseLevel(cfg.Level); err == nil {
			level.SetLevel(l)
		}
	}

	paths := []string{"stdout"}
	seen := map[string]struct{}{"stdout": {}}
	for _, f := range cfg.Files {
		if f == "" {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		paths = append(paths, f)
	}

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.OutputPaths = paths
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := zc.Build()
	if err != nil {
		return zap.NewNop(), level
	}
	return l, level
}
