// Package obs wires up structured logging shared by the engine's
// subsystems: the torrent controller, peer manager and DHT node take a
// *zap.SugaredLogger built here rather than calling a package-level
// logger, so call sites can scope fields (infoHash, peer address, ...).
// The UDP tracker client takes no logger; the controller logs its errors.
package obs

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the process-wide logger, mirroring the yaml-tagged
// sub-config a scheduler takes for its own logger.
type Config struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

func (c Config) applyDefaults() Config {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Encoding == "" {
		c.Encoding = "console"
	}
	return c
}

// NewLogger builds a *zap.SugaredLogger from Config.
func NewLogger(cfg Config) (*zap.SugaredLogger, error) {
	cfg = cfg.applyDefaults()

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("obs: invalid log level %q: %w", cfg.Level, err)
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Encoding = cfg.Encoding
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("obs: building logger: %w", err)
	}
	return logger.Sugar(), nil
}

// NewNop returns a logger that discards everything, for tests and
// components that haven't been wired to a real Config yet.
func NewNop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
