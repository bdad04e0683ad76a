// Package observability contains logging and tracing setup and the
// prometheus metrics exported by a node.
package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vaporos/splinter/pkg/config"
)

// SetupLogger builds a zap.Logger from the provided configuration, tags it
// with the node id, sets it as the global logger, and redirects the stdlib
// log package. The returned func flushes the logger and closes file outputs.
func SetupLogger(c config.LogConfig, nodeID string) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}
	atom := zap.NewAtomicLevelAt(level)

	encCfg := encoderConfig(c.Development)
	var encoder zapcore.Encoder
	if strings.EqualFold(c.Format, "json") {
		encoder = zapcore.NewJSONEncoder(encCfg)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	var (
		cores   []zapcore.Core
		closers []func() error
	)
	for _, out := range c.Outputs {
		var ws zapcore.WriteSyncer
		switch strings.ToLower(out) {
		case "stdout":
			ws = zapcore.Lock(os.Stdout)
		case "stderr":
			ws = zapcore.Lock(os.Stderr)
		default:
			if c.Rotation.Enable {
				lj := &lumberjack.Logger{
					Filename:   rotatedName(out, c),
					MaxSize:    max(c.Rotation.MaxSizeMB, 10),
					MaxBackups: max(c.Rotation.MaxBackups, 1),
					MaxAge:     max(c.Rotation.MaxAgeDays, 7),
					Compress:   c.Rotation.Compress,
				}
				closers = append(closers, lj.Close)
				ws = zapcore.AddSync(lj)
				break
			}
			if dir := filepath.Dir(out); dir != "." {
				_ = os.MkdirAll(dir, 0o755)
			}
			f, err := os.OpenFile(out, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				// keep logging somewhere rather than failing startup
				ws = zapcore.Lock(os.Stderr)
				break
			}
			closers = append(closers, f.Close)
			ws = zapcore.AddSync(f)
		}
		cores = append(cores, zapcore.NewCore(encoder, ws, atom))
	}

	opts := []zap.Option{zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel)}
	if c.Development {
		opts = append(opts, zap.Development())
	}
	logger := zap.New(zapcore.NewTee(cores...), opts...)
	if nodeID != "" {
		logger = logger.With(zap.String("node", nodeID))
	}

	zap.ReplaceGlobals(logger)
	restore, _ := zap.RedirectStdLogAt(logger, zap.InfoLevel)
	cleanup := func() {
		_ = logger.Sync()
		if restore != nil {
			restore()
		}
		for _, c := range closers {
			_ = c()
		}
	}
	return logger, cleanup, nil
}

func encoderConfig(dev bool) zapcore.EncoderConfig {
	if dev {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	return zap.NewProductionEncoderConfig()
}

// rotatedName prefers the rotation filename over the output path.
func rotatedName(out string, c config.LogConfig) string {
	if strings.TrimSpace(c.Rotation.Filename) != "" {
		return c.Rotation.Filename
	}
	return out
}
