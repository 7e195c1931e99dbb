// Package logging wires zap to a rotating file sink plus stderr.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	Level      string
	File       string // empty disables the file sink
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds the process logger. Console output stays human readable,
// the file sink (when configured) is JSON and rotated by lumberjack.
func New(opts Options) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.Set(opts.Level); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), level),
	}

	if opts.File != "" {
		sink := zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		})
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}
