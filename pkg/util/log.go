package util

import (
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogConfig struct {
	Level      string `tag:"level"`
	Filename   string `tag:"filename"`
	MaxSizeMB  int    `tag:"maxSizeMB"`
	MaxBackups int    `tag:"maxBackups"`
	MaxAgeDays int    `tag:"maxAgeDays"`
	Compress   bool   `tag:"compress"`
}

var gLogger atomic.Pointer[zap.Logger]

func init() {
	gLogger.Store(newLogger(zapcore.InfoLevel, zapcore.Lock(os.Stderr)))
}

func newLogger(level zapcore.Level, sink zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// InitLogger replaces the process logger. An empty Filename keeps stderr,
// otherwise the file is rotated by lumberjack.
func InitLogger(cfg LogConfig) error {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.Set(cfg.Level); err != nil {
			return err
		}
	}
	var sink zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
	if cfg.Filename != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.Filename,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		})
	}
	SetLogger(newLogger(level, sink))
	return nil
}

func SetLogger(l *zap.Logger) {
	gLogger.Store(l)
}

func Logger() *zap.Logger {
	return gLogger.Load()
}

func Debug(msg string, fields ...zap.Field) {
	gLogger.Load().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	gLogger.Load().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	gLogger.Load().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	gLogger.Load().Error(msg, fields...)
}
