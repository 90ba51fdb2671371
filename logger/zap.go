package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type zapLogger struct {
	sugar *zap.SugaredLogger
}

var _ Logger = (*zapLogger)(nil)

// FromZap adapts a zap logger so it can be handed to cache.WithLogger.
// Trace is logged at zap's debug level.
func FromZap(z *zap.Logger) Logger {
	return &zapLogger{sugar: z.Sugar()}
}

func (z *zapLogger) With(metadata map[string]interface{}) Logger {
	args := make([]interface{}, 0, len(metadata)*2)
	for k, v := range metadata {
		args = append(args, k, v)
	}
	return &zapLogger{sugar: z.sugar.With(args...)}
}

func (z *zapLogger) WithPrefix(prefix string) Logger {
	return &zapLogger{sugar: z.sugar.Named(prefix)}
}

func (z *zapLogger) Trace(msg string, args ...interface{}) { z.sugar.Debugf(msg, args...) }
func (z *zapLogger) Debug(msg string, args ...interface{}) { z.sugar.Debugf(msg, args...) }
func (z *zapLogger) Info(msg string, args ...interface{})  { z.sugar.Infof(msg, args...) }
func (z *zapLogger) Warn(msg string, args ...interface{})  { z.sugar.Warnf(msg, args...) }
func (z *zapLogger) Error(msg string, args ...interface{}) { z.sugar.Errorf(msg, args...) }

type zapBridge struct {
	logger Logger
}

func (z *zapBridge) Enabled(zapcore.Level) bool {
	return true
}

func (z *zapBridge) With(fields []zapcore.Field) zapcore.Core {
	enc := zapcore.NewMapObjectEncoder()
	for _, field := range fields {
		field.AddTo(enc)
	}
	return &zapBridge{logger: z.logger.With(enc.Fields)}
}

func (z *zapBridge) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	return ce.AddCore(entry, z)
}

func (z *zapBridge) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	log := z.logger
	if len(fields) > 0 {
		log = z.With(fields).(*zapBridge).logger
	}
	msg := entry.Message
	if entry.LoggerName != "" {
		msg = fmt.Sprintf("[%s] %s", entry.LoggerName, msg)
	}
	switch entry.Level {
	case zapcore.DebugLevel:
		log.Debug("%s", msg)
	case zapcore.InfoLevel:
		log.Info("%s", msg)
	case zapcore.WarnLevel:
		log.Warn("%s", msg)
	default:
		log.Error("%s", msg)
	}
	return nil
}

func (z *zapBridge) Sync() error {
	return nil
}

// ToZap returns a zap.Logger instance that will output to the provided logger
func ToZap(logger Logger) *zap.Logger {
	return zap.New(&zapBridge{logger: logger})
}
