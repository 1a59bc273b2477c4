package core

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type loggerKey struct{}
type requestIDKey struct{}

var (
	rootMu sync.RWMutex
	root   = newLogger(zapcore.InfoLevel)
)

func newLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	l, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// InitLogger replaces the process logger. Level is one of debug, info, warn, error.
func InitLogger(level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}
	rootMu.Lock()
	defer rootMu.Unlock()
	_ = root.Sync()
	root = newLogger(lvl)
	return nil
}

// Logger returns the process logger.
func Logger() *zap.Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return root
}

// WithDefaultLogger attaches a request scoped logger to the context.
func WithDefaultLogger(parent context.Context, reqId string) context.Context {
	l := Logger().With(zap.String("req_id", reqId)).Sugar()
	ctx := context.WithValue(parent, requestIDKey{}, reqId)
	return context.WithValue(ctx, loggerKey{}, l)
}

func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok {
		return id
	}
	return ""
}

func GetLogger(ctx context.Context) *zap.SugaredLogger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey{}).(*zap.SugaredLogger); ok {
			return l
		}
	}
	return Logger().Sugar()
}

func Infof(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Infof(tpl, args...)
}

func Errorf(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Errorf(tpl, args...)
}

func Debugf(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Debugf(tpl, args...)
}

func Warnf(ctx context.Context, tpl string, args ...any) {
	GetLogger(ctx).Warnf(tpl, args...)
}
