package logger

import (
	"strings"

	"go.uber.org/zap"
)

// ZapLogger adapts a zap logger to the Logger interface.
// Messages are written at info level through the sugared logger.
type ZapLogger struct {
	base  *zap.Logger
	sugar *zap.SugaredLogger
}

var _ Logger = (*ZapLogger)(nil)

// NewZapLogger wraps l. A nil l falls back to a no-op zap logger.
func NewZapLogger(l *zap.Logger) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{
		base:  l,
		sugar: l.Sugar(),
	}
}

// NewZapLoggerForEnv builds a development logger when env is "dev", a production logger otherwise
func NewZapLoggerForEnv(env string) (*ZapLogger, error) {
	var (
		l   *zap.Logger
		err error
	)
	if strings.EqualFold(env, "dev") {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	return NewZapLogger(l.With(zap.String("component", "turbo_batch"))), nil
}

func (z *ZapLogger) Type() LoggerType {
	return LoggerTypeZap
}

func (z *ZapLogger) Printf(format string, args ...any) {
	z.sugar.Infof(format, args...)
}

func (z *ZapLogger) Println(message string) {
	z.sugar.Info(message)
}

// Zap returns the underlying logger for callers that want structured fields
func (z *ZapLogger) Zap() *zap.Logger {
	return z.base
}

// Close flushes buffered entries. Sync errors on stdout/stderr are expected on some platforms and ignored.
func (z *ZapLogger) Close() error {
	_ = z.base.Sync()
	return nil
}
