package logger

import "errors"

// Logger is the logging surface used by TurboBatch.
// Implementations must be safe for concurrent use; workers and the aggregator log from their own goroutines.
type Logger interface {
	Type() LoggerType
	Printf(format string, args ...any)
	Println(message string)
	Close() error
}

type LoggerType string

const (
	LoggerTypeStdout LoggerType = "stdout"
	LoggerTypeFile   LoggerType = "file"
	LoggerTypeNoop   LoggerType = "noop"
	LoggerTypeWriter LoggerType = "writer"
	LoggerTypeZap    LoggerType = "zap"
	LoggerTypeMulti  LoggerType = "multi"
)

// NoopLogger discards everything. It is the batch processor's default.
type NoopLogger struct{}

var _ Logger = (*NoopLogger)(nil)

func NewNoopLogger() *NoopLogger {
	return &NoopLogger{}
}

func (n *NoopLogger) Type() LoggerType                  { return LoggerTypeNoop }
func (n *NoopLogger) Printf(format string, args ...any) {}
func (n *NoopLogger) Println(message string)            {}
func (n *NoopLogger) Close() error                      { return nil }

// MultiLogger fans every line out to each logger in order
type MultiLogger struct {
	loggers []Logger
}

var _ Logger = (*MultiLogger)(nil)

// NewMultiLogger skips nil loggers
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{loggers: make([]Logger, 0, len(loggers))}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) Type() LoggerType {
	return LoggerTypeMulti
}

func (m *MultiLogger) Printf(format string, args ...any) {
	for _, l := range m.loggers {
		l.Printf(format, args...)
	}
}

func (m *MultiLogger) Println(message string) {
	for _, l := range m.loggers {
		l.Println(message)
	}
}

// Close closes every logger and joins their errors
func (m *MultiLogger) Close() error {
	var errs []error
	for _, l := range m.loggers {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
