package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

// lineLogger is the log.Logger core shared by the stdout, file and writer loggers.
// log.Logger serialises writes, so every line logger is safe for concurrent use.
type lineLogger struct {
	l      *log.Logger
	kind   LoggerType
	closer io.Closer
}

func newLineLogger(w io.Writer, kind LoggerType, closer io.Closer) *lineLogger {
	return &lineLogger{
		l:      log.New(w, "", log.LstdFlags),
		kind:   kind,
		closer: closer,
	}
}

func (ll *lineLogger) Type() LoggerType {
	return ll.kind
}

func (ll *lineLogger) Printf(format string, args ...any) {
	ll.l.Printf(format, args...)
}

func (ll *lineLogger) Println(message string) {
	ll.l.Println(message)
}

func (ll *lineLogger) Close() error {
	if ll.closer == nil {
		return nil
	}
	return ll.closer.Close()
}

// StdoutLogger writes timestamped lines to stdout
type StdoutLogger struct {
	*lineLogger
}

var _ Logger = (*StdoutLogger)(nil)

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{newLineLogger(os.Stdout, LoggerTypeStdout, nil)}
}

// FileLogger appends to a file opened with O_APPEND, so concurrent processes
// sharing one log file never interleave within a line.
type FileLogger struct {
	*lineLogger
	path string
}

var _ Logger = (*FileLogger)(nil)

// NewFileLogger opens (or creates) the file at path, creating missing parent directories
func NewFileLogger(path string) (*FileLogger, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory %q: %w", dir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}

	return &FileLogger{
		lineLogger: newLineLogger(file, LoggerTypeFile, file),
		path:       path,
	}, nil
}

// Path returns the file the logger appends to
func (f *FileLogger) Path() string {
	return f.path
}

// WriterLogger adapts any io.Writer. Thread safety of the writer itself is not required.
type WriterLogger struct {
	*lineLogger
}

var _ Logger = (*WriterLogger)(nil)

func NewWriterLogger(w io.Writer) *WriterLogger {
	return &WriterLogger{newLineLogger(w, LoggerTypeWriter, nil)}
}
