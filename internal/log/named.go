package log

// NamedLogger wraps a backend logger and prefixes every message with a fixed
// name. It backs the configuration surface where an error logger is selected
// by name rather than passed as an instance.
type NamedLogger struct {
	name    string
	backend Logger
}

// NewNamedLogger creates a logger that delegates to the specified backend,
// prefixing each message with the specified name.
func NewNamedLogger(name string, backend Logger) Logger {
	return &NamedLogger{name: name, backend: backend}
}

// Debug logs a name-prefixed debug message.
func (l *NamedLogger) Debug(format string, v ...interface{}) {
	l.backend.Debug(l.name+": "+format, v...)
}

// Info logs a name-prefixed informational message.
func (l *NamedLogger) Info(format string, v ...interface{}) {
	l.backend.Info(l.name+": "+format, v...)
}

// Warn logs a name-prefixed warning message.
func (l *NamedLogger) Warn(format string, v ...interface{}) {
	l.backend.Warn(l.name+": "+format, v...)
}

// Error logs a name-prefixed error message.
func (l *NamedLogger) Error(format string, v ...interface{}) {
	l.backend.Error(l.name+": "+format, v...)
}

// Level reads the backend's logging level.
func (l *NamedLogger) Level() Level {
	return l.backend.Level()
}
