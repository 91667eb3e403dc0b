package log

// Logger is the leveled, printf-style logging contract shared by the console
// and named engines. Format strings and arguments follow fmt.Printf
// semantics; whether a message is emitted depends on the engine's configured
// level.
type Logger interface {
	// Debug logs a message tracing application-level behavior.
	Debug(format string, v ...interface{})

	// Info logs a message conveying a general event.
	Info(format string, v ...interface{})

	// Warn logs a message describing a non-erroring divergence from the
	// expected path.
	Warn(format string, v ...interface{})

	// Error logs a message describing behavior that should be corrected.
	Error(format string, v ...interface{})

	// Level returns the configured verbosity floor. Consumers that route
	// output at a configurable level, like the log publisher, consult it to
	// decide which method to call.
	Level() Level
}
