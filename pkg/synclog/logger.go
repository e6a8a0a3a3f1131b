// Package synclog defines the logger that servers, rooms and clients receive
// from their owner instead of writing to a process wide logger.
package synclog

type Logger interface {
	Info(s string, keyValues ...any)
	Error(s string, keyValues ...any)
	Debug(s string, keyValues ...any)
	Warn(s string, keyValues ...any)
}

// Nop discards every record.
var Nop Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Warn(string, ...any)  {}

// Or returns l, or Nop if l is nil.
func Or(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}
