// Package logrusadapter lets a logrus logger serve as a synclog.Logger.
package logrusadapter

import (
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

type Adapter struct {
	entry logrus.FieldLogger
}

// New wraps logger. A nil logger falls back to logrus.StandardLogger().
func New(logger logrus.FieldLogger) *Adapter {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{entry: logger}
}

// NewLogger builds a logrus logger from a level name and a format
// ("json" or anything else for text). Unknown levels fall back to info.
func NewLogger(out io.Writer, level, format string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if strings.ToLower(format) == "json" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return l
}

// With returns an adapter whose records carry keyValues.
func (a *Adapter) With(keyValues ...any) *Adapter {
	return &Adapter{entry: a.entry.WithFields(fields(keyValues))}
}

func (a *Adapter) Info(msg string, keyValues ...any) {
	a.entry.WithFields(fields(keyValues)).Info(msg)
}

func (a *Adapter) Error(msg string, keyValues ...any) {
	a.entry.WithFields(fields(keyValues)).Error(msg)
}

func (a *Adapter) Debug(msg string, keyValues ...any) {
	a.entry.WithFields(fields(keyValues)).Debug(msg)
}

func (a *Adapter) Warn(msg string, keyValues ...any) {
	a.entry.WithFields(fields(keyValues)).Warn(msg)
}

// fields turns alternating key/value pairs into logrus.Fields. A dangling
// value is kept under "!BADKEY" like slog does.
func fields(keyValues []any) logrus.Fields {
	f := make(logrus.Fields, len(keyValues)/2)
	for i := 0; i < len(keyValues); i += 2 {
		if i+1 >= len(keyValues) {
			f["!BADKEY"] = keyValues[i]
			break
		}
		key, ok := keyValues[i].(string)
		if !ok {
			key = fmt.Sprint(keyValues[i])
		}
		f[key] = keyValues[i+1]
	}
	return f
}
