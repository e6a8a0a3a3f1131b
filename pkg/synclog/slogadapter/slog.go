// Package slogadapter lets a *slog.Logger serve as a synclog.Logger.
package slogadapter

import (
	"io"
	"log/slog"
)

type Adapter struct {
	logger *slog.Logger
}

// New wraps logger. A nil logger falls back to slog.Default().
func New(logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Adapter{logger: logger}
}

// NewText writes text records at or above level to w.
func NewText(w io.Writer, level slog.Level) *Adapter {
	return New(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
}

// With returns an adapter that adds keyValues to every record.
func (a *Adapter) With(keyValues ...any) *Adapter {
	return &Adapter{logger: a.logger.With(keyValues...)}
}

func (a *Adapter) Info(msg string, keyValues ...any) {
	a.logger.Info(msg, keyValues...)
}

func (a *Adapter) Error(msg string, keyValues ...any) {
	a.logger.Error(msg, keyValues...)
}

func (a *Adapter) Debug(msg string, keyValues ...any) {
	a.logger.Debug(msg, keyValues...)
}

func (a *Adapter) Warn(msg string, keyValues ...any) {
	a.logger.Warn(msg, keyValues...)
}
