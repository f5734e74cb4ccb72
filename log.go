package warren

import (
	"context"
	"log/slog"
)

var nopLogger = slog.New(discardHandler{})

// NopLogger returns a logger that discards everything. Components use it as
// the fallback when no logger option is supplied.
func NopLogger() *slog.Logger { return nopLogger }

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
