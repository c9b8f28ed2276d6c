package logger

import (
	"context"
	"log/slog"
)

// contextKeys are copied from the context onto every record logged with a
// *Context method, unless the call already set the same key.
var contextKeys = []contextKey{RequestIDKey, NodeIDKey, RoundIDKey}

// contextHandler decorates a slog.Handler with the ids carried by ctx.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range contextKeys {
		v, ok := ctx.Value(key).(string)
		if !ok || v == "" || hasAttr(r, string(key)) {
			continue
		}
		r.AddAttrs(slog.String(string(key), v))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

func hasAttr(r slog.Record, key string) bool {
	found := false
	r.Attrs(func(a slog.Attr) bool {
		found = a.Key == key
		return !found
	})
	return found
}
