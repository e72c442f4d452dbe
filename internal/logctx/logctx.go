// Package logctx enriches slog records with request- and
// conversation-scoped attributes carried on the context. Wrap the
// process log handler once at startup; every component that logs with
// a request-derived context then gets the same attribute groups for
// free.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if td, ok := ctx.Value(threadDataKey{}).(*ThreadData); ok {
		r.AddAttrs(slog.Group("thread",
			slog.String("id", td.ThreadID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type threadDataKey struct{}

type ThreadData struct {
	ThreadID string
}

func WithThreadData(ctx context.Context, data *ThreadData) context.Context {
	return context.WithValue(ctx, threadDataKey{}, data)
}
