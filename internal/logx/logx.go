package logx

import (
	"context"

	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
	sourceKey
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the context logger with the session id if present.
func WithSession(ctx context.Context, sessionID schema.SessionID) pslog.Logger {
	log := pslog.Ctx(ctx)
	if sessionID != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionID); ok && current == sessionID {
			return log
		}
		log = log.With("session", sessionID)
	}
	return log
}

// WithSessionSource annotates the logger with session and source identifiers.
func WithSessionSource(ctx context.Context, sessionID schema.SessionID, source schema.SourceName) pslog.Logger {
	log := WithSession(ctx, sessionID)
	if source != "" {
		if current, ok := ctx.Value(sourceKey).(schema.SourceName); ok && current == source {
			return log
		}
		log = log.With("source", source)
	}
	return log
}

// WithWindow annotates the logger with a window id and its desired size.
func WithWindow(log pslog.Logger, id schema.WindowID, size int) pslog.Logger {
	if id != 0 {
		log = log.With("window", id)
	}
	if size > 0 {
		log = log.With("window_size", size)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, sessionID schema.SessionID) context.Context {
	if ctx == nil || sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// ContextWithSource stores the source marker on the context for log de-duplication.
func ContextWithSource(ctx context.Context, source schema.SourceName) context.Context {
	if ctx == nil || source == "" {
		return ctx
	}
	return context.WithValue(ctx, sourceKey, source)
}

// ContextWithSessionLogger attaches the logger and session/source markers to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, sessionID schema.SessionID, source schema.SourceName) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSource(ContextWithSession(ctx, sessionID), source)
}

// CopyContextFields copies session/source markers from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if session, ok := src.Value(sessionKey).(schema.SessionID); ok && session != "" {
		dst = ContextWithSession(dst, session)
	}
	if source, ok := src.Value(sourceKey).(schema.SourceName); ok && source != "" {
		dst = ContextWithSource(dst, source)
	}
	return dst
}
