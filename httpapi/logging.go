package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"
	"time"

	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

type responseRecorder struct {
	status int
	bytes  int64
	writer http.ResponseWriter
}

func (r *responseRecorder) Header() http.Header {
	return r.writer.Header()
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.writer.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.writer.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *responseRecorder) Flush() {
	if f, ok := r.writer.(http.Flusher); ok {
		f.Flush()
	}
}

type sessionContextKey struct{}

// sessionFromContext returns the window manager session id assigned to the
// request.
func sessionFromContext(ctx context.Context) schema.SessionID {
	id, _ := ctx.Value(sessionContextKey{}).(schema.SessionID)
	return id
}

func newSessionID() schema.SessionID {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return schema.SessionID("http-" + hex.EncodeToString(buf))
}

// withRequestLogging gives every request its own session id and logs the
// outcome once the handler returns.
func withRequestLogging(next http.Handler, base pslog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sessionID := newSessionID()
		logger := base
		if logger == nil {
			logger = pslog.Ctx(r.Context())
		}
		logger = logger.With("remote", clientIP(r), "session", sessionID)
		ctx := logx.ContextWithSession(pslog.ContextWithLogger(r.Context(), logger), sessionID)
		ctx = context.WithValue(ctx, sessionContextKey{}, sessionID)

		rec := &responseRecorder{writer: w}
		next.ServeHTTP(rec, r.WithContext(ctx))
		status := rec.status
		if status == 0 {
			status = http.StatusOK
		}
		path := r.URL.Path
		if r.URL.RawQuery != "" {
			path = path + "?" + r.URL.RawQuery
		}
		logger.Info("http request", "method", r.Method, "path", path, "status", status, "bytes", rec.bytes, "duration_ms", time.Since(start).Milliseconds())
		logger.Debug("http request details", "ua", r.UserAgent())
	})
}

func clientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	return r.RemoteAddr
}
