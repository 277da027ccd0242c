package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/eventbus"
	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

const maxBodyBytes = 1 << 20

// ServerDeps carries optional collaborators of the HTTP API.
type ServerDeps struct {
	// Bus receives manager changes and source-changed notifications. Stream
	// clients subscribe to it.
	Bus    *eventbus.Bus
	Logger pslog.Logger
}

// Server serves the HTTP API over the registered sources. Every request
// opens its own cursor and window manager and closes them before returning.
type Server struct {
	cfg      Config
	registry *core.Registry
	window   schema.ManagerConfig
	bus      *eventbus.Bus
	logger   pslog.Logger
	basePath string
}

// NewServer constructs an HTTP server.
func NewServer(cfg Config, registry *core.Registry, window schema.ManagerConfig, deps ServerDeps) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		window:   window,
		bus:      deps.Bus,
		logger:   deps.Logger,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// ListenAndServe serves Handler on the configured address until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.registry == nil {
		return errors.New("http api requires a source registry")
	}
	if s.logger != nil {
		ctx = pslog.ContextWithLogger(ctx, s.logger)
	}
	return ListenAndServe(ctx, s.cfg.Addr, s.Handler())
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sources", s.handleSources)
	mux.HandleFunc("GET /api/sources/{source}/window", s.withSource(s.handleWindow))
	mux.HandleFunc("POST /api/sources/{source}/rows", s.withSource(s.handleInsert))
	mux.HandleFunc("PATCH /api/sources/{source}/rows", s.withSource(s.handleUpdate))
	mux.HandleFunc("DELETE /api/sources/{source}/rows", s.withSource(s.handleDelete))
	mux.HandleFunc("GET /api/stream", s.handleStream)

	handler := withRequestLogging(mux, s.logger)
	if s.basePath == "" {
		return handler
	}
	prefix := s.basePath
	root := http.NewServeMux()
	root.Handle(prefix+"/", http.StripPrefix(prefix, handler))
	root.HandleFunc(prefix, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != prefix {
			http.NotFound(w, r)
			return
		}
		http.Redirect(w, r, prefix+"/", http.StatusTemporaryRedirect)
	})
	return root
}

type sourceHandler func(http.ResponseWriter, *http.Request, schema.SourceName)

// withSource validates the {source} path value and binds it to the request
// logger.
func (s *Server) withSource(next sourceHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		source, err := schema.NormalizeSourceName(r.PathValue("source"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		ctx := r.Context()
		log := logx.WithSessionSource(ctx, sessionFromContext(ctx), source)
		ctx = logx.ContextWithSessionLogger(ctx, log, sessionFromContext(ctx), source)
		next(w, r.WithContext(ctx), source)
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.registry.Names()})
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request, source schema.SourceName) {
	q := r.URL.Query()
	size, err := parseInt(q.Get("size"), 0)
	if err != nil || size < 0 {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid size %q", q.Get("size")))
		return
	}
	if s.cfg.MaxWindowSize > 0 && size > s.cfg.MaxWindowSize {
		size = s.cfg.MaxWindowSize
	}
	skip, err := parseInt(q.Get("skip"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid skip %q", q.Get("skip")))
		return
	}
	last := false
	if raw := q.Get("last"); raw != "" {
		if last, err = strconv.ParseBool(raw); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid last %q", raw))
			return
		}
	}
	var key, seek schema.Row
	if raw := q.Get("key"); raw != "" {
		if key, err = schema.ParseKey(raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	if raw := q.Get("seek"); raw != "" {
		if seek, err = schema.ParseKey(raw); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	var payload WindowPayload
	err = s.withManager(r.Context(), source, size, func(ctx context.Context, mgr *core.Manager, win *core.Window) error {
		if last {
			if err := mgr.Last(ctx); err != nil {
				return err
			}
		}
		if key != nil {
			found, err := mgr.Locate(ctx, key)
			if err != nil {
				return err
			}
			if !found {
				return schema.ErrRecordNotFound
			}
		}
		if seek != nil {
			if err := mgr.FindNearest(ctx, seek); err != nil {
				return err
			}
		}
		if skip != 0 {
			if _, err := mgr.MoveBy(ctx, skip); err != nil {
				return err
			}
		}
		payload = snapshotWindow(source, mgr, win)
		return nil
	})
	if err != nil {
		writeManagerError(r.Context(), w, "window", err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

type insertRequest struct {
	Row map[string]any `json:"row"`
}

func (s *Server) handleInsert(w http.ResponseWriter, r *http.Request, source schema.SourceName) {
	var req insertRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	row, err := decodeRow(req.Row)
	if err != nil || len(row) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("row must name at least one column"))
		return
	}
	var posted schema.Row
	err = s.withManager(r.Context(), source, 1, func(ctx context.Context, mgr *core.Manager, _ *core.Window) error {
		if err := mgr.Append(ctx); err != nil {
			return err
		}
		if err := mgr.SetRow(row); err != nil {
			return err
		}
		if err := mgr.Post(ctx); err != nil {
			return err
		}
		posted, _ = mgr.ActiveRow()
		return nil
	})
	if err != nil {
		writeManagerError(r.Context(), w, "insert", err)
		return
	}
	s.published(r.Context(), source)
	writeJSON(w, http.StatusCreated, map[string]any{"row": posted})
}

type updateRequest struct {
	Key map[string]any `json:"key"`
	Set map[string]any `json:"set"`
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request, source schema.SourceName) {
	var req updateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	key, err := decodeRow(req.Key)
	if err != nil || len(key) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("key must name at least one column"))
		return
	}
	set, err := decodeRow(req.Set)
	if err != nil || len(set) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("set must name at least one column"))
		return
	}
	var posted schema.Row
	err = s.withManager(r.Context(), source, 1, func(ctx context.Context, mgr *core.Manager, _ *core.Window) error {
		found, err := mgr.Locate(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return schema.ErrRecordNotFound
		}
		if err := mgr.Edit(ctx); err != nil {
			return err
		}
		names := make([]string, 0, len(set))
		for name := range set {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			if err := mgr.SetField(name, set[name]); err != nil {
				return err
			}
		}
		if err := mgr.Post(ctx); err != nil {
			return err
		}
		posted, _ = mgr.ActiveRow()
		return nil
	})
	if err != nil {
		writeManagerError(r.Context(), w, "update", err)
		return
	}
	s.published(r.Context(), source)
	writeJSON(w, http.StatusOK, map[string]any{"row": posted})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, source schema.SourceName) {
	key, err := schema.ParseKey(r.URL.Query().Get("key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	err = s.withManager(r.Context(), source, 1, func(ctx context.Context, mgr *core.Manager, _ *core.Window) error {
		found, err := mgr.Locate(ctx, key)
		if err != nil {
			return err
		}
		if !found {
			return schema.ErrRecordNotFound
		}
		return mgr.Delete(ctx)
	})
	if err != nil {
		writeManagerError(r.Context(), w, "delete", err)
		return
	}
	s.published(r.Context(), source)
	w.WriteHeader(http.StatusNoContent)
}

// published tells stream clients and SSH browsers of source that rows
// changed.
func (s *Server) published(ctx context.Context, source schema.SourceName) {
	if s.bus != nil {
		s.bus.OnSourceChanged(source, sessionFromContext(ctx))
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, schema.ErrSourceNotFound), errors.Is(err, schema.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, schema.ErrInvalidSource), errors.Is(err, schema.ErrEmpty):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeManagerError(ctx context.Context, w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status != http.StatusNotFound {
		logx.Ctx(ctx).Warn("http "+op+" failed", "err", err, "status", status)
	}
	writeError(w, status, err)
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	decoder.UseNumber()
	return decoder.Decode(target)
}

// decodeRow converts a decoded JSON object into a row. Integral numbers
// become int64 so they match integer key columns.
func decodeRow(in map[string]any) (schema.Row, error) {
	row := make(schema.Row, len(in))
	for name, value := range in {
		if !schema.ValidateIdentifier(name) {
			return nil, fmt.Errorf("invalid column name %q", name)
		}
		if n, ok := value.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				value = i
			} else if f, err := n.Float64(); err == nil {
				value = f
			} else {
				return nil, fmt.Errorf("column %s: invalid number %q", name, n)
			}
		}
		row[name] = value
	}
	return row, nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeSSEvent(w io.Writer, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", event.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", bytes.TrimSpace(data))
	return err
}

func parseInt(value string, fallback int) (int, error) {
	if value == "" {
		return fallback, nil
	}
	return strconv.Atoi(value)
}
