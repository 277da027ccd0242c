package cursorrpc

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// SourceNotifier is told when a session commits changes to a source.
type SourceNotifier interface {
	OnSourceChanged(source schema.SourceName, origin schema.SessionID)
}

// ServerDeps captures optional dependencies for the cursor server.
type ServerDeps struct {
	Notifier SourceNotifier
	Logger   pslog.Logger
}

// Server hands out one cursor per session over the sources of a registry.
// Calls within a session are serialized.
type Server struct {
	cfg      Config
	registry *core.Registry
	notifier SourceNotifier
	logger   pslog.Logger

	mu       sync.Mutex
	sessions map[schema.SessionID]*session
}

type session struct {
	id       schema.SessionID
	source   schema.SourceName
	lastUsed atomic.Int64

	mu     sync.Mutex
	cursor core.SessionCursor
	inTx   bool
	dirty  bool
	closed bool
}

func (s *session) touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// NewServer constructs a cursor server over registry.
func NewServer(cfg Config, registry *core.Registry, deps ServerDeps) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		notifier: deps.Notifier,
		logger:   deps.Logger,
		sessions: make(map[schema.SessionID]*session),
	}
}

// Register attaches the cursor service to grpcServer.
func (s *Server) Register(grpcServer *grpc.Server) {
	grpcServer.RegisterService(&serviceDesc, s)
}

// SessionCount returns the number of open sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ListenAndServe listens on the configured address and serves until ctx is
// done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if strings.TrimSpace(s.cfg.Addr) == "" {
		return errors.New("cursor rpc address is required")
	}
	listener, err := listen(s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done, then closes every session.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx)
	}
	grpcServer := grpc.NewServer()
	s.Register(grpcServer)
	s.logger.Info("cursor rpc listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.cfg.IdleTimeout > 0 {
		go s.reapLoop(runCtx)
	}
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()

	select {
	case <-runCtx.Done():
		grpcServer.GracefulStop()
		s.closeAll(context.WithoutCancel(ctx))
		return nil
	case err := <-errCh:
		s.closeAll(context.WithoutCancel(ctx))
		return err
	}
}

func (s *Server) log(ctx context.Context) pslog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return pslog.Ctx(ctx)
}

func (s *Server) openSession(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	name := stringField(req, "source")
	source, err := schema.NormalizeSourceName(name)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	src, err := s.registry.Lookup(string(source))
	if err != nil {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	cursor, err := src.OpenCursor(ctx)
	if err != nil {
		s.log(ctx).Warn("cursor rpc open failed", "source", source, "err", err)
		return nil, toStatus(err)
	}
	sess := &session{id: newSessionID(), source: source, cursor: cursor}
	sess.touch()
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	s.log(ctx).Info("cursor session opened", "session", sess.id, "source", source)
	return wrapperspb.String(string(sess.id)), nil
}

func (s *Server) closeSession(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	id := sessionFromContext(ctx)
	s.mu.Lock()
	sess := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if sess == nil {
		return nil, status.Errorf(codes.NotFound, "%v: %s", schema.ErrSessionNotFound, id)
	}
	s.close(ctx, sess, "client")
	return &emptypb.Empty{}, nil
}

func (s *Server) ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	if id := sessionFromContext(ctx); id != "" {
		if sess := s.lookup(id); sess != nil {
			sess.touch()
		}
	}
	s.log(ctx).Trace("cursor rpc ping")
	return &emptypb.Empty{}, nil
}

func (s *Server) move(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	var reply positionReply
	err := s.withSession(ctx, methodMove, func(ctx context.Context, sess *session) error {
		var step func(context.Context) (bool, error)
		switch req.GetValue() {
		case "next":
			step = sess.cursor.Next
		case "prior":
			step = sess.cursor.Prior
		case "first":
			step = sess.cursor.First
		case "last":
			step = sess.cursor.Last
		default:
			return status.Errorf(codes.InvalidArgument, "unknown move %q", req.GetValue())
		}
		ok, err := step(ctx)
		reply = sess.position(ok)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply.encode(), nil
}

func (s *Server) selectRow(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var out *structpb.Struct
	err := s.withSession(ctx, methodSelect, func(ctx context.Context, sess *session) error {
		row, err := sess.cursor.Select(ctx)
		if err != nil {
			return err
		}
		out, err = toStruct(row)
		return err
	})
	return out, err
}

func (s *Server) bookmark(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.StringValue, error) {
	var bm schema.Bookmark
	err := s.withSession(ctx, methodBookmark, func(ctx context.Context, sess *session) error {
		var err error
		bm, err = sess.cursor.Bookmark(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return wrapperspb.String(string(bm)), nil
}

func (s *Server) gotoBookmark(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var reply positionReply
	err := s.withSession(ctx, methodGotoBookmark, func(ctx context.Context, sess *session) error {
		bm := schema.Bookmark(stringField(req, "bookmark"))
		ok, err := sess.cursor.GotoBookmark(ctx, bm, boolField(req, "forward"))
		reply = sess.position(ok)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply.encode(), nil
}

func (s *Server) disposeBookmarks(ctx context.Context, req *structpb.ListValue) (*emptypb.Empty, error) {
	err := s.withSession(ctx, methodDisposeBookmarks, func(ctx context.Context, sess *session) error {
		values := req.GetValues()
		bms := make([]schema.Bookmark, 0, len(values))
		for _, v := range values {
			bms = append(bms, schema.Bookmark(v.GetStringValue()))
		}
		return sess.cursor.DisposeBookmarks(ctx, bms)
	})
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) findKey(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var reply positionReply
	err := s.withSession(ctx, methodFindKey, func(ctx context.Context, sess *session) error {
		ok, err := sess.cursor.FindKey(ctx, fromStruct(req))
		reply = sess.position(ok)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply.encode(), nil
}

func (s *Server) findNearest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var reply positionReply
	err := s.withSession(ctx, methodFindNearest, func(ctx context.Context, sess *session) error {
		err := sess.cursor.FindNearest(ctx, fromStruct(req))
		reply = sess.position(!sess.cursor.IsBOF() && !sess.cursor.IsEOF())
		return err
	})
	if err != nil {
		return nil, err
	}
	return reply.encode(), nil
}

func (s *Server) refresh(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	err := s.withSession(ctx, methodRefresh, func(ctx context.Context, sess *session) error {
		row, found, err := sess.cursor.Refresh(ctx, fromStruct(structField(req, "row")))
		if err != nil {
			return err
		}
		out.Fields["found"] = structpb.NewBoolValue(found)
		if found {
			encoded, err := toStruct(row)
			if err != nil {
				return err
			}
			out.Fields["row"] = structpb.NewStructValue(encoded)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Server) insert(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var reply positionReply
	err := s.withSession(ctx, methodInsert, func(ctx context.Context, sess *session) error {
		if err := sess.cursor.Insert(ctx, fromStruct(req)); err != nil {
			return err
		}
		reply = sess.position(true)
		s.changed(ctx, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply.encode(), nil
}

func (s *Server) update(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	err := s.withSession(ctx, methodUpdate, func(ctx context.Context, sess *session) error {
		if err := sess.cursor.Update(ctx, fromStruct(req)); err != nil {
			return err
		}
		s.changed(ctx, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) deleteRow(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	var reply positionReply
	err := s.withSession(ctx, methodDelete, func(ctx context.Context, sess *session) error {
		if err := sess.cursor.Delete(ctx); err != nil {
			return err
		}
		reply = sess.position(!sess.cursor.IsEOF())
		s.changed(ctx, sess)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reply.encode(), nil
}

func (s *Server) transaction(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	err := s.withSession(ctx, methodTransaction, func(ctx context.Context, sess *session) error {
		tx, ok := sess.cursor.(core.Transactor)
		if !ok {
			pslog.Ctx(ctx).Debug("cursor has no transactions", "op", req.GetValue())
		}
		switch req.GetValue() {
		case "start":
			if ok {
				if err := tx.StartTransaction(ctx); err != nil {
					return err
				}
			}
			sess.inTx, sess.dirty = true, false
		case "commit":
			if ok {
				if err := tx.Commit(ctx); err != nil {
					return err
				}
			}
			dirty := sess.dirty
			sess.inTx, sess.dirty = false, false
			if dirty {
				s.notify(ctx, sess)
			}
		case "rollback":
			sess.inTx, sess.dirty = false, false
			if ok {
				return tx.Rollback(ctx)
			}
		default:
			return status.Errorf(codes.InvalidArgument, "unknown transaction op %q", req.GetValue())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &emptypb.Empty{}, nil
}

// withSession runs fn with the session named in the call metadata locked.
func (s *Server) withSession(ctx context.Context, op string, fn func(context.Context, *session) error) error {
	id := sessionFromContext(ctx)
	if id == "" {
		return status.Error(codes.InvalidArgument, "session id is required")
	}
	sess := s.lookup(id)
	if sess == nil {
		return status.Errorf(codes.NotFound, "%v: %s", schema.ErrSessionNotFound, id)
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return status.Errorf(codes.NotFound, "%v: %s", schema.ErrSessionNotFound, id)
	}
	sess.touch()
	log := s.log(ctx).With("session", id, "source", sess.source)
	ctx = logx.ContextWithSessionLogger(ctx, log, id, sess.source)
	log.Trace("cursor rpc call", "op", op)
	if err := fn(ctx, sess); err != nil {
		if _, isStatus := status.FromError(err); isStatus {
			return err
		}
		log.Debug("cursor rpc call failed", "op", op, "err", err)
		return toStatus(err)
	}
	return nil
}

func (s *session) position(ok bool) positionReply {
	return positionReply{OK: ok, BOF: s.cursor.IsBOF(), EOF: s.cursor.IsEOF()}
}

// changed records a mutation. Outside a transaction it is announced
// immediately; inside one it waits for Commit.
func (s *Server) changed(ctx context.Context, sess *session) {
	if sess.inTx {
		sess.dirty = true
		return
	}
	s.notify(ctx, sess)
}

func (s *Server) notify(ctx context.Context, sess *session) {
	if s.notifier == nil {
		return
	}
	pslog.Ctx(ctx).Debug("cursor source changed")
	s.notifier.OnSourceChanged(sess.source, sess.id)
}

func (s *Server) lookup(id schema.SessionID) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[id]
}

// close releases a session removed from the session map.
func (s *Server) close(ctx context.Context, sess *session, reason string) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	sess.closed = true
	log := s.log(ctx).With("session", sess.id, "source", sess.source)
	if sess.inTx {
		if tx, ok := sess.cursor.(core.Transactor); ok {
			if err := tx.Rollback(ctx); err != nil {
				log.Warn("cursor session rollback failed", "err", err)
			}
		}
	}
	if err := sess.cursor.Close(ctx); err != nil {
		log.Warn("cursor session close failed", "err", err)
	}
	log.Info("cursor session closed", "reason", reason)
}

func (s *Server) closeAll(ctx context.Context) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, id)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.close(ctx, sess, "shutdown")
	}
}

func (s *Server) reapLoop(ctx context.Context) {
	interval := max(s.cfg.IdleTimeout/2, 10*time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reapIdle(ctx, time.Now())
		}
	}
}

// reapIdle closes sessions idle for longer than the configured timeout.
func (s *Server) reapIdle(ctx context.Context, now time.Time) int {
	cutoff := now.Add(-s.cfg.IdleTimeout).UnixNano()
	s.mu.Lock()
	var idle []*session
	for id, sess := range s.sessions {
		if sess.lastUsed.Load() < cutoff {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()
	for _, sess := range idle {
		s.close(ctx, sess, "idle")
	}
	return len(idle)
}

func sessionFromContext(ctx context.Context) schema.SessionID {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	values := md.Get(sessionHeader)
	if len(values) == 0 {
		return ""
	}
	return schema.SessionID(strings.TrimSpace(values[0]))
}

func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	default:
		return status.Error(codes.Unknown, err.Error())
	}
}

func newSessionID() schema.SessionID {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return schema.SessionID(fmt.Sprintf("session-%d", time.Now().UnixNano()))
	}
	return schema.SessionID(hex.EncodeToString(buf[:]))
}
