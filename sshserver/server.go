package sshserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	gliderssh "github.com/gliderlabs/ssh"
	"golang.org/x/crypto/ssh"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/internal/eventbus"
	"pkt.systems/cursorwin/internal/logx"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/pslog"
)

// Server exposes a row browser over SSH. Every session gets its own cursor
// and window manager over the requested source.
type Server struct {
	Addr        string
	HostKeyPath string
	Listener    net.Listener
	Registry    *core.Registry
	// Source is browsed when the client passes no command.
	Source   string
	Window   schema.ManagerConfig
	AuthKeys *AuthorizedKeys
	EventBus *eventbus.Bus
	logger   pslog.Logger
}

// NewServer builds a server from cfg. The authorized keys file is loaded once.
func NewServer(cfg Config, registry *core.Registry, window schema.ManagerConfig, bus *eventbus.Bus) (*Server, error) {
	if registry == nil {
		return nil, errors.New("source registry is required")
	}
	keys, err := LoadAuthorizedKeys(cfg.AuthorizedKeysPath)
	if err != nil {
		return nil, err
	}
	return &Server{
		Addr:        cfg.Addr,
		HostKeyPath: cfg.HostKeyPath,
		Registry:    registry,
		Source:      cfg.Source,
		Window:      window,
		AuthKeys:    keys,
		EventBus:    bus,
	}, nil
}

// ListenAndServe starts the SSH server and shuts down on context cancellation.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s.logger == nil {
		s.logger = pslog.Ctx(ctx).With("component", "sshserver")
	}
	if s.Registry == nil {
		return errors.New("source registry is required for SSH")
	}
	if s.AuthKeys.Len() == 0 {
		return errors.New("no authorized keys configured for SSH")
	}

	signer, err := EnsureHostKey(s.HostKeyPath)
	if err != nil {
		return err
	}

	server := &gliderssh.Server{
		Addr:             s.Addr,
		Handler:          s.handleSession,
		PublicKeyHandler: s.handlePublicKey,
	}
	server.AddHostKey(signer)

	errCh := make(chan error, 1)
	go func() {
		if s.Listener != nil {
			errCh <- server.Serve(s.Listener)
			return
		}
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("ssh server listening", "addr", s.Addr)

	select {
	case <-ctx.Done():
		_ = server.Close()
		return nil
	case err := <-errCh:
		if errors.Is(err, gliderssh.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) log(ctx context.Context) pslog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return pslog.Ctx(ctx)
}

func (s *Server) handlePublicKey(ctx gliderssh.Context, key gliderssh.PublicKey) bool {
	log := s.log(ctx).With("user", ctx.User(), "remote", remoteAddr(ctx), "fingerprint", ssh.FingerprintSHA256(key))
	if !s.AuthKeys.Allows(key) {
		log.Warn("ssh pubkey rejected", "reason", "no matching key")
		return false
	}
	log.Info("ssh pubkey accepted")
	return true
}

func remoteAddr(ctx gliderssh.Context) string {
	if ctx == nil || ctx.RemoteAddr() == nil {
		return ""
	}
	return ctx.RemoteAddr().String()
}

// sessionIDFor derives a window manager session id from the SSH session id.
func sessionIDFor(sshSession string) schema.SessionID {
	if len(sshSession) > 16 {
		sshSession = sshSession[:16]
	}
	return schema.SessionID("ssh-" + sshSession)
}

func (s *Server) handleSession(sess gliderssh.Session) {
	log := s.log(sess.Context()).With("user", sess.User(), "remote", sess.RemoteAddr().String())
	pty, winCh, ok := sess.Pty()
	if !ok {
		log.Info("ssh session rejected", "reason", "pty required")
		_, _ = io.WriteString(sess, "pty required\n")
		_ = sess.Exit(1)
		return
	}

	name := s.Source
	if args := sess.Command(); len(args) > 0 {
		name = args[0]
	}
	source, err := schema.NormalizeSourceName(name)
	if err != nil {
		log.Info("ssh session rejected", "reason", "invalid source", "source", name)
		_, _ = fmt.Fprintf(sess, "invalid source %q\n", name)
		_ = sess.Exit(1)
		return
	}
	sessionID := sessionIDFor(sess.Context().SessionID())
	ctx := logx.ContextWithSessionLogger(sess.Context(), log, sessionID, source)
	log = logx.Ctx(ctx)

	if err := s.browse(ctx, sess, source, sessionID, pty.Window, winCh); err != nil {
		log.Warn("ssh session failed", "err", err)
		_, _ = fmt.Fprintf(sess, "%v\n", err)
		_ = sess.Exit(1)
		return
	}
	_ = sess.Exit(0)
}

// browse opens a cursor and manager for one session and runs the browser
// until the client leaves.
func (s *Server) browse(ctx context.Context, sess gliderssh.Session, source schema.SourceName, sessionID schema.SessionID, size gliderssh.Window, winCh <-chan gliderssh.Window) error {
	log := logx.Ctx(ctx)
	cursor, err := s.Registry.Open(ctx, string(source))
	if err != nil {
		return err
	}
	defer func() {
		if err := cursor.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("ssh cursor close failed", "err", err)
		}
	}()

	deps := core.ManagerDeps{Logger: log, SessionID: sessionID}
	if s.EventBus != nil {
		deps.EventSink = s.EventBus
	}
	mgr, err := core.NewManager(s.Window, cursor, deps)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(context.WithoutCancel(ctx)); err != nil {
			log.Warn("ssh manager close failed", "err", err)
		}
	}()

	var events <-chan eventbus.Event
	if s.EventBus != nil {
		var unsubscribe func()
		events, unsubscribe = s.EventBus.Subscribe(sessionID, source)
		defer unsubscribe()
	}

	ui := newBrowser(sess, mgr, source, sessionID, s.EventBus, log)
	if err := ui.Open(ctx, size.Width, size.Height); err != nil {
		return err
	}
	log.Info("ssh session opened")
	keys := make(chan key, 16)
	go readKeys(sess, keys)
	err = ui.Run(ctx, keys, winCh, events)
	log.Info("ssh session closed")
	return err
}
