package cursorwin

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"pkt.systems/cursorwin/core"
	"pkt.systems/cursorwin/httpapi"
	"pkt.systems/cursorwin/internal/cursorrpc"
	"pkt.systems/cursorwin/internal/eventbus"
	"pkt.systems/cursorwin/schema"
	"pkt.systems/cursorwin/sshserver"
	"pkt.systems/pslog"
)

// Server composes the cursor RPC, SSH browser and HTTP API services.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Window schema.ManagerConfig
	RPC    cursorrpc.Config
	SSH    sshserver.Config
	HTTP   httpapi.Config
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	Registry *core.Registry
	Logger   pslog.Logger
}

// ServerOption toggles compositor components.
type ServerOption func(*serverOptions)

type serverOptions struct {
	enableRPC  bool
	enableSSH  bool
	enableHTTP bool
}

// WithRPC enables the cursor gRPC server.
func WithRPC() ServerOption {
	return func(o *serverOptions) { o.enableRPC = true }
}

// WithSSH enables the SSH row browser.
func WithSSH() ServerOption {
	return func(o *serverOptions) { o.enableSSH = true }
}

// WithHTTP enables the HTTP API.
func WithHTTP() ServerOption {
	return func(o *serverOptions) { o.enableHTTP = true }
}

// New constructs a composable cursorwin server. All services share one
// event bus so a write through any of them refreshes SSH browsers and HTTP
// streams of the same source.
func New(cfg ServerConfig, deps ServerDeps, opts ...ServerOption) (Server, error) {
	options := serverOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if !options.enableRPC && !options.enableSSH && !options.enableHTTP {
		return nil, errors.New("no services enabled")
	}
	if deps.Registry == nil {
		return nil, errors.New("source registry is required")
	}
	window, err := schema.NormalizeManagerConfig(cfg.Window)
	if err != nil {
		return nil, err
	}
	cfg.Window = window

	bus := eventbus.New(deps.Logger)
	srv := &compositeServer{cfg: cfg, options: options, bus: bus}
	if options.enableRPC {
		srv.rpcSrv = cursorrpc.NewServer(cfg.RPC, deps.Registry, cursorrpc.ServerDeps{
			Notifier: bus,
			Logger:   deps.Logger,
		})
	}
	if options.enableSSH {
		sshSrv, err := sshserver.NewServer(cfg.SSH, deps.Registry, cfg.Window, bus)
		if err != nil {
			return nil, err
		}
		srv.sshSrv = sshSrv
	}
	if options.enableHTTP {
		srv.httpSrv = httpapi.NewServer(cfg.HTTP, deps.Registry, cfg.Window, httpapi.ServerDeps{
			Bus:    bus,
			Logger: deps.Logger,
		})
	}
	return srv, nil
}

type compositeServer struct {
	cfg     ServerConfig
	options serverOptions
	bus     *eventbus.Bus
	rpcSrv  *cursorrpc.Server
	sshSrv  *sshserver.Server
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	group   *errgroup.Group
	started bool
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"rpc", s.options.enableRPC,
		"ssh", s.options.enableSSH,
		"http", s.options.enableHTTP,
		"rpc_addr", s.cfg.RPC.Addr,
		"ssh_addr", s.cfg.SSH.Addr,
		"http_addr", s.cfg.HTTP.Addr,
	)
	if s.options.enableRPC && s.rpcSrv != nil {
		group.Go(func() error {
			if err := s.rpcSrv.ListenAndServe(groupCtx); err != nil {
				log.Error("rpc server failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.options.enableSSH && s.sshSrv != nil {
		group.Go(func() error {
			if err := s.sshSrv.ListenAndServe(groupCtx); err != nil {
				log.Error("ssh server failed", "err", err)
				return err
			}
			return nil
		})
	}
	if s.options.enableHTTP && s.httpSrv != nil {
		group.Go(func() error {
			if err := s.httpSrv.ListenAndServe(groupCtx); err != nil {
				log.Error("http api failed", "err", err)
				return err
			}
			return nil
		})
	}
	return nil
}

// Wait blocks until every service has returned. The first failure cancels
// the others.
func (s *compositeServer) Wait() error {
	s.mu.Lock()
	group := s.group
	ctx := s.ctx
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}
	err := group.Wait()
	if err != nil {
		pslog.Ctx(ctx).Error("server stopped", "err", err)
	}
	s.cancel()
	return err
}

func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	group := s.group
	started := s.started
	log := s.logger
	s.mu.Unlock()
	if !started {
		return nil
	}
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	if cancel != nil {
		cancel()
	}
	if ctx == nil || group == nil {
		log.Info("server stop completed")
		return nil
	}
	done := make(chan struct{})
	go func() {
		_ = group.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		log.Warn("server stop timed out", "err", ctx.Err())
		return ctx.Err()
	case <-done:
		log.Info("server stopped")
		return nil
	}
}
