package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"pkt.systems/cursorwin"
	"pkt.systems/cursorwin/httpapi"
	"pkt.systems/cursorwin/internal/appconfig"
	"pkt.systems/cursorwin/internal/cursorrpc"
	"pkt.systems/cursorwin/sshserver"
	"pkt.systems/pslog"
)

func newServeCmd() *cobra.Command {
	var cfgPath string
	var noSSH bool
	var noRPC bool
	var noHTTP bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sources over gRPC, SSH and HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := pslog.Ctx(cmd.Context())
			cfg, err := appconfig.Load(cfgPath)
			if err != nil {
				return err
			}
			registry, closeSources, err := openRegistry(cmd.Context(), cfg.Source)
			if err != nil {
				return err
			}
			defer func() {
				if err := closeSources(); err != nil {
					logger.Warn("source close failed", "err", err)
				}
			}()

			var opts []cursorwin.ServerOption
			if !noRPC {
				opts = append(opts, cursorwin.WithRPC())
			}
			if !noSSH {
				opts = append(opts, cursorwin.WithSSH())
			}
			if !noHTTP {
				opts = append(opts, cursorwin.WithHTTP())
			}
			server, err := cursorwin.New(toServerConfig(cfg), cursorwin.ServerDeps{
				Registry: registry,
				Logger:   logger,
			}, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Stop(stopCtx); err != nil {
					logger.Warn("server stop failed", "err", err)
				}
			}()
			if err := server.Start(ctx); err != nil {
				return err
			}
			return server.Wait()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.Flags().BoolVar(&noSSH, "no-ssh", false, "disable the SSH browser")
	cmd.Flags().BoolVar(&noRPC, "no-rpc", false, "disable the cursor gRPC server")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "disable the HTTP API")
	return cmd
}

func toServerConfig(cfg appconfig.Config) cursorwin.ServerConfig {
	var defaultSource string
	if len(cfg.Source.Tables) > 0 {
		defaultSource = cfg.Source.Tables[0].Name
	}
	return cursorwin.ServerConfig{
		Window: cfg.Window.ManagerConfig(),
		RPC: cursorrpc.Config{
			Addr:        cfg.RPC.Addr,
			IdleTimeout: time.Duration(cfg.RPC.IdleTimeoutMinutes) * time.Minute,
		},
		SSH: sshserver.Config{
			Addr:               cfg.SSH.Addr,
			HostKeyPath:        cfg.SSH.HostKeyPath,
			AuthorizedKeysPath: cfg.SSH.AuthorizedKeysPath,
			Source:             defaultSource,
		},
		HTTP: httpapi.Config{
			Addr:          cfg.HTTP.Addr,
			BasePath:      cfg.HTTP.BasePath,
			MaxWindowSize: cfg.HTTP.MaxWindowSize,
		},
	}
}
