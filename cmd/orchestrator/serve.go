package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elemental-run/agentcore/internal/config"
	"github.com/elemental-run/agentcore/internal/control"
	"github.com/elemental-run/agentcore/internal/dispatch"
	"github.com/elemental-run/agentcore/internal/eventbus"
	"github.com/elemental-run/agentcore/internal/httpapi"
	"github.com/elemental-run/agentcore/internal/provider"
	"github.com/elemental-run/agentcore/internal/session"
	"github.com/elemental-run/agentcore/internal/spawner"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration core: Session Manager, Dispatch Daemon, and External API",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "override http.host from config")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "override http.port from config")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveHost != "" {
		cfg.HTTP.Host = serveHost
	}
	if servePort != 0 {
		cfg.HTTP.Port = servePort
	}

	st, err := openConfiguredStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	sessionBus := eventbus.New()
	channelBus := eventbus.New()

	registry := provider.NewRegistry(provider.NewClaudeProvider(), provider.NewCodexProvider())
	sp := spawner.New(registry, sessionBus,
		spawner.WithInitTimeout(cfg.Spawner.InitTimeout),
		spawner.WithTerminateGrace(cfg.Spawner.TerminateGrace),
		spawner.WithWorkspaceRoot(cfg.Workspace.Root),
		spawner.WithExtraEnv(cfg.Credentials.ExtraEnv()),
	)
	sessions := session.New(sp, sessionBus, session.WithStore(st))

	dispatchOpts := []dispatch.Option{
		dispatch.WithTickInterval(cfg.Dispatch.TickInterval),
		dispatch.WithBatchSize(cfg.Dispatch.BatchSize),
		dispatch.WithStoreTimeout(cfg.Dispatch.StoreTimeout),
	}
	if cfg.Dispatch.ControlDir != "" {
		ctrl, err := control.New(cfg.Dispatch.ControlDir)
		if err != nil {
			return fmt.Errorf("start control watcher: %w", err)
		}
		defer ctrl.Close()
		dispatchOpts = append(dispatchOpts, dispatch.WithControlWatcher(ctrl))
	}
	daemon := dispatch.New(st, dispatchOpts...)

	httpCfg := httpapi.DefaultConfig()
	httpCfg.Host = cfg.HTTP.Host
	httpCfg.Port = cfg.HTTP.Port
	httpCfg.EnableCORS = cfg.HTTP.EnableCORS

	server := httpapi.New(sessions, daemon, st, channelBus, httpCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go daemon.Run(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("orchestrator: serving on %s:%d, ctrl-c to stop\n", httpCfg.Host, httpCfg.Port)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			daemon.Stop()
			return err
		}
	}

	daemon.Stop()
	return server.Stop()
}
