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
	"github.com/elemental-run/agentcore/internal/store"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run or trigger the dispatch loop",
}

func init() {
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the dispatch loop standalone against the configured store, until interrupted",
		Args:  cobra.NoArgs,
		RunE:  runDispatchRun,
	}
	pollCmd := &cobra.Command{
		Use:   "poll-now",
		Short: "Trigger an immediate dispatch tick on a running orchestrator serve instance",
		Args:  cobra.NoArgs,
		RunE:  runDispatchPollNow,
	}
	pauseCmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the dispatch loop via its control directory, without going through the API",
		Args:  cobra.NoArgs,
		RunE:  runDispatchPause,
	}
	resumeCmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume a paused dispatch loop via its control directory",
		Args:  cobra.NoArgs,
		RunE:  runDispatchResume,
	}
	dispatchCmd.AddCommand(runCmd, pollCmd, pauseCmd, resumeCmd)
}

// runDispatchRun is the standalone path: no HTTP server, no Spawner — just
// the Dispatch Daemon ticking against the Reference Task Store, for
// deployments where assignment runs as its own process against a store
// shared with a separately-running Session Manager.
func runDispatchRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	st, err := openConfiguredStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("dispatch: running, ctrl-c to stop")
	daemon.Run(ctx)
	return nil
}

func runDispatchPollNow(cmd *cobra.Command, args []string) error {
	_, err := apiPost("/dispatch/poll-now", nil)
	if err != nil {
		return err
	}
	fmt.Println("poll triggered")
	return nil
}

func runDispatchPause(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Dispatch.ControlDir == "" {
		return argError("dispatch.control_dir is not configured")
	}
	ctrl, err := control.New(cfg.Dispatch.ControlDir)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if err := ctrl.Pause(); err != nil {
		return err
	}
	fmt.Println("paused")
	return nil
}

func runDispatchResume(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Dispatch.ControlDir == "" {
		return argError("dispatch.control_dir is not configured")
	}
	ctrl, err := control.New(cfg.Dispatch.ControlDir)
	if err != nil {
		return err
	}
	defer ctrl.Close()
	if err := ctrl.Resume(); err != nil {
		return err
	}
	fmt.Println("resumed")
	return nil
}

func openConfiguredStore(cfg *config.Config) (store.Store, error) {
	path := cfg.Store.Path
	if path == "" {
		path = store.DefaultDBPath()
	}
	return store.OpenSQLite(path)
}
