package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/spf13/cobra"

	"github.com/cuemby/rackpatch/pkg/api"
	"github.com/cuemby/rackpatch/pkg/dispatcher"
	"github.com/cuemby/rackpatch/pkg/events"
	"github.com/cuemby/rackpatch/pkg/fabric"
	"github.com/cuemby/rackpatch/pkg/health"
	"github.com/cuemby/rackpatch/pkg/janitor"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/metadata"
	"github.com/cuemby/rackpatch/pkg/metrics"
	"github.com/cuemby/rackpatch/pkg/orchestrator"
	"github.com/cuemby/rackpatch/pkg/patcherror"
	"github.com/cuemby/rackpatch/pkg/planner"
	"github.com/cuemby/rackpatch/pkg/synclock"
	"github.com/cuemby/rackpatch/pkg/timestats"
	"github.com/cuemby/rackpatch/pkg/types"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Run the request dispatcher",
}

var dispatcherRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Dispatch pending requests until interrupted",
	Long: `Run the dispatcher in the foreground.

Pending requests are assigned to idle worker slots and executed by the
patch orchestrator. The janitor, the HTTP health endpoints and the gRPC
health service run alongside it.`,
	RunE: runDispatcher,
}

func init() {
	dispatcherRunCmd.Flags().String("http-addr", "", "Override the HTTP health address")
	dispatcherRunCmd.Flags().String("grpc-addr", "", "Override the gRPC health address")
	dispatcherRunCmd.Flags().Bool("no-janitor", false, "Do not run periodic cleanup")
	dispatcherRunCmd.Flags().Duration("health-interval", 10*time.Second, "Interval between store health refreshes")

	dispatcherCmd.AddCommand(dispatcherRunCmd)
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	noJanitor, _ := cmd.Flags().GetBool("no-janitor")
	healthInterval, _ := cmd.Flags().GetDuration("health-interval")
	if httpAddr == "" {
		httpAddr = cfg.API.HTTPAddr
	}
	if grpcAddr == "" {
		grpcAddr = cfg.API.GRPCAddr
	}

	logger := log.WithComponent("main")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	meta, err := metadata.NewBoltStore(cfg.Metadata.DataDir)
	if err != nil {
		return fmt.Errorf("failed to open metadata: %w", err)
	}
	defer meta.Close()

	masker, err := cfg.Masker()
	if err != nil {
		return err
	}
	var unmasker orchestrator.Unmasker
	if masker != nil {
		unmasker = masker
	}

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	collector := metrics.NewCollector(broker)
	collector.Start()
	defer collector.Stop()

	sshClient, err := health.NewSSHProber(cfg.Patching.SSHUser, cfg.Patching.SSHKeyPath,
		cfg.Patching.KnownHostsPath, cfg.Patching.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("failed to set up ssh: %w", err)
	}
	prober, err := health.NewProber(cfg.Patching.ProbeMethod, sshClient, cfg.Patching.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("patching.probe_method: %w", err)
	}
	tool, err := orchestrator.NewCommandTool(sshClient, cfg.Patching.ToolCommand)
	if err != nil {
		return fmt.Errorf("patching.tool_command: %w", err)
	}

	stats := timestats.New(store, clock.WallClock)
	stats.SetEnabled(cfg.Patching.CollectTimeStats)

	runner := orchestrator.New(orchestrator.Config{
		Defaults:         planner.Defaults{OpStyle: types.OpStyle(cfg.Patching.DefaultOpStyle)},
		LaunchNode:       cfg.LaunchNodeConfig(),
		HACheckEnabled:   cfg.Patching.HACheckEnabled,
		GuestListCommand: cfg.Patching.GuestListCommand,
		ToolCheckCommand: cfg.Patching.ToolCheckCommand,
		StepTimeout:      cfg.Patching.StepTimeout,
	}, orchestrator.Deps{
		Store:      store,
		Fabrics:    fabric.NewManager(store, broker),
		Reporter:   patcherror.NewReporter(store, meta),
		TimeStats:  stats,
		Metadata:   meta,
		Prober:     prober,
		Hosts:      sshClient,
		Tool:       tool,
		Topology:   orchestrator.NewParamsTopology(store, unmasker),
		Events:     broker,
		Operations: store,
	})

	disp := dispatcher.New(dispatcher.Config{
		Name:         cfg.Dispatcher.Name,
		PollInterval: cfg.Dispatcher.PollInterval,
		Clock:        clock.WallClock,
	}, store, synclock.New(store, broker), dispatcher.HandlerFunc(func(ctx context.Context, req *types.Request) error {
		return runner.Handle(ctx, req, unmasker)
	}), broker)
	if err := disp.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	var jan *janitor.Janitor
	if !noJanitor {
		jan = janitor.New(janitor.Config{
			Interval:     cfg.Janitor.Interval,
			ArchiveAfter: cfg.Janitor.ArchiveAfter,
			PurgeAfter:   cfg.Janitor.PurgeAfter,
			Clock:        clock.WallClock,
		}, store, stats, meta, broker)
		jan.Start(ctx)
		logger.Info().Dur("interval", cfg.Janitor.Interval).Msg("Janitor started")
	}

	errCh := make(chan error, 2)
	healthServer := api.NewHealthServer(store, Version)
	go func() {
		if err := healthServer.Start(httpAddr); err != nil {
			errCh <- fmt.Errorf("health server error: %w", err)
		}
	}()

	grpcServer := api.NewServer(store)
	go func() {
		if err := grpcServer.Start(grpcAddr); err != nil {
			errCh <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()
	go grpcServer.Watch(ctx, healthInterval)

	logger.Info().Str("http_addr", httpAddr).Str("grpc_addr", grpcAddr).Msg("Health endpoints listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
		logger.Error().Err(runErr).Msg("Shutting down")
	}

	// In-flight runs see the cancellation, record their failure and
	// release their locks before Stop returns.
	cancel()
	disp.Stop()
	if jan != nil {
		jan.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Health server shutdown failed")
	}
	grpcServer.Stop()

	logger.Info().Msg("Shutdown complete")
	return runErr
}
