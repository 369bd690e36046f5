package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rackpatch/pkg/synclock"
	"github.com/cuemby/rackpatch/pkg/types"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Manage worker slots",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List worker slots",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		workers, err := store.ListWorkers(ctx)
		if err != nil {
			return err
		}
		if len(workers) == 0 {
			fmt.Println("No workers registered")
			return nil
		}

		w := newTable()
		fmt.Fprintln(w, "PORT\tTYPE\tSTATUS\tSTATE\tREQUEST\tSYNC LOCK\tLAST ACTIVE")
		for _, wk := range workers {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				wk.Port, wk.Type, wk.Status, wk.State, wk.UUID, wk.SyncLock, wk.LastActiveTime.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var workerAddCmd = &cobra.Command{
	Use:   "add PORT",
	Short: "Register a worker slot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q", args[0])
		}
		kind, _ := cmd.Flags().GetString("type")

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		result, err := store.InsertWorker(ctx, &types.Worker{Port: port, Type: types.WorkerType(kind)})
		if err != nil {
			return err
		}
		fmt.Printf("✓ Worker %d %s\n", port, result)
		return nil
	},
}

var workerReleaseCmd = &cobra.Command{
	Use:   "release PORT",
	Short: "Return a worker slot to the idle pool",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid port %q", args[0])
		}

		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ReleaseWorker(ctx, port); err != nil {
			return err
		}
		fmt.Printf("✓ Worker %d released\n", port)
		return nil
	},
}

var workerReleaseLocksCmd = &cobra.Command{
	Use:     "release-locks",
	Aliases: []string{"release-all"},
	Short:   "Free every worker sync lock",
	Long: `Free the sync locks of all worker slots.

Use this after a dispatcher died while assigning a request. A running
dispatcher does the same on start.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		n, err := synclock.New(store, nil).ReleaseAll(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("✓ %d sync locks released\n", n)
		return nil
	},
}

func init() {
	workerAddCmd.Flags().String("type", string(types.WorkerTypeWorker), "Worker type (worker, dispatcher, workermanager)")

	workerCmd.AddCommand(workerListCmd)
	workerCmd.AddCommand(workerAddCmd)
	workerCmd.AddCommand(workerReleaseCmd)
	workerCmd.AddCommand(workerReleaseLocksCmd)
}
