package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cuemby/rackpatch/pkg/config"
	"github.com/cuemby/rackpatch/pkg/log"
	"github.com/cuemby/rackpatch/pkg/storage"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// cfg is loaded once by the root command before any subcommand runs
var cfg *config.Config

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rackpatch",
	Short: "rackpatch - fleet patching coordination",
	Long: `rackpatch coordinates patch runs across rack infrastructure.

It dispatches queued patch requests onto worker slots, serializes runs
that share a switch fabric, picks launch nodes, checks guest availability
and records progress, timing and structured errors in a shared store.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"rackpatch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the configuration file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log in JSON format")
	rootCmd.PersistentFlags().String("driver", "", "Store driver (mysql or sqlite3)")
	rootCmd.PersistentFlags().String("dsn", "", "Store data source name")

	rootCmd.AddCommand(dispatcherCmd)
	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(fabricCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(statusCmd)
}

func loadConfig(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("config")
	c, err := config.Load(path)
	if err != nil {
		return err
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		c.Log.Level = level
	}
	if cmd.Flags().Changed("log-json") {
		c.Log.JSON, _ = cmd.Flags().GetBool("log-json")
	}
	if driver, _ := cmd.Flags().GetString("driver"); driver != "" {
		c.Store.Driver = driver
	}
	if dsn, _ := cmd.Flags().GetString("dsn"); dsn != "" {
		c.Store.DSN = dsn
	}
	if err := c.Validate(); err != nil {
		return err
	}

	lc := c.LoggingConfig()
	lc.Output = os.Stderr
	log.Init(lc)
	cfg = c
	return nil
}

// openStore connects to the configured coordination store
func openStore(ctx context.Context) (*storage.SQLStore, error) {
	sc, err := cfg.StorageConfig()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(ctx, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return store, nil
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
}
