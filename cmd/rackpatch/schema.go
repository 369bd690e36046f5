package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cuemby/rackpatch/pkg/storage"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Manage the coordination store schema",
}

var schemaInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create missing tables",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		store, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		fmt.Printf("✓ Schema ready (%s)\n", store.Driver())
		return nil
	},
}

var schemaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the DDL for the configured driver",
	RunE: func(cmd *cobra.Command, args []string) error {
		for _, stmt := range storage.SchemaStatements(storage.Driver(cfg.Store.Driver)) {
			fmt.Printf("%s;\n\n", stmt)
		}
		return nil
	},
}

func init() {
	schemaCmd.AddCommand(schemaInitCmd)
	schemaCmd.AddCommand(schemaShowCmd)
}
