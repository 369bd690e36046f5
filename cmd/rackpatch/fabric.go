package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cuemby/rackpatch/pkg/fabric"
	"github.com/cuemby/rackpatch/pkg/types"
)

var fabricCmd = &cobra.Command{
	Use:   "fabric",
	Short: "Manage switch fabric locks",
}

// withFabrics opens the store and runs fn with a fabric manager over it
func withFabrics(cmd *cobra.Command, fn func(m *fabric.Manager) error) error {
	store, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(fabric.NewManager(store, nil))
}

func parseFabricID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid fabric id %q", s)
	}
	return id, nil
}

var fabricRegisterCmd = &cobra.Command{
	Use:   "register SWITCH...",
	Short: "Register the fabric made of the given switches",
	Long: `Register a switch fabric by its switch inventory.

The same inventory in any order maps to the same fabric. Use --cluster to
attach clusters sharing the fabric.

Examples:
  rackpatch fabric register sw-ib-a sw-ib-b --cluster cl01 --cluster cl02`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		clusters, _ := cmd.Flags().GetStringSlice("cluster")
		return withFabrics(cmd, func(m *fabric.Manager) error {
			ctx := cmd.Context()
			entry, result, err := m.Register(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Fabric %d %s\n", entry.ID, result)

			for _, cluster := range clusters {
				result, err := m.AttachCluster(ctx, entry.ID, cluster)
				if err != nil {
					return fmt.Errorf("failed to attach cluster %s: %w", cluster, err)
				}
				fmt.Printf("✓ Cluster %s %s\n", cluster, result)
			}
			return nil
		})
	},
}

var fabricListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered fabrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFabrics(cmd, func(m *fabric.Manager) error {
			fabrics, err := m.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(fabrics) == 0 {
				fmt.Println("No fabrics registered")
				return nil
			}

			w := newTable()
			fmt.Fprintln(w, "ID\tLOCKED FOR\tCOUNT\tDO SWITCH\tBUSY CLUSTERS")
			for _, f := range fabrics {
				fmt.Fprintf(w, "%d\t%s\t%d\t%t\t%s\n",
					f.ID, f.LockedFor, f.LockCount, f.DoSwitch, strings.Join(f.BusyClusters, ","))
			}
			return w.Flush()
		})
	},
}

var fabricShowCmd = &cobra.Command{
	Use:   "show ID",
	Short: "Show a fabric and its switches",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFabricID(args[0])
		if err != nil {
			return err
		}
		return withFabrics(cmd, func(m *fabric.Manager) error {
			ctx := cmd.Context()
			f, err := m.Get(ctx, id)
			if err != nil {
				return err
			}
			switches, err := m.Switches(ctx, id)
			if err != nil {
				return err
			}

			fmt.Printf("ID:            %d\n", f.ID)
			fmt.Printf("Hash:          %s\n", f.Hash)
			fmt.Printf("Locked for:    %s\n", f.LockedFor)
			fmt.Printf("Lock count:    %d\n", f.LockCount)
			fmt.Printf("Do switch:     %t\n", f.DoSwitch)
			fmt.Printf("Busy clusters: %s\n", strings.Join(f.BusyClusters, ", "))
			fmt.Printf("Switches:      %s\n", strings.Join(switches, ", "))
			return nil
		})
	},
}

var fabricLockCmd = &cobra.Command{
	Use:   "lock ID CLUSTER",
	Short: "Take a share of a fabric for a cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFabricID(args[0])
		if err != nil {
			return err
		}
		kind, _ := cmd.Flags().GetString("for")
		return withFabrics(cmd, func(m *fabric.Manager) error {
			ok, err := m.Lock(cmd.Context(), id, args[1], types.LockedFor(kind))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("fabric %d is busy", id)
			}
			fmt.Printf("✓ Fabric %d locked for %s by %s\n", id, kind, args[1])
			return nil
		})
	},
}

var fabricUnlockCmd = &cobra.Command{
	Use:   "unlock ID CLUSTER",
	Short: "Give back the share of a fabric held by a cluster",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFabricID(args[0])
		if err != nil {
			return err
		}
		return withFabrics(cmd, func(m *fabric.Manager) error {
			ok, err := m.Unlock(cmd.Context(), id, args[1])
			if err != nil {
				return err
			}
			if !ok {
				fmt.Printf("Cluster %s does not hold fabric %d\n", args[1], id)
				return nil
			}
			fmt.Printf("✓ Fabric %d unlocked by %s\n", id, args[1])
			return nil
		})
	},
}

var fabricSetSwitchCmd = &cobra.Command{
	Use:   "set-switch ID true|false",
	Short: "Mark whether the fabric switches are patched",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseFabricID(args[0])
		if err != nil {
			return err
		}
		doSwitch, err := strconv.ParseBool(args[1])
		if err != nil {
			return fmt.Errorf("invalid value %q", args[1])
		}
		return withFabrics(cmd, func(m *fabric.Manager) error {
			if err := m.SetDoSwitch(cmd.Context(), id, doSwitch); err != nil {
				return err
			}
			fmt.Printf("✓ Fabric %d do-switch set to %t\n", id, doSwitch)
			return nil
		})
	},
}

var fabricCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete every fabric and cluster operation row",
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("cleanup removes all fabric locks; pass --yes to confirm")
		}
		return withFabrics(cmd, func(m *fabric.Manager) error {
			if err := m.Cleanup(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("✓ Fabric tables cleaned up")
			return nil
		})
	},
}

func init() {
	fabricRegisterCmd.Flags().StringSlice("cluster", nil, "Cluster sharing the fabric (repeatable)")
	fabricLockCmd.Flags().String("for", string(types.LockedForNonIBSwitch),
		fmt.Sprintf("Kind of work (%s or %s)", types.LockedForIBSwitch, types.LockedForNonIBSwitch))
	fabricCleanupCmd.Flags().Bool("yes", false, "Confirm the cleanup")

	fabricCmd.AddCommand(fabricRegisterCmd)
	fabricCmd.AddCommand(fabricListCmd)
	fabricCmd.AddCommand(fabricShowCmd)
	fabricCmd.AddCommand(fabricLockCmd)
	fabricCmd.AddCommand(fabricUnlockCmd)
	fabricCmd.AddCommand(fabricSetSwitchCmd)
	fabricCmd.AddCommand(fabricCleanupCmd)
}
