package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/rackpatch/pkg/api"
	"github.com/cuemby/rackpatch/pkg/client"
	"github.com/cuemby/rackpatch/pkg/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the readiness of a running dispatcher",
	Long: `Check the readiness of a running dispatcher.

By default the HTTP /ready endpoint is queried. With --grpc the gRPC
health service is asked for the store status instead.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		useGRPC, _ := cmd.Flags().GetBool("grpc")
		caFile, _ := cmd.Flags().GetString("ca")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if useGRPC {
			if addr == "" {
				addr = cfg.API.GRPCAddr
			}
			return grpcStatus(ctx, addr, caFile)
		}

		if addr == "" {
			addr = cfg.API.HTTPAddr
		}
		result := health.NewReadyChecker(addr).WithTimeout(timeout).Check(ctx)
		if !result.Healthy {
			return fmt.Errorf("not ready: %s", result.Message)
		}
		fmt.Printf("✓ Ready (%s, %s)\n", result.Message, result.Duration.Round(time.Millisecond))
		return nil
	},
}

func grpcStatus(ctx context.Context, addr, caFile string) error {
	var (
		c   *client.Client
		err error
	)
	if caFile != "" {
		c, err = client.NewClientWithCA(addr, caFile)
	} else {
		c, err = client.NewClient(addr)
	}
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.Serving(ctx, api.StoreService)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("not ready: store unreachable")
	}
	fmt.Println("✓ Ready (store serving)")
	return nil
}

func init() {
	statusCmd.Flags().String("addr", "", "Health address (default from the config)")
	statusCmd.Flags().Bool("grpc", false, "Query the gRPC health service")
	statusCmd.Flags().String("ca", "", "PEM CA bundle for a TLS gRPC endpoint")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}
