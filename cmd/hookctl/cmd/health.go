package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// checkGRPCHealth asks the grpc.health.v1 service for the overall server status
func checkGRPCHealth(ctx context.Context, addr string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()
	return healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the relay",
	Long: `Check the relay's health with the gRPC health service, or with GET /healthz
when --http is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		useHTTP, _ := cmd.Flags().GetBool("http")
		out := cmd.OutOrStdout()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		if useHTTP {
			var body map[string]any
			err := newAPIClient().do(ctx, http.MethodGet, "/healthz", nil, nil, &body)
			if err != nil {
				fmt.Fprintf(out, "✗ Service is unhealthy (HTTP): %v\n", err)
				return err
			}
			if outputJSON {
				return printJSON(out, body)
			}
			fmt.Fprintln(out, "✓ Service is healthy (HTTP)")
			return nil
		}

		resp, err := checkGRPCHealth(ctx, grpcAddr)
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if outputJSON {
			data, err := protojson.MarshalOptions{Multiline: true, Indent: "  ", EmitUnpopulated: true}.Marshal(resp)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		}
		if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			if !outputJSON {
				fmt.Fprintf(out, "✗ Service is %s\n", resp.GetStatus())
			}
			return fmt.Errorf("service status %s", resp.GetStatus())
		}
		if !outputJSON {
			fmt.Fprintln(out, "✓ Service is healthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().Bool("http", false, "use GET /healthz instead of the gRPC health service")
}
