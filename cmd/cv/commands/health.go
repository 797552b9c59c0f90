package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coldvault/pkg/client"
	"coldvault/pkg/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var healthCmd = &cobra.Command{
	Use:         "health",
	Short:       "Query the cv-server health endpoint",
	Annotations: map[string]string{skipApp: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := viper.GetString("server.addr")
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		cli, err := client.NewCVClient(addr)
		if err != nil {
			return err
		}
		defer cli.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()

		for _, svc := range []string{"", server.MaintenanceService} {
			st, err := cli.Check(ctx, svc)
			if err != nil {
				return fmt.Errorf("health check %s failed: %w", addr, err)
			}
			name := svc
			if name == "" {
				name = "cv-server"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%-24s %s\n", name, st)
			if st != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("%s is %s", name, st)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
