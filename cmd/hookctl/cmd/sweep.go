package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/config"
	"github.com/austindbirch/harbor_relay/internal/db"
	"github.com/austindbirch/harbor_relay/internal/retention"
)

// runSweep opens the configured store and runs one retention pass against it
func runSweep(ctx context.Context, cfg config.Config) (int, error) {
	st, err := db.Open(ctx, cfg)
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	return retention.New(st, retention.Config{
		Period:    cfg.Retention.Period,
		BatchSize: cfg.Retention.BatchSize,
	}).SweepOnce(ctx)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Purge deliveries older than the retention period",
	Long: `Run one retention pass directly against the database.

Database settings come from the same environment variables the relay reads
(DB_DRIVER, DB_HOST, SQLITE_PATH, ...). Deliveries created before now minus the
retention period are deleted with their attempts, one batch per transaction.

Example:
  DB_DRIVER=sqlite SQLITE_PATH=relay.db hookctl sweep --older-than 24h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		if d, _ := cmd.Flags().GetDuration("older-than"); d > 0 {
			cfg.Retention.Period = d
		}
		if n, _ := cmd.Flags().GetInt("batch"); n > 0 {
			cfg.Retention.BatchSize = n
		}

		start := time.Now()
		n, err := runSweep(cmd.Context(), cfg)
		out := cmd.OutOrStdout()
		if outputJSON {
			res := map[string]any{"purged": n, "duration": time.Since(start).String()}
			if err != nil {
				res["error"] = err.Error()
			}
			if perr := printJSON(out, res); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintf(out, "Purged %d deliveries in %s\n", n, time.Since(start).Round(time.Millisecond))
		}
		return err
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	sweepCmd.Flags().Duration("older-than", 0, "retention period (default RETENTION_PERIOD or 72h)")
	sweepCmd.Flags().Int("batch", 0, "deliveries per transaction (default RETENTION_BATCH_SIZE or 100)")
}
