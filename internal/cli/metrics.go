package cli

import (
	"fmt"
	"os"

	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Print the accumulated Prometheus counters",
	Long: `Print the counters accumulated in the metrics textfile.

agentlock runs as short-lived processes, so counters are kept in a
node_exporter textfile (metrics.textfile or $AGENTLOCK_METRICS_TEXTFILE)
that every command updates on exit. This prints its current content in
the Prometheus text exposition format:
- agentlock_lock_operations_total{op,result}
- agentlock_claim_operations_total{result}
- agentlock_session_operations_total{op}
- agentlock_reclaimed_total{kind}
- agentlock_backend_errors_total{op}`,
	Args: args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			path := c.Config().Metrics.Textfile
			if path == "" {
				return usageError{fmt.Errorf("metrics.textfile is not configured")}
			}
			reg := metrics.NewRegistry()
			if err := reg.LoadTextfile(path); err != nil {
				return err
			}
			families, err := reg.Gatherer().Gather()
			if err != nil {
				return fmt.Errorf("gather metrics: %w", err)
			}
			for _, mf := range families {
				if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(metricsCmd)
}
