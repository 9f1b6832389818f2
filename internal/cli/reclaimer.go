package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/cache"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	metricsserver "sigs.k8s.io/controller-runtime/pkg/metrics/server"

	"github.com/jvs-project/agentlock/controllers"
	"github.com/jvs-project/agentlock/internal/store"
	"github.com/jvs-project/agentlock/pkg/agentlock"
	"github.com/jvs-project/agentlock/pkg/errclass"
)

var (
	reclaimerMetricsAddr = "0"
	reclaimerProbeAddr   = ""
)

var reclaimerCmd = &cobra.Command{
	Use:   "reclaimer",
	Short: "Run the in-cluster lease reclaimer (kubernetes backend)",
	Long: `Run a controller that watches agentlock leases in the configured
namespace. Expired leases are deleted and sessions that reach the
abandoned tier are reclaimed, releasing their locks and claims, without
waiting for an agent to run "session status".

Requires backend.type: kubernetes. Runs until interrupted.`,
	Args: args(cobra.NoArgs),
	RunE: func(cmd *cobra.Command, a []string) error {
		return withClient(cmd, func(c *agentlock.Client) error {
			ks, ok := c.Store().(*store.KubeStore)
			if !ok || ks.RESTConfig() == nil {
				return usageError{fmt.Errorf("reclaimer requires backend.type: kubernetes (current: %s)",
					c.Config().Backend.Type)}
			}

			ctrl.SetLogger(zap.New())
			mgr, err := ctrl.NewManager(ks.RESTConfig(), ctrl.Options{
				Scheme: scheme.Scheme,
				Cache: cache.Options{
					DefaultNamespaces: map[string]cache.Config{ks.Namespace(): {}},
				},
				Metrics:                metricsserver.Options{BindAddress: reclaimerMetricsAddr},
				HealthProbeBindAddress: reclaimerProbeAddr,
			})
			if err != nil {
				return errclass.ErrBackendUnavailable.WithMessagef("start manager: %v", err)
			}

			r := &controllers.LeaseReconciler{
				Client:   mgr.GetClient(),
				Sessions: c.Sessions(),
				Logger:   c.Logger(),
			}
			if err := r.SetupWithManager(mgr); err != nil {
				return fmt.Errorf("set up reclaimer: %w", err)
			}
			if err := mgr.AddHealthzCheck("healthz", healthz.Ping); err != nil {
				return fmt.Errorf("add health check: %w", err)
			}

			fmt.Fprintf(os.Stderr, "Reclaiming agentlock leases in namespace %s\n", ks.Namespace())
			return mgr.Start(cmd.Context())
		})
	},
}

func init() {
	reclaimerCmd.Flags().StringVar(&reclaimerMetricsAddr, "metrics-bind-address", "0", "controller metrics address (0 disables)")
	reclaimerCmd.Flags().StringVar(&reclaimerProbeAddr, "health-probe-bind-address", "", "health probe address (empty disables)")
	rootCmd.AddCommand(reclaimerCmd)
}
