package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/policy"
)

func newRunCommand(s *settings) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run <model>",
		Short: "Provision, configure and execute a model",
		Long: `Run every phase of a model in order.

Provisioning creates the declared resources. After a pause that lets new
hosts come up, configuration steps prepare the hosts and execution steps
start the workload. A phase that aborts stops the orchestration; the
provisioned resources are left in place and can be removed with
deprovision.`,
		Example: `  # Run a model
  orchestra run ./shop.yaml

  # See what would happen without touching anything
  orchestra run ./shop.yaml --dry-run

  # Rehearse a flaky resource
  orchestra run ./shop.yaml --dry-run --simulate-failure net=2 --no-delay --pause 0`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.orchestrate(cmd, args[0], policy.OperationRun, &f, func(ctx context.Context, o *engine.Orchestrator) error {
				return o.Run(ctx)
			})
		},
	}
	addRunFlags(cmd, &f)
	return cmd
}

func newProvisionCommand(s *settings) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "provision <model>",
		Short: "Run only the provisioning phase",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.orchestrate(cmd, args[0], policy.OperationProvision, &f, func(ctx context.Context, o *engine.Orchestrator) error {
				return o.RunPhase(ctx, engine.DomainProvisioning)
			})
		},
	}
	addRunFlags(cmd, &f)
	return cmd
}

func newDeprovisionCommand(s *settings) *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "deprovision <model>",
		Short: "Tear down provisioned resources",
		Long: `Reverse the provisioning graph: every resource is removed after the
resources that depend on it.

Only resources recorded as provisioned are removed. When this process did
not provision them, the latest stored snapshot of the deployment says
which ones were. Use --all to remove every declared resource.`,
		Example: `  orchestra deprovision ./shop.yaml
  orchestra deprovision ./shop.yaml --all`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.orchestrate(cmd, args[0], policy.OperationDeprovision, &f, func(ctx context.Context, o *engine.Orchestrator) error {
				return o.Deprovision(ctx)
			})
		},
	}
	addRunFlags(cmd, &f)
	cmd.Flags().BoolVar(&f.reverseAll, "all", false, "reverse every resource, provisioned or not")
	return cmd
}

// orchestrate opens the app, runs fn and reports the outcome.
func (s *settings) orchestrate(cmd *cobra.Command, modelPath, operation string, f *runFlags, fn func(context.Context, *engine.Orchestrator) error) error {
	ctx := cmd.Context()

	a, err := s.openApp(ctx, modelPath, operation, f)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	ctx = a.tel.WithContext(ctx)
	a.tel.Logger.NewComponentLogger("cli").
		WithDeployment(a.model.Name).
		WithOrchestrationID(a.orch.ID()).
		WithFields(map[string]interface{}{"operation": operation, "dry_run": f.dryRun}).
		Info("Starting orchestration")

	return s.report(cmd, a, fn(ctx, a.orch))
}
