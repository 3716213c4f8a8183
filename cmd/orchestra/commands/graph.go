package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/providers/simulated"
)

func newGraphCommand(s *settings) *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "graph <model>",
		Short: "Print the dependency graph of a phase in DOT format",
		Example: `  orchestra graph ./shop.yaml | dot -Tsvg > provisioning.svg
  orchestra graph ./shop.yaml --domain configuration`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := engine.Domain(domain)
			if err := d.Validate(); err != nil {
				return err
			}

			model, err := config.Load(args[0])
			if err != nil {
				return err
			}
			reg, err := simulatedRegistry(model)
			if err != nil {
				return err
			}
			g, err := graphOf(reg, model, d)
			if err != nil {
				return err
			}

			if s.v.GetBool(keyJSON) {
				return printJSON(cmd.OutOrStdout(), graphReport{
					Domain: d,
					Levels: g.Levels(),
					Edges:  g.Edges(),
				})
			}
			_, err = fmt.Fprint(cmd.OutOrStdout(), g.ToDOT())
			return err
		},
	}

	cmd.Flags().StringVarP(&domain, "domain", "d", string(engine.DomainProvisioning), "phase to print (provisioning, configuration, execution)")
	return cmd
}

type graphReport struct {
	Domain engine.Domain `json:"domain"`
	Levels [][]string    `json:"levels"`
	Edges  []engine.Edge `json:"edges"`
}

// simulatedRegistry resolves every kind of the model to a dry-run handler.
// Graphs built from it have the same shape as the real ones.
func simulatedRegistry(model *config.Model) (*engine.Registry, error) {
	reg := engine.NewDefaultRegistry()
	if err := model.DeclareKinds(reg); err != nil {
		return nil, err
	}
	if _, err := simulated.Register(reg, simulated.Options{}); err != nil {
		return nil, err
	}
	return reg, nil
}

func graphOf(reg *engine.Registry, model *config.Model, d engine.Domain) (*engine.Graph, error) {
	retry, err := model.DefaultRetry()
	if err != nil {
		return nil, err
	}
	return engine.NewGraphBuilder(reg, d, retry).Build(model)
}
