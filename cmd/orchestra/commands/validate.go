package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/config"
	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/policy"
)

func newValidateCommand(s *settings) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate <model>",
		Short: "Validate a model",
		Long: `Validate a model without running it.

This command checks:
  - Syntax and schema of the model file
  - That every phase forms an acyclic graph with known dependencies
  - Policy compliance (built-in and --policy rego policies)`,
		Example: `  # Validate a model
  orchestra validate ./shop.yaml

  # Re-check whenever the model or a policy changes
  orchestra validate ./shop.yaml --policy ./policies --watch`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]
			if err := s.validate(cmd.Context(), cmd.OutOrStdout(), path); err != nil && !watch {
				return err
			}
			if !watch {
				return nil
			}
			return s.watchValidate(cmd.Context(), cmd.OutOrStdout(), path)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "validate again whenever the model or a policy changes")
	return cmd
}

// validate loads the model, builds every graph and evaluates the policies.
func (s *settings) validate(ctx context.Context, w io.Writer, path string) error {
	model, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(w, "✗ %s: %v\n", path, err)
		return err
	}

	reg, err := simulatedRegistry(model)
	if err != nil {
		return err
	}
	for _, d := range engine.AllDomains() {
		if _, err := graphOf(reg, model, d); err != nil {
			fmt.Fprintf(w, "✗ %s: %v\n", path, err)
			return err
		}
	}

	result, err := s.evaluatePolicy(ctx, model, policy.OperationValidate)
	if err != nil {
		return err
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "! %s\n", v)
	}
	for _, v := range result.Violations {
		fmt.Fprintf(w, "✗ %s\n", v)
	}
	if err := result.Err(); err != nil {
		return err
	}

	fmt.Fprintf(w, "✓ %s: %d resources, %d configurations, %d executions\n",
		path, len(model.Resources), len(model.Configurations), len(model.Executions))
	return nil
}

// watchValidate re-runs validate whenever the model or a policy file
// changes, until ctx is done. Policy files are watched by the policy
// loader; the model is watched here.
func (s *settings) watchValidate(ctx context.Context, w io.Writer, path string) error {
	var mu sync.Mutex
	revalidate := func(reason string) {
		mu.Lock()
		defer mu.Unlock()
		fmt.Fprintf(w, "%s changed, validating again\n", reason)
		_ = s.validate(ctx, w, path)
	}

	if paths := s.v.GetStringSlice(keyPolicies); len(paths) > 0 {
		loader := policy.NewLoader(log.Logger)
		if err := loader.Watch(ctx, paths, func([]policy.Policy) error {
			revalidate("Policy")
			return nil
		}); err != nil {
			return err
		}
		defer loader.StopWatching()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(watchPath(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	log.Info().Str("model", path).Strs("policies", s.v.GetStringSlice(keyPolicies)).Msg("Watching for changes")

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isModelFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() { revalidate("Model") })
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchPath is the directory holding a model file, or the model directory.
func watchPath(path string) string {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return path
	}
	return filepath.Dir(path)
}

func isModelFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json", ".cue", ".hcl":
		return true
	}
	return false
}
