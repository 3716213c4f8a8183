package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/stores"
)

func newStatusCommand(s *settings) *cobra.Command {
	var (
		deployment    string
		orchestration string
		limit         int
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show recorded orchestrations",
		Long: `Show the orchestrations recorded in the database, newest first.

With --orchestration, show one orchestration with its snapshots and the
tasks it aborted.`,
		Example: `  orchestra status
  orchestra status --deployment shop
  orchestra status --orchestration 6c1f0e9a-...`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := s.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			if orchestration != "" {
				return s.showOrchestration(cmd.Context(), cmd.OutOrStdout(), store, orchestration)
			}
			return s.listOrchestrations(cmd.Context(), cmd.OutOrStdout(), store, deployment, limit)
		},
	}

	cmd.Flags().StringVar(&deployment, "deployment", "", "only show this deployment")
	cmd.Flags().StringVar(&orchestration, "orchestration", "", "show one orchestration in detail")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of orchestrations to list")
	return cmd
}

func (s *settings) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	path, err := s.databasePath()
	if err != nil {
		return nil, err
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: path})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate %s: %w", path, err)
	}
	return store, nil
}

func (s *settings) listOrchestrations(ctx context.Context, w io.Writer, store stores.Store, deployment string, limit int) error {
	list, err := store.ListOrchestrations(ctx, deployment, limit, 0)
	if err != nil {
		return err
	}
	if s.v.GetBool(keyJSON) {
		if list == nil {
			list = []*stores.Orchestration{}
		}
		return printJSON(w, list)
	}

	if len(list) == 0 {
		fmt.Fprintln(w, "No orchestrations recorded")
		return nil
	}
	fmt.Fprintf(w, "%-36s  %-16s %-20s %-19s  %s\n", "ID", "DEPLOYMENT", "STATUS", "STARTED", "UPDATED")
	for _, o := range list {
		fmt.Fprintf(w, "%-36s  %-16s %-20s %-19s  %s\n", o.ID, o.Deployment, o.Status,
			o.StartedAt.Local().Format(time.DateTime), o.UpdatedAt.Local().Format(time.DateTime))
	}
	return nil
}

type orchestrationReport struct {
	*stores.Orchestration
	Snapshots []*stores.SnapshotInfo       `json:"snapshots"`
	Aborted   []engine.AbortedTaskSnapshot `json:"aborted"`
}

func (s *settings) showOrchestration(ctx context.Context, w io.Writer, store stores.Store, id string) error {
	o, err := store.GetOrchestration(ctx, id)
	if err != nil {
		return err
	}
	aborted, err := store.ListAbortedTasks(ctx, id)
	if err != nil {
		return err
	}

	var snapshots []*stores.SnapshotInfo
	for _, d := range engine.AllDomains() {
		infos, err := store.ListSnapshots(ctx, o.Deployment, d)
		if err != nil {
			return err
		}
		for _, info := range infos {
			if info.OrchestrationID == id {
				snapshots = append(snapshots, info)
			}
		}
	}

	if s.v.GetBool(keyJSON) {
		return printJSON(w, orchestrationReport{Orchestration: o, Snapshots: snapshots, Aborted: aborted})
	}

	fmt.Fprintf(w, "Orchestration: %s\n", o.ID)
	fmt.Fprintf(w, "Deployment:    %s\n", o.Deployment)
	fmt.Fprintf(w, "Status:        %s\n", o.Status)
	fmt.Fprintf(w, "Started:       %s\n", o.StartedAt.Local().Format(time.DateTime))
	fmt.Fprintf(w, "Updated:       %s\n", o.UpdatedAt.Local().Format(time.DateTime))

	if len(snapshots) > 0 {
		fmt.Fprintln(w, "\nSnapshots:")
		for _, info := range snapshots {
			fmt.Fprintf(w, "  %-14s %-18s %s\n", info.Domain, info.Status, info.TakenAt.Local().Format(time.DateTime))
		}
	}
	if len(aborted) > 0 {
		fmt.Fprintln(w, "\nAborted tasks:")
		for _, t := range aborted {
			fmt.Fprintf(w, "  %s (%s) [%s]: %s\n", t.NodeID, t.Kind, t.ErrorKind, t.Message)
		}
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
