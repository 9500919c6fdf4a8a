package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/store"
)

func newAlertCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alert",
		Short: "Manage alert definitions in the local store",
	}

	var put struct {
		files   []string
		db      string
		replace bool
	}
	putCmd := &cobra.Command{
		Use:   "put",
		Short: "Store alert definitions from YAML files",
		RunE: func(cmd *cobra.Command, _ []string) error {
			alerts, err := loadAlerts(put.files)
			if err != nil {
				return err
			}
			st, err := store.OpenSQL(dbPath(put.db, a))
			if err != nil {
				return err
			}
			defer st.Close()

			for _, alert := range alerts {
				stored, err := syncAlert(cmd.Context(), st, alert, put.replace)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion %d\n", stored.ID, stored.Version)
			}
			a.logger.Info("Alerts stored", zap.Int("count", len(alerts)))
			return nil
		},
	}
	f := putCmd.Flags()
	f.StringSliceVarP(&put.files, "file", "f", nil, "Alert YAML file (repeatable)")
	f.StringVar(&put.db, "db", "", "SQLite database path (default from config)")
	f.BoolVar(&put.replace, "replace", false, "Replace existing definitions, keeping their run state")
	_ = putCmd.MarkFlagRequired("file")

	var list struct{ db string }
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := store.OpenSQL(dbPath(list.db, a))
			if err != nil {
				return err
			}
			defer st.Close()

			alerts, err := st.ListAlerts(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tACTIVE\tLAST TIMESTAMP\tVERSION")
			for _, alert := range alerts {
				fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\n", alert.ID, alert.Name, alert.Active, alert.LastTimestamp, alert.Version)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&list.db, "db", "", "SQLite database path (default from config)")

	cmd.AddCommand(putCmd, listCmd)
	return cmd
}

func dbPath(flag string, a *app) string {
	if flag != "" {
		return flag
	}
	return a.cfg.Store.Path
}

// syncAlert stores def unless an alert with its id exists. With replace the
// stored definition is swapped while its watermark and tuning time stay.
func syncAlert(ctx context.Context, st store.Store, def *detection.Alert, replace bool) (*detection.Alert, error) {
	existing, err := st.GetAlert(ctx, def.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if err := st.PutAlert(ctx, def); err != nil {
			return nil, fmt.Errorf("store alert %s: %w", def.ID, err)
		}
		return st.GetAlert(ctx, def.ID)
	case err != nil:
		return nil, fmt.Errorf("load alert %s: %w", def.ID, err)
	case !replace:
		return existing, nil
	}

	updated := def.Clone()
	updated.LastTimestamp = existing.LastTimestamp
	updated.LastTuningTime = existing.LastTuningTime
	updated.Version = existing.Version
	if err := st.UpdateAlert(ctx, updated); err != nil {
		return nil, fmt.Errorf("update alert %s: %w", def.ID, err)
	}
	return st.GetAlert(ctx, def.ID)
}
