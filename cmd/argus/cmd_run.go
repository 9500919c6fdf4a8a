package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wehubfusion/Argus/pkg/detection"
	"github.com/wehubfusion/Argus/pkg/detector"
	"github.com/wehubfusion/Argus/pkg/store"
)

func newRunCmd(a *app) *cobra.Command {
	var flags struct {
		alerts   []string
		start    string
		end      string
		db       string
		parallel int
		replace  bool
	}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run alerts over a window against the local store",
		Long: "Run loads alert definitions, stores any that are new and executes\n" +
			"each alert's pipeline over [start, end). Several alerts run concurrently.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := parseWindow(flags.start, flags.end, time.Now())
			if err != nil {
				return err
			}
			defs, err := loadAlerts(flags.alerts)
			if err != nil {
				return err
			}

			st, err := store.OpenSQL(dbPath(flags.db, a))
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			for _, def := range defs {
				if _, err := syncAlert(ctx, st, def, flags.replace); err != nil {
					return err
				}
			}

			eng, err := newEngine(ctx, a.cfg, st, a.logger)
			if err != nil {
				return err
			}
			defer eng.Close()

			outcomes, err := runAll(ctx, eng.detector, defs, start, end, flags.parallel)
			for _, o := range outcomes {
				if o != nil {
					printOutcome(cmd, o)
				}
			}
			return err
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&flags.alerts, "alert", nil, "Alert YAML file (repeatable)")
	f.StringVar(&flags.start, "start", "", "Window start: epoch millis, RFC 3339, now or a duration like -1h")
	f.StringVar(&flags.end, "end", "now", "Window end (exclusive)")
	f.StringVar(&flags.db, "db", "", "SQLite database path (default from config)")
	f.IntVar(&flags.parallel, "parallel", 4, "Alerts run at once")
	f.BoolVar(&flags.replace, "replace", false, "Replace stored definitions, keeping their run state")
	_ = cmd.MarkFlagRequired("alert")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

// runAll runs every alert over [start, end). Outcomes keep the order of
// alerts; a failed alert leaves a nil entry and the first error is returned
// once all runs finished.
func runAll(ctx context.Context, det *detector.Runner, alerts []*detection.Alert, start, end int64, parallel int) ([]*detector.Outcome, error) {
	outcomes := make([]*detector.Outcome, len(alerts))
	errs := make([]error, len(alerts))

	var g errgroup.Group
	g.SetLimit(max(parallel, 1))
	for i, alert := range alerts {
		g.Go(func() error {
			bounds := detection.TaskBounds{TaskID: uuid.NewString(), AlertID: alert.ID, Start: start, End: end}
			outcomes[i], errs[i] = det.Run(ctx, bounds)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			return outcomes, fmt.Errorf("alert %s: %w", alerts[i].ID, err)
		}
	}
	return outcomes, nil
}

func printOutcome(cmd *cobra.Command, o *detector.Outcome) {
	out := cmd.OutOrStdout()
	if o.Skipped || o.Report == nil {
		fmt.Fprintf(out, "%s\tskipped (inactive)\n", o.Bounds.AlertID)
		return
	}
	r := o.Report
	fmt.Fprintf(out, "%s\t[%d, %d)\tanomalies=%d\tevaluations=%d\twatermark=%d\tnoop=%t\tduplicate=%t\tduration=%s\n",
		o.Bounds.AlertID, o.Bounds.Start, o.Bounds.End,
		len(r.Merged), r.EvaluationsSaved, r.Watermark, r.NoOp, r.Duplicate, o.Duration.Round(time.Millisecond))
	for _, an := range r.Merged {
		fmt.Fprintf(out, "  %s\t%s\t[%d, %d)\tscore=%g\n", an.ID, an.Identity(), an.StartTime, an.EndTime, an.Score)
	}
	if o.ArchiveURL != "" {
		fmt.Fprintf(out, "  archived %s\n", o.ArchiveURL)
	}
}
