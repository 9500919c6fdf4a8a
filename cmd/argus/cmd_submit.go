package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/wehubfusion/Argus/pkg/client"
	"github.com/wehubfusion/Argus/pkg/task"
)

func newSubmitCmd(a *app) *cobra.Command {
	var flags struct {
		alertIDs []string
		start    string
		end      string
		taskID   string
	}

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Publish detection tasks to JetStream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, end, err := parseWindow(flags.start, flags.end, time.Now())
			if err != nil {
				return err
			}
			if flags.taskID != "" && len(flags.alertIDs) > 1 {
				return errors.New("--task-id needs a single --alert-id")
			}

			ctx := cmd.Context()
			c := client.NewClientWithConfig(&a.cfg.NATS, a.logger)
			if err := c.Connect(ctx); err != nil {
				return err
			}
			defer c.Close()

			for _, id := range flags.alertIDs {
				t := task.New(id, start, end).WithMetadata("submitter", "argus-cli")
				if flags.taskID != "" {
					t.ID = flags.taskID
				}
				if err := c.Tasks.Publish(ctx, t); err != nil {
					return fmt.Errorf("alert %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t[%d, %d)\n", t.ID, id, start, end)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&flags.alertIDs, "alert-id", nil, "Alert id (repeatable)")
	f.StringVar(&flags.start, "start", "", "Window start: epoch millis, RFC 3339, now or a duration like -1h")
	f.StringVar(&flags.end, "end", "now", "Window end (exclusive)")
	f.StringVar(&flags.taskID, "task-id", "", "Task id; re-submitting the same id is deduplicated")
	_ = cmd.MarkFlagRequired("alert-id")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}
