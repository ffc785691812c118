package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"shell0/internal/clock"
	"shell0/internal/queue"
)

func (c *CLI) newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the offline action queue",
	}
	cmd.AddCommand(c.newQueueListCmd(), c.newQueueClearCmd())
	return cmd
}

func (c *CLI) newQueueListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued actions in replay order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			q, err := queue.Open(db, clock.NewSystem())
			if err != nil {
				return err
			}
			actions, err := q.Drain()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tTYPE\tMETHOD\tURL\tENQUEUED")
			for _, a := range actions {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", a.ID, a.Type, a.Method, a.URL, a.EnqueuedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func (c *CLI) newQueueClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued action without replaying it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, db, err := c.openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			q, err := queue.Open(db, clock.NewSystem())
			if err != nil {
				return err
			}
			n, err := q.Len()
			if err != nil {
				return err
			}
			if err := q.Clear(); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %d action(s)\n", n)
			return nil
		},
	}
}
