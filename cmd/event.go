package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newEventCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Inspect the remote schedule",
	}
	cmd.AddCommand(newEventListCmd(configPath))
	cmd.AddCommand(newEventNextCmd(configPath))
	return cmd
}

func newEventListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List upcoming slots",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.service.ListSlots(ctx)
			if err != nil {
				return err
			}
			loc := a.cfg.Selection.Location
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTART\tEND\tBOOKED\tTITLE\tBOOKABLE AT")
			for _, s := range snap.Slots {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d/%d\t%s\t%s\n",
					s.ID,
					s.Start.In(loc).Format("Mon 2006-01-02 15:04"),
					s.End.In(loc).Format("15:04"),
					s.Booked, s.Capacity,
					s.Title,
					s.BookableAt(a.sched.LeadTime).In(loc).Format(time.RFC3339))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "remote clock offset: %s\n", snap.Offset().Effective())
			return nil
		},
	}
}

func newEventNextCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Show the slot the selection rules would book",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath, false)
			if err != nil {
				return err
			}
			defer a.close()

			s, err := a.service.NextSlot(ctx)
			if err != nil {
				return err
			}
			loc := a.cfg.Selection.Location
			fmt.Fprintf(cmd.OutOrStdout(), "id=%d title=%q start=%s bookable_at=%s\n",
				s.ID, s.Title, s.Start.In(loc).Format(time.RFC3339), s.BookableAt(a.sched.LeadTime).In(loc).Format(time.RFC3339))
			return nil
		},
	}
}
