package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newJobCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage booking jobs",
	}
	cmd.AddCommand(newJobScheduleCmd(configPath))
	cmd.AddCommand(newJobListCmd(configPath))
	cmd.AddCommand(newJobCancelCmd(configPath))
	cmd.AddCommand(newJobCompletedCmd(configPath))
	cmd.AddCommand(newJobCleanupCmd(configPath))
	return cmd
}

func newJobScheduleCmd(configPath *string) *cobra.Command {
	var (
		slotID  int64
		userIDs string
		next    bool
	)

	c := &cobra.Command{
		Use:   "schedule",
		Short: "Schedule a booking for a slot (one job per user)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !next && slotID == 0 {
				return fmt.Errorf("--slot-id or --next required")
			}
			ids, err := parseIDs(userIDs)
			if err != nil {
				return err
			}

			ctx := context.Background()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			if next {
				slot, err := a.service.NextSlot(ctx)
				if err != nil {
					return err
				}
				slotID = slot.ID
			}
			js, err := a.service.ScheduleBooking(ctx, slotID, ids)
			if err != nil {
				return err
			}
			for _, j := range js {
				fmt.Fprintf(cmd.OutOrStdout(), "scheduled job id=%s user=%q slot=%d fire_at_utc=%s bookable_at_utc=%s\n",
					j.JobID, j.UserName, j.SlotID, j.FireAt.Format(time.RFC3339), j.BookableAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	c.Flags().Int64Var(&slotID, "slot-id", 0, "slot id as shown by event list")
	c.Flags().StringVar(&userIDs, "user-ids", "", "comma-separated user ids (default: every user)")
	c.Flags().BoolVar(&next, "next", false, "book the slot picked by the selection rules")
	return c
}

func newJobListCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled and running jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			js, err := a.service.GetScheduledBookings(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tUSER\tSLOT\tSTATUS\tFIRE AT (UTC)")
			for _, j := range js {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", j.JobID, j.UserName, j.SlotID, j.Status, j.FireAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func newJobCancelCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not fired yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.service.CancelBooking(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancelled job id=%s\n", args[0])
			return nil
		},
	}
}

func newJobCompletedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "completed",
		Short: "List finished jobs and their booking outcome",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			bs, err := a.service.GetCompletedBookings(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tUSER\tSLOT\tSTATUS\tOUTCOME\tRETRIES\tCOMPLETED (UTC)\tMESSAGE")
			for _, b := range bs {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
					b.JobID, b.UserName, b.SlotID, b.Status, b.Outcome, b.RetryCount, b.CompletedAt.UTC().Format(time.RFC3339), b.Message)
			}
			return w.Flush()
		},
	}
}

func newJobCleanupCmd(configPath *string) *cobra.Command {
	var days int

	c := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete jobs older than --days (0 deletes every job)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return fmt.Errorf("--days must be >= 0")
			}
			ctx := context.Background()
			a, err := openApp(ctx, *configPath, true)
			if err != nil {
				return err
			}
			defer a.close()

			n, err := a.service.CleanupJobs(ctx, time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d jobs\n", n)
			return nil
		},
	}
	c.Flags().IntVar(&days, "days", 7, "age in days")
	return c
}

func parseIDs(s string) ([]int64, error) {
	var out []int64
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		id, err := strconv.ParseInt(p, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid user id %q", p)
		}
		out = append(out, id)
	}
	return out, nil
}
