package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/booking"
	"github.com/example/slot-scheduler/internal/db"
	"github.com/example/slot-scheduler/internal/observability"
	"github.com/example/slot-scheduler/internal/scheduler"
	"github.com/example/slot-scheduler/internal/web"
)

func newServerCmd(configPath *string) *cobra.Command {
	var (
		migrateUp bool
		auto      bool
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the API and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, *configPath, migrateUp)
			if err != nil {
				return err
			}
			defer a.close()

			shutdownOTel, err := observability.SetupOTel(ctx, a.cfg.OTEL, Version)
			if err != nil {
				return err
			}
			defer func() { _ = shutdownOTel(context.WithoutCancel(ctx)) }()

			if auto {
				slot, js, err := a.service.ScheduleNext(ctx)
				switch {
				case errors.Is(err, booking.ErrSlotNotFound):
					a.log.Warn().Err(err).Msg("auto: nothing to schedule")
				case err != nil:
					return err
				default:
					a.log.Info().Int64("slot_id", slot.ID).Time("start", slot.Start).Int("jobs", len(js)).Msg("auto: scheduled next slot")
				}
			}

			s := &scheduler.Scheduler{
				Repo:      a.jobs,
				Exec:      a.sched,
				Interval:  a.cfg.Scheduler.PollInterval,
				BatchSize: a.cfg.Scheduler.BatchSize,
				Log:       a.log.With().Str("component", "scheduler").Logger(),
			}
			ws := &web.Server{
				Bookings: a.service,
				Keys:     auth.NewAPIKeys(a.cfg.API.KeyHash),
				Ready:    func(ctx context.Context) error { return db.Ping(ctx, a.db) },
				Log:      a.log,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				if err := s.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
			g.Go(func() error { return web.Start(gctx, a.cfg.Server.ListenAddr, ws.Routes(a.cfg), a.log) })
			return g.Wait()
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().BoolVar(&auto, "auto", false, "schedule the next selected slot for every user on startup")
	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
