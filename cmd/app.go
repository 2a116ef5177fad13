package cmd

import (
	"context"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/booking"
	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/db"
	"github.com/example/slot-scheduler/internal/jobs"
	"github.com/example/slot-scheduler/internal/logging"
	"github.com/example/slot-scheduler/internal/migrate"
	"github.com/example/slot-scheduler/internal/transport"
	"github.com/example/slot-scheduler/internal/users"
)

// app is everything a command needs, wired from one configuration.
type app struct {
	cfg     config.Config
	log     zerolog.Logger
	db      *gorm.DB
	jobs    *jobs.Repo
	users   *users.Store
	sched   *booking.Scheduler
	service *booking.Service
}

func loadConfig(path string) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	return cfg, logging.Setup(cfg.Log.Level, cfg.Log.Pretty), nil
}

func newUserStore(cfg config.Config, log zerolog.Logger) *users.Store {
	var sealer *auth.Sealer
	if len(cfg.Users.HashKeyBytes) > 0 {
		sealer = auth.NewSealer(cfg.Users.HashKeyBytes, cfg.Users.BlockKeyBytes)
	}
	return users.New(cfg.Users.Path, sealer, log)
}

// openApp loads the configuration, opens (and optionally migrates) the job
// database and builds the booking service. Callers must call close.
func openApp(ctx context.Context, path string, migrateUp bool) (*app, error) {
	cfg, log, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	d, err := db.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	if migrateUp {
		if err := migrate.Up(ctx, d); err != nil {
			_ = db.Close(d)
			return nil, err
		}
	}

	tr, err := transport.New(cfg.Transport, cfg.Scheduler.LeadTime, log)
	if err != nil {
		_ = db.Close(d)
		return nil, err
	}

	a := &app{cfg: cfg, log: log, db: d, jobs: jobs.NewRepo(d), users: newUserStore(cfg, log)}
	a.sched = booking.NewScheduler(cfg.Scheduler, cfg.Selection.IncludeExtra, a.jobs, a.users, tr, log)
	a.service = booking.NewService(a.sched, cfg.Selection, cfg.Scheduler.SlotCacheTTL)
	log.Debug().Str("transport", tr.Name()).Str("db", cfg.Database.Driver).Msg("app ready")
	return a, nil
}

func (a *app) close() error { return db.Close(a.db) }
