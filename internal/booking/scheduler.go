// Package booking holds the time-critical core: when to fire a booking job,
// how to wait for the bookable instant and how to drive one attempt to a
// final outcome.
package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
	"github.com/example/slot-scheduler/internal/metrics"
	"github.com/example/slot-scheduler/internal/users"
)

const (
	DefaultLeadTime           = 24 * time.Hour
	DefaultImmediateThreshold = 40 * time.Second
	DefaultEarlyMargin        = 30 * time.Second
	DefaultWaitStep           = 10 * time.Second
)

var ErrUserNotFound = users.ErrNotFound

// JobStore persists deferred booking jobs.
type JobStore interface {
	Schedule(ctx context.Context, p reservation.JobPayload, userName string, fireAt time.Time) (reservation.ScheduledJob, error)
	Delete(ctx context.Context, id string) error
	ListScheduled(ctx context.Context) ([]reservation.ScheduledJob, error)
	ListCompleted(ctx context.Context) ([]reservation.CompletedBooking, error)
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

type UserStore interface {
	GetAll(ctx context.Context) ([]user.User, error)
	GetByID(ctx context.Context, id int64) (user.User, error)
}

// Scheduler registers one job per user for a slot and runs fired jobs.
type Scheduler struct {
	Jobs      JobStore
	Users     UserStore
	Transport reservation.Transport
	Resolver  *Resolver

	LeadTime           time.Duration
	ImmediateThreshold time.Duration
	EarlyMargin        time.Duration
	WaitStep           time.Duration
	IncludeExtra       bool

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Log   zerolog.Logger
}

// NewScheduler builds a Scheduler from loaded configuration. Zero lead time,
// threshold and margin are kept as given; a zero wait step gets the default.
func NewScheduler(cfg config.SchedulerConfig, includeExtra bool, js JobStore, us UserStore, tr reservation.Transport, log zerolog.Logger) *Scheduler {
	s := &Scheduler{
		Jobs:               js,
		Users:              us,
		Transport:          tr,
		Resolver:           NewResolver(cfg.MaxRetries, cfg.RetryDelay, log),
		LeadTime:           cfg.LeadTime,
		ImmediateThreshold: cfg.ImmediateThreshold,
		EarlyMargin:        cfg.EarlyMargin,
		WaitStep:           cfg.WaitStep,
		IncludeExtra:       includeExtra,
		Now:                time.Now,
		Sleep:              sleepCtx,
		Log:                log.With().Str("component", "booking").Logger(),
	}
	if s.LeadTime < 0 {
		s.LeadTime = DefaultLeadTime
	}
	if s.ImmediateThreshold < 0 {
		s.ImmediateThreshold = DefaultImmediateThreshold
	}
	if s.EarlyMargin < 0 {
		s.EarlyMargin = DefaultEarlyMargin
	}
	if s.WaitStep <= 0 {
		s.WaitStep = DefaultWaitStep
	}
	return s
}

// FireTime is when a job targeting bookable should start: right away when the
// window opens within the immediate threshold, otherwise margin ahead of it.
func FireTime(bookable, now time.Time, threshold, margin time.Duration) time.Time {
	if bookable.Sub(now) <= threshold {
		return now
	}
	return bookable.Add(-margin)
}

// Schedule registers one job per user. On a store error the jobs registered
// so far are returned together with the unmodified error.
func (s *Scheduler) Schedule(ctx context.Context, slot reservation.Slot, us []user.User) ([]reservation.ScheduledJob, error) {
	if err := slot.Validate(); err != nil {
		return nil, err
	}
	now := s.Now().UTC()
	bookable := slot.BookableAt(s.LeadTime).UTC()
	fireAt := FireTime(bookable, now, s.ImmediateThreshold, s.EarlyMargin)

	out := make([]reservation.ScheduledJob, 0, len(us))
	for _, u := range us {
		sj, err := s.Jobs.Schedule(ctx, reservation.JobPayload{
			UserID:     u.ID,
			SlotID:     slot.ID,
			BookableAt: bookable,
		}, u.Name, fireAt)
		if err != nil {
			return out, err
		}
		metrics.JobScheduled()
		s.Log.Info().
			Str("job_id", sj.JobID).
			Str("user", u.Name).
			Int64("slot_id", slot.ID).
			Time("bookable_at", bookable).
			Time("fire_at", fireAt).
			Msg("booking scheduled")
		out = append(out, sj)
	}
	return out, nil
}

// Execute is the body of a fired job. It measures the remote clock, waits
// for the bookable instant and hands over to the resolver. An error means the
// job could not produce a result: the user is gone, the outcome was not
// understood or ctx ended before the attempt.
func (s *Scheduler) Execute(ctx context.Context, p reservation.JobPayload) (reservation.BookingResult, error) {
	log := s.Log.With().Int64("user_id", p.UserID).Int64("slot_id", p.SlotID).Logger()
	sess := s.Transport.NewSession()

	var offset reservation.ClockOffset
	if snap, err := sess.FetchSlots(ctx, s.IncludeExtra); err != nil {
		log.Warn().Err(err).Msg("clock offset unavailable, using local clock")
	} else {
		offset = snap.Offset()
	}
	log.Debug().Dur("offset", offset.Effective()).Time("bookable_at", p.BookableAt).Msg("waiting for window")

	if err := s.waitUntil(ctx, p.BookableAt, offset); err != nil {
		return reservation.BookingResult{}, err
	}
	metrics.ObserveFireLag(offset.Now(s.Now()).Sub(p.BookableAt))

	u, err := s.Users.GetByID(ctx, p.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return reservation.BookingResult{}, fmt.Errorf("user %d: %w", p.UserID, err)
		}
		return reservation.BookingResult{}, err
	}
	return s.Resolver.Attempt(ctx, sess, u, p.SlotID)
}

// waitUntil sleeps in steps of at most WaitStep until the offset-adjusted
// clock reaches target.
func (s *Scheduler) waitUntil(ctx context.Context, target time.Time, offset reservation.ClockOffset) error {
	for {
		remaining := target.Sub(offset.Now(s.Now()))
		if remaining <= 0 {
			return nil
		}
		if remaining > s.WaitStep {
			remaining = s.WaitStep
		}
		if err := s.Sleep(ctx, remaining); err != nil {
			return err
		}
	}
}

func (s *Scheduler) ListScheduled(ctx context.Context) ([]reservation.ScheduledJob, error) {
	return s.Jobs.ListScheduled(ctx)
}

// Cancel stops a job that has not fired yet.
func (s *Scheduler) Cancel(ctx context.Context, jobID string) error {
	if err := s.Jobs.Delete(ctx, jobID); err != nil {
		return err
	}
	s.Log.Info().Str("job_id", jobID).Msg("booking cancelled")
	return nil
}

func (s *Scheduler) ListCompleted(ctx context.Context) ([]reservation.CompletedBooking, error) {
	return s.Jobs.ListCompleted(ctx)
}

// CleanupOlderThan drops jobs older than age; zero drops all of them.
func (s *Scheduler) CleanupOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	if age < 0 {
		return 0, fmt.Errorf("cleanup age must not be negative")
	}
	n, err := s.Jobs.DeleteOlderThan(ctx, age)
	if err != nil {
		return 0, err
	}
	s.Log.Info().Int64("deleted", n).Dur("age", age).Msg("jobs cleaned up")
	return n, nil
}
