// Package scheduler fires due booking jobs from the job store.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/jobs"
	"github.com/example/slot-scheduler/internal/metrics"
)

// Store is the executor side of the job store.
type Store interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]jobs.Job, error)
	Complete(ctx context.Context, id string, status reservation.JobStatus, res reservation.BookingResult) error
	Release(ctx context.Context, id string) error
	ResetRunning(ctx context.Context) (int64, error)
}

// Executor runs the body of one fired job.
type Executor interface {
	Execute(ctx context.Context, p reservation.JobPayload) (reservation.BookingResult, error)
}

// Scheduler polls for due jobs and runs each one in its own goroutine.
type Scheduler struct {
	Repo      Store
	Exec      Executor
	Interval  time.Duration
	BatchSize int
	Log       zerolog.Logger
	Now       func() time.Time

	wg sync.WaitGroup
}

// Run blocks until ctx is done, then waits for in-flight jobs. Jobs a previous
// process left running are put back first.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.Now == nil {
		s.Now = time.Now
	}
	if n, err := s.Repo.ResetRunning(ctx); err != nil {
		return fmt.Errorf("reset running jobs: %w", err)
	} else if n > 0 {
		s.Log.Warn().Int64("jobs", n).Msg("requeued jobs left running by a previous process")
	}

	t := time.NewTicker(s.Interval)
	defer t.Stop()

	// kick immediately
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	batch := s.BatchSize
	if batch <= 0 {
		batch = 25
	}
	js, err := s.Repo.ClaimDue(ctx, s.Now(), batch)
	if err != nil {
		s.Log.Error().Err(err).Msg("claim due jobs failed")
	}
	// jobs claimed before an error still have to run
	for _, j := range js {
		j := j
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(ctx, j)
		}()
	}
}

func (s *Scheduler) run(ctx context.Context, j jobs.Job) {
	log := s.Log.With().Str("job_id", j.ID).Str("user", j.UserName).Int64("slot_id", j.SlotID).Logger()
	log.Info().Time("bookable_at", j.BookableAt).Msg("job fired")

	res, err := s.execute(ctx, j)

	// records must land even when the process is shutting down
	storeCtx := context.WithoutCancel(ctx)
	if ctx.Err() != nil {
		if rerr := s.Repo.Release(storeCtx, j.ID); rerr != nil {
			log.Error().Err(rerr).Msg("release job failed")
			return
		}
		log.Warn().Msg("job interrupted by shutdown, released")
		return
	}

	status := reservation.JobSucceeded
	if err != nil {
		status = reservation.JobFailed
		res = failure(j, res, err, s.Now())
		log.Error().Err(err).Msg("job failed")
	}
	if cerr := s.Repo.Complete(storeCtx, j.ID, status, res); cerr != nil {
		log.Error().Err(cerr).Msg("record job result failed")
		return
	}
	metrics.JobFinished(status)
	log.Info().Str("status", string(status)).Str("outcome", string(res.Outcome)).Int("retry_count", res.RetryCount).Msg("job finished")
}

func (s *Scheduler) execute(ctx context.Context, j jobs.Job) (res reservation.BookingResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return s.Exec.Execute(ctx, j.Payload())
}

// failure fills in the result recorded for a job that produced no usable one.
func failure(j jobs.Job, res reservation.BookingResult, err error, now time.Time) reservation.BookingResult {
	res.UserID, res.SlotID = j.UserID, j.SlotID
	if res.UserName == "" {
		res.UserName = j.UserName
	}
	if res.Outcome == "" || !res.Outcome.Valid() {
		res.Outcome = reservation.OutcomeError
	}
	res.Message = err.Error()
	if res.CompletedAt.IsZero() {
		res.CompletedAt = now
	}
	return res
}
