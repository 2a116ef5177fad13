package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/example/slot-scheduler/internal/db"
	"github.com/example/slot-scheduler/internal/domain/reservation"
)

// ErrNotFound is returned for job ids the store has never seen (or has cleaned up).
var ErrNotFound = db.ErrNotFound

// Job is one deferred booking attempt for one user against one slot.
type Job struct {
	ID         string                `gorm:"primaryKey;size:36"`
	UserID     int64                 `gorm:"not null;index"`
	UserName   string                `gorm:"size:200"`
	SlotID     int64                 `gorm:"not null;index"`
	BookableAt time.Time             `gorm:"not null"`
	FireAt     time.Time             `gorm:"not null"`
	Status     reservation.JobStatus `gorm:"size:16;not null"`

	Outcome    string `gorm:"size:32"`
	RetryCount int
	Message    string `gorm:"size:2000"`

	StartedAt   *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (Job) TableName() string { return "booking_jobs" }

func (j Job) Payload() reservation.JobPayload {
	return reservation.JobPayload{UserID: j.UserID, SlotID: j.SlotID, BookableAt: j.BookableAt}
}

func (j Job) Scheduled() reservation.ScheduledJob {
	return reservation.ScheduledJob{
		JobID:      j.ID,
		SlotID:     j.SlotID,
		UserID:     j.UserID,
		UserName:   j.UserName,
		FireAt:     j.FireAt,
		BookableAt: j.BookableAt,
		Status:     j.Status,
	}
}

func (j Job) Completed() reservation.CompletedBooking {
	cb := reservation.CompletedBooking{
		JobID:  j.ID,
		Status: j.Status,
		BookingResult: reservation.BookingResult{
			UserID:     j.UserID,
			UserName:   j.UserName,
			SlotID:     j.SlotID,
			Outcome:    reservation.Outcome(j.Outcome),
			RetryCount: j.RetryCount,
			Message:    j.Message,
		},
	}
	if j.CompletedAt != nil {
		cb.CompletedAt = *j.CompletedAt
	}
	return cb
}

func (j Job) Validate() error {
	if j.UserID == 0 {
		return fmt.Errorf("user_id required")
	}
	if j.SlotID == 0 {
		return fmt.Errorf("slot_id required")
	}
	if j.BookableAt.IsZero() {
		return fmt.Errorf("bookable_at required")
	}
	if j.FireAt.IsZero() {
		return fmt.Errorf("fire_at required")
	}
	return nil
}

type Repo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepo(d *gorm.DB) *Repo { return &Repo{db: d, now: time.Now} }

// Schedule persists a job that becomes due at fireAt.
func (r *Repo) Schedule(ctx context.Context, p reservation.JobPayload, userName string, fireAt time.Time) (reservation.ScheduledJob, error) {
	now := r.now().UTC()
	j := Job{
		ID:         uuid.NewString(),
		UserID:     p.UserID,
		UserName:   userName,
		SlotID:     p.SlotID,
		BookableAt: p.BookableAt.UTC(),
		FireAt:     fireAt.UTC(),
		Status:     reservation.JobScheduled,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := j.Validate(); err != nil {
		return reservation.ScheduledJob{}, err
	}
	if err := r.db.WithContext(ctx).Create(&j).Error; err != nil {
		return reservation.ScheduledJob{}, err
	}
	return j.Scheduled(), nil
}

func (r *Repo) Get(ctx context.Context, id string) (Job, error) {
	var j Job
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&j).Error
	if err != nil {
		return Job{}, db.WrapNotFound(err)
	}
	return j, nil
}

// Delete cancels a job that has not fired yet. Jobs that already ran are left
// untouched; unknown ids yield ErrNotFound.
func (r *Repo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, reservation.JobScheduled).
		Updates(map[string]any{"status": reservation.JobCancelled, "completed_at": r.now().UTC()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	_, err := r.Get(ctx, id)
	return err
}

// ListScheduled returns pending and in-flight jobs, soonest first.
func (r *Repo) ListScheduled(ctx context.Context) ([]reservation.ScheduledJob, error) {
	var rows []Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []reservation.JobStatus{reservation.JobScheduled, reservation.JobRunning}).
		Order("fire_at ASC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]reservation.ScheduledJob, 0, len(rows))
	for _, j := range rows {
		out = append(out, j.Scheduled())
	}
	return out, nil
}

// ListCompleted returns executed jobs (succeeded or failed), newest first.
func (r *Repo) ListCompleted(ctx context.Context) ([]reservation.CompletedBooking, error) {
	var rows []Job
	err := r.db.WithContext(ctx).
		Where("status IN ?", []reservation.JobStatus{reservation.JobSucceeded, reservation.JobFailed}).
		Order("completed_at DESC").Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]reservation.CompletedBooking, 0, len(rows))
	for _, j := range rows {
		out = append(out, j.Completed())
	}
	return out, nil
}

// DeleteOlderThan removes jobs created more than age ago. An age of zero removes
// every job regardless of state.
func (r *Repo) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	q := r.db.WithContext(ctx)
	if age <= 0 {
		q = q.Session(&gorm.Session{AllowGlobalUpdate: true})
	} else {
		q = q.Where("created_at < ?", r.now().UTC().Add(-age))
	}
	res := q.Delete(&Job{})
	return res.RowsAffected, res.Error
}

// ClaimDue moves up to limit due jobs from scheduled to running and returns the
// ones this caller won. Each claim is a conditional update, so concurrent
// claimers never get the same job.
func (r *Repo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	now = now.UTC()
	var due []Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND fire_at <= ?", reservation.JobScheduled, now).
		Order("fire_at ASC").Order("id ASC").
		Limit(limit).
		Find(&due).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]Job, 0, len(due))
	for _, j := range due {
		res := r.db.WithContext(ctx).Model(&Job{}).
			Where("id = ? AND status = ?", j.ID, reservation.JobScheduled).
			Updates(map[string]any{"status": reservation.JobRunning, "started_at": now})
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			continue
		}
		j.Status = reservation.JobRunning
		j.StartedAt = &now
		claimed = append(claimed, j)
	}
	return claimed, nil
}

// Complete records the final state of a running job.
func (r *Repo) Complete(ctx context.Context, id string, status reservation.JobStatus, res reservation.BookingResult) error {
	completedAt := res.CompletedAt
	if completedAt.IsZero() {
		completedAt = r.now()
	}
	out := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, reservation.JobRunning).
		Updates(map[string]any{
			"status":       status,
			"outcome":      string(res.Outcome),
			"retry_count":  res.RetryCount,
			"message":      res.Message,
			"completed_at": completedAt.UTC(),
		})
	if out.Error != nil {
		return out.Error
	}
	if out.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Release hands a running job back to the scheduled state, e.g. on shutdown.
func (r *Repo) Release(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, reservation.JobRunning).
		Updates(map[string]any{"status": reservation.JobScheduled, "started_at": nil}).Error
}

// ResetRunning releases every job left running by a previous process.
func (r *Repo) ResetRunning(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("status = ?", reservation.JobRunning).
		Updates(map[string]any{"status": reservation.JobScheduled, "started_at": nil})
	return res.RowsAffected, res.Error
}
