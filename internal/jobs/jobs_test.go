package jobs

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/example/slot-scheduler/internal/domain/reservation"
)

func newSQLiteRepo(t *testing.T) (*Repo, *time.Time) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "jobs.db")
	gdb, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&Job{}))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	now := time.Date(2025, 3, 9, 17, 0, 0, 0, time.UTC)
	r := NewRepo(gdb)
	r.now = func() time.Time { return now }
	return r, &now
}

func newMockRepo(t *testing.T) (*Repo, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return NewRepo(gdb), mock
}

func payload(userID, slotID int64, bookable time.Time) reservation.JobPayload {
	return reservation.JobPayload{UserID: userID, SlotID: slotID, BookableAt: bookable}
}

func TestRepo_ScheduleAndList(t *testing.T) {
	r, now := newSQLiteRepo(t)
	ctx := context.Background()
	bookable := now.Add(2 * time.Hour)

	late, err := r.Schedule(ctx, payload(2, 10, bookable), "bob", bookable.Add(-30*time.Second))
	require.NoError(t, err)
	early, err := r.Schedule(ctx, payload(1, 10, bookable), "alice", now.Add(time.Minute))
	require.NoError(t, err)

	assert.NotEmpty(t, early.JobID)
	assert.NotEqual(t, early.JobID, late.JobID)
	assert.Equal(t, reservation.JobScheduled, early.Status)

	got, err := r.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, early.JobID, got[0].JobID)
	assert.Equal(t, "alice", got[0].UserName)
	assert.True(t, got[0].BookableAt.Equal(bookable))
	assert.Equal(t, late.JobID, got[1].JobID)
}

func TestRepo_ScheduleValidates(t *testing.T) {
	r, now := newSQLiteRepo(t)
	_, err := r.Schedule(context.Background(), payload(0, 10, *now), "x", *now)
	assert.EqualError(t, err, "user_id required")
}

func TestRepo_ClaimCompleteLifecycle(t *testing.T) {
	r, now := newSQLiteRepo(t)
	ctx := context.Background()

	due, err := r.Schedule(ctx, payload(1, 10, now.Add(time.Minute)), "alice", now.Add(-time.Second))
	require.NoError(t, err)
	_, err = r.Schedule(ctx, payload(2, 10, now.Add(time.Hour)), "bob", now.Add(time.Hour))
	require.NoError(t, err)

	claimed, err := r.ClaimDue(ctx, *now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.JobID, claimed[0].ID)
	assert.Equal(t, reservation.JobRunning, claimed[0].Status)

	// a second claimer gets nothing
	again, err := r.ClaimDue(ctx, *now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	// running jobs can no longer be cancelled
	require.NoError(t, r.Delete(ctx, due.JobID))
	j, err := r.Get(ctx, due.JobID)
	require.NoError(t, err)
	assert.Equal(t, reservation.JobRunning, j.Status)

	res := reservation.BookingResult{
		UserID: 1, UserName: "alice", SlotID: 10,
		Outcome: reservation.OutcomeWaitlisted, RetryCount: 2,
		CompletedAt: now.Add(time.Minute),
	}
	require.NoError(t, r.Complete(ctx, due.JobID, reservation.JobSucceeded, res))

	done, err := r.ListCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, due.JobID, done[0].JobID)
	assert.Equal(t, reservation.JobSucceeded, done[0].Status)
	assert.Equal(t, reservation.OutcomeWaitlisted, done[0].Outcome)
	assert.Equal(t, 2, done[0].RetryCount)

	pending, err := r.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	// completing twice is rejected
	assert.ErrorIs(t, r.Complete(ctx, due.JobID, reservation.JobFailed, res), ErrNotFound)
}

func TestRepo_DeleteCancelsScheduledJob(t *testing.T) {
	r, now := newSQLiteRepo(t)
	ctx := context.Background()

	job, err := r.Schedule(ctx, payload(1, 10, now.Add(time.Hour)), "alice", now.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, r.Delete(ctx, job.JobID))
	j, err := r.Get(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, reservation.JobCancelled, j.Status)

	pending, err := r.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	claimed, err := r.ClaimDue(ctx, now.Add(2*time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	// cancelling again is a no-op
	assert.NoError(t, r.Delete(ctx, job.JobID))
	assert.ErrorIs(t, r.Delete(ctx, "does-not-exist"), ErrNotFound)
}

func TestRepo_ReleaseAndResetRunning(t *testing.T) {
	r, now := newSQLiteRepo(t)
	ctx := context.Background()

	a, err := r.Schedule(ctx, payload(1, 10, *now), "alice", now.Add(-time.Minute))
	require.NoError(t, err)
	b, err := r.Schedule(ctx, payload(2, 10, *now), "bob", now.Add(-time.Minute))
	require.NoError(t, err)

	claimed, err := r.ClaimDue(ctx, *now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	require.NoError(t, r.Release(ctx, a.JobID))
	ja, err := r.Get(ctx, a.JobID)
	require.NoError(t, err)
	assert.Equal(t, reservation.JobScheduled, ja.Status)
	assert.Nil(t, ja.StartedAt)

	n, err := r.ResetRunning(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	jb, err := r.Get(ctx, b.JobID)
	require.NoError(t, err)
	assert.Equal(t, reservation.JobScheduled, jb.Status)
}

func TestRepo_DeleteOlderThan(t *testing.T) {
	r, now := newSQLiteRepo(t)
	ctx := context.Background()

	start := *now
	*now = start.Add(-10 * 24 * time.Hour)
	_, err := r.Schedule(ctx, payload(1, 10, start), "old", start)
	require.NoError(t, err)
	*now = start
	_, err = r.Schedule(ctx, payload(2, 10, start), "new", start)
	require.NoError(t, err)

	n, err := r.DeleteOlderThan(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	left, err := r.ListScheduled(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, "new", left[0].UserName)

	// a finished job and one stamped in the future go too with a zero age
	done, err := r.Schedule(ctx, payload(3, 10, start), "done", start.Add(-time.Minute))
	require.NoError(t, err)
	claimed, err := r.ClaimDue(ctx, start.Add(-time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, done.JobID, claimed[0].ID)
	require.NoError(t, r.Complete(ctx, done.JobID, reservation.JobSucceeded, reservation.BookingResult{
		UserID: 3, UserName: "done", SlotID: 10, Outcome: reservation.OutcomeOK, CompletedAt: start,
	}))
	*now = start.Add(48 * time.Hour)
	_, err = r.Schedule(ctx, payload(4, 10, start), "future", start)
	require.NoError(t, err)
	*now = start

	completed, err := r.ListCompleted(ctx)
	require.NoError(t, err)
	require.Len(t, completed, 1)

	n, err = r.DeleteOlderThan(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	left, err = r.ListScheduled(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
	completed, err = r.ListCompleted(ctx)
	require.NoError(t, err)
	assert.Empty(t, completed)
}

func TestRepo_PropagatesStoreErrors(t *testing.T) {
	boom := errors.New("connection reset")

	t.Run("list scheduled", func(t *testing.T) {
		r, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "booking_jobs"`)).WillReturnError(boom)

		_, err := r.ListScheduled(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("list completed", func(t *testing.T) {
		r, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "booking_jobs"`)).WillReturnError(boom)

		_, err := r.ListCompleted(context.Background())
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancel", func(t *testing.T) {
		r, mock := newMockRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`UPDATE "booking_jobs"`)).WillReturnError(boom)
		mock.ExpectRollback()

		err := r.Delete(context.Background(), "job-1")
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("get unknown", func(t *testing.T) {
		r, mock := newMockRepo(t)
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "booking_jobs"`)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		_, err := r.Get(context.Background(), "job-1")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}
