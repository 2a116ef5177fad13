package booking

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
	"github.com/example/slot-scheduler/internal/users"
)

type fakeSession struct {
	FetchFunc   func(ctx context.Context, includeExtra bool) (reservation.Snapshot, error)
	BookFunc    func(ctx context.Context, u user.User, slotID int64) (reservation.Outcome, error)
	ConfirmFunc func(ctx context.Context, slotID int64, u user.User) (reservation.Outcome, error)

	mu       sync.Mutex
	books    int
	confirms int
	fetches  int
}

func (f *fakeSession) FetchSlots(ctx context.Context, includeExtra bool) (reservation.Snapshot, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	if f.FetchFunc == nil {
		return reservation.Snapshot{}, nil
	}
	return f.FetchFunc(ctx, includeExtra)
}

func (f *fakeSession) Book(ctx context.Context, u user.User, slotID int64) (reservation.Outcome, error) {
	f.mu.Lock()
	f.books++
	f.mu.Unlock()
	return f.BookFunc(ctx, u, slotID)
}

func (f *fakeSession) Confirm(ctx context.Context, slotID int64, u user.User) (reservation.Outcome, error) {
	f.mu.Lock()
	f.confirms++
	f.mu.Unlock()
	return f.ConfirmFunc(ctx, slotID, u)
}

// sequence returns a BookFunc answering with outs in order, then the last one forever.
func sequence(outs ...reservation.Outcome) func(context.Context, user.User, int64) (reservation.Outcome, error) {
	var mu sync.Mutex
	i := 0
	return func(context.Context, user.User, int64) (reservation.Outcome, error) {
		mu.Lock()
		defer mu.Unlock()
		o := outs[min(i, len(outs)-1)]
		i++
		return o, nil
	}
}

func always(o reservation.Outcome) func(context.Context, int64, user.User) (reservation.Outcome, error) {
	return func(context.Context, int64, user.User) (reservation.Outcome, error) { return o, nil }
}

type fakeTransport struct {
	sess     *fakeSession
	sessions int
}

func (t *fakeTransport) Name() string { return "fake" }

func (t *fakeTransport) NewSession() reservation.Session {
	t.sessions++
	return t.sess
}

type fakeUsers struct {
	users map[int64]user.User
	err   error
}

func newFakeUsers(us ...user.User) *fakeUsers {
	f := &fakeUsers{users: map[int64]user.User{}}
	for _, u := range us {
		f.users[u.ID] = u
	}
	return f
}

func (f *fakeUsers) GetAll(context.Context) ([]user.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([]user.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeUsers) GetByID(_ context.Context, id int64) (user.User, error) {
	if f.err != nil {
		return user.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return user.User{}, fmt.Errorf("%w: %d", users.ErrNotFound, id)
	}
	return u, nil
}

type scheduledCall struct {
	Payload  reservation.JobPayload
	UserName string
	FireAt   time.Time
}

// fakeJobs records calls; any Err field set makes the matching method fail.
type fakeJobs struct {
	scheduled []scheduledCall
	deleted   []string
	cleanups  []time.Duration

	ScheduleErr error
	DeleteErr   error
	ListErr     error
	CleanupErr  error
	Cleaned     int64
}

func (f *fakeJobs) Schedule(_ context.Context, p reservation.JobPayload, userName string, fireAt time.Time) (reservation.ScheduledJob, error) {
	if f.ScheduleErr != nil && len(f.scheduled) > 0 {
		return reservation.ScheduledJob{}, f.ScheduleErr
	}
	f.scheduled = append(f.scheduled, scheduledCall{p, userName, fireAt})
	return reservation.ScheduledJob{
		JobID:      fmt.Sprintf("job-%d", len(f.scheduled)),
		SlotID:     p.SlotID,
		UserID:     p.UserID,
		UserName:   userName,
		FireAt:     fireAt,
		BookableAt: p.BookableAt,
		Status:     reservation.JobScheduled,
	}, nil
}

func (f *fakeJobs) Delete(_ context.Context, id string) error {
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeJobs) ListScheduled(context.Context) ([]reservation.ScheduledJob, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return []reservation.ScheduledJob{}, nil
}

func (f *fakeJobs) ListCompleted(context.Context) ([]reservation.CompletedBooking, error) {
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	return []reservation.CompletedBooking{}, nil
}

func (f *fakeJobs) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	f.cleanups = append(f.cleanups, age)
	return f.Cleaned, f.CleanupErr
}
