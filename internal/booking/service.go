package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
)

var ErrSlotNotFound = errors.New("slot not found")

// Service is what the API and the CLI talk to.
type Service struct {
	Scheduler *Scheduler
	Selection config.SelectionConfig

	slots *cache.Cache
}

// NewService caches schedule snapshots for ttl; zero disables the cache.
func NewService(s *Scheduler, sel config.SelectionConfig, ttl time.Duration) *Service {
	svc := &Service{Scheduler: s, Selection: sel}
	if ttl > 0 {
		svc.slots = cache.New(ttl, 2*ttl)
	}
	return svc
}

// ListSlots returns the upcoming slots together with the remote clock reading.
func (s *Service) ListSlots(ctx context.Context) (reservation.Snapshot, error) {
	key := fmt.Sprintf("slots:%t", s.Selection.IncludeExtra)
	if s.slots != nil {
		if v, ok := s.slots.Get(key); ok {
			return v.(reservation.Snapshot), nil
		}
	}
	snap, err := s.Scheduler.Transport.NewSession().FetchSlots(ctx, s.Selection.IncludeExtra)
	if err != nil {
		return reservation.Snapshot{}, err
	}
	if s.slots != nil {
		s.slots.SetDefault(key, snap)
	}
	return snap, nil
}

// NextSlot picks the slot to book on the configured target day.
func (s *Service) NextSlot(ctx context.Context) (reservation.Slot, error) {
	snap, err := s.ListSlots(ctx)
	if err != nil {
		return reservation.Slot{}, err
	}
	now := snap.Offset().Now(s.Scheduler.Now())
	day := reservation.NextTargetDate(now, s.Selection.DaysAhead, s.Selection.Location)
	slot, ok := reservation.SelectSlot(snap.Slots, day, s.Selection.MinTimeOfDay, now, s.Selection.Location)
	if !ok {
		return reservation.Slot{}, fmt.Errorf("%w on %s", ErrSlotNotFound, day.Format(time.DateOnly))
	}
	return slot, nil
}

// ScheduleBooking schedules slotID for the given users, or for every user
// when userIDs is empty.
func (s *Service) ScheduleBooking(ctx context.Context, slotID int64, userIDs []int64) ([]reservation.ScheduledJob, error) {
	snap, err := s.ListSlots(ctx)
	if err != nil {
		return nil, err
	}
	var slot reservation.Slot
	found := false
	for _, sl := range snap.Slots {
		if sl.ID == slotID {
			slot, found = sl, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrSlotNotFound, slotID)
	}

	us, err := s.resolveUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}
	return s.Scheduler.Schedule(ctx, slot, us)
}

// ScheduleNext schedules the next selected slot for every user.
func (s *Service) ScheduleNext(ctx context.Context) (reservation.Slot, []reservation.ScheduledJob, error) {
	slot, err := s.NextSlot(ctx)
	if err != nil {
		return reservation.Slot{}, nil, err
	}
	us, err := s.Scheduler.Users.GetAll(ctx)
	if err != nil {
		return slot, nil, err
	}
	jobs, err := s.Scheduler.Schedule(ctx, slot, us)
	return slot, jobs, err
}

func (s *Service) resolveUsers(ctx context.Context, ids []int64) ([]user.User, error) {
	if len(ids) == 0 {
		return s.Scheduler.Users.GetAll(ctx)
	}
	out := make([]user.User, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		u, err := s.Scheduler.Users.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]user.User, error) {
	return s.Scheduler.Users.GetAll(ctx)
}

func (s *Service) GetScheduledBookings(ctx context.Context) ([]reservation.ScheduledJob, error) {
	return s.Scheduler.ListScheduled(ctx)
}

func (s *Service) GetCompletedBookings(ctx context.Context) ([]reservation.CompletedBooking, error) {
	return s.Scheduler.ListCompleted(ctx)
}

func (s *Service) CancelBooking(ctx context.Context, jobID string) error {
	return s.Scheduler.Cancel(ctx, jobID)
}

func (s *Service) CleanupJobs(ctx context.Context, age time.Duration) (int64, error) {
	return s.Scheduler.CleanupOlderThan(ctx, age)
}
