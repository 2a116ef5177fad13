package reservation

import (
	"context"
	"time"

	"github.com/example/slot-scheduler/internal/domain/user"
)

// Snapshot is one fetch of the remote schedule.
type Snapshot struct {
	Slots []Slot
	// ServerTime is the remote clock reading (zero when the response carried none).
	ServerTime time.Time
	// ReceivedAt is the local clock when the response arrived.
	ReceivedAt time.Time
}

func (s Snapshot) Offset() ClockOffset {
	return EstimateClockOffset(s.ServerTime, s.ReceivedAt)
}

// Session is one authenticated conversation with the booking site.
// Book may return any Outcome; Confirm only OK, Waitlisted or Error.
type Session interface {
	FetchSlots(ctx context.Context, includeExtra bool) (Snapshot, error)
	Book(ctx context.Context, u user.User, slotID int64) (Outcome, error)
	Confirm(ctx context.Context, slotID int64, u user.User) (Outcome, error)
}

// Transport hands out sessions. Implementations decide whether sessions share state.
type Transport interface {
	Name() string
	NewSession() Session
}
