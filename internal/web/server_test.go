package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/booking"
	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
	"github.com/example/slot-scheduler/internal/jobs"
)

type fakeBookings struct {
	ListSlotsFunc       func(ctx context.Context) (reservation.Snapshot, error)
	NextSlotFunc        func(ctx context.Context) (reservation.Slot, error)
	ScheduleBookingFunc func(ctx context.Context, slotID int64, userIDs []int64) ([]reservation.ScheduledJob, error)
	ScheduledFunc       func(ctx context.Context) ([]reservation.ScheduledJob, error)
	CompletedFunc       func(ctx context.Context) ([]reservation.CompletedBooking, error)
	CancelFunc          func(ctx context.Context, jobID string) error
	CleanupFunc         func(ctx context.Context, age time.Duration) (int64, error)
	ListUsersFunc       func(ctx context.Context) ([]user.User, error)
}

func (f *fakeBookings) ListSlots(ctx context.Context) (reservation.Snapshot, error) {
	return f.ListSlotsFunc(ctx)
}

func (f *fakeBookings) NextSlot(ctx context.Context) (reservation.Slot, error) {
	return f.NextSlotFunc(ctx)
}

func (f *fakeBookings) ScheduleBooking(ctx context.Context, slotID int64, userIDs []int64) ([]reservation.ScheduledJob, error) {
	return f.ScheduleBookingFunc(ctx, slotID, userIDs)
}

func (f *fakeBookings) GetScheduledBookings(ctx context.Context) ([]reservation.ScheduledJob, error) {
	return f.ScheduledFunc(ctx)
}

func (f *fakeBookings) GetCompletedBookings(ctx context.Context) ([]reservation.CompletedBooking, error) {
	return f.CompletedFunc(ctx)
}

func (f *fakeBookings) CancelBooking(ctx context.Context, jobID string) error {
	return f.CancelFunc(ctx, jobID)
}

func (f *fakeBookings) CleanupJobs(ctx context.Context, age time.Duration) (int64, error) {
	return f.CleanupFunc(ctx, age)
}

func (f *fakeBookings) ListUsers(ctx context.Context) ([]user.User, error) {
	return f.ListUsersFunc(ctx)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Server.GinMode = "test"
	cfg.Server.RateLimitPerSec = 0
	return cfg
}

func newTestServer(b Bookings, keys *auth.APIKeys) http.Handler {
	s := &Server{Bookings: b, Keys: keys, Log: zerolog.Nop()}
	return s.Routes(testConfig())
}

func do(t *testing.T, h http.Handler, method, target, body string, hdr ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

var start = time.Date(2025, 3, 10, 18, 0, 0, 0, time.UTC)

func TestHealthz(t *testing.T) {
	s := &Server{Bookings: &fakeBookings{}, Log: zerolog.Nop()}
	h := s.Routes(testConfig())

	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	s.Ready = func(context.Context) error { return errors.New("database is closed") }
	w = do(t, s.Routes(testConfig()), http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unavailable", decode[errorBody](t, w).Code)
}

func TestListEvents(t *testing.T) {
	recv := time.Date(2025, 3, 9, 17, 0, 0, 0, time.UTC)
	h := newTestServer(&fakeBookings{ListSlotsFunc: func(context.Context) (reservation.Snapshot, error) {
		return reservation.Snapshot{
			Slots:      []reservation.Slot{{ID: 1, Start: start, End: start.Add(2 * time.Hour), Title: "Community Climb"}},
			ServerTime: recv.Add(1500 * time.Millisecond),
			ReceivedAt: recv,
		}, nil
	}}, nil)

	w := do(t, h, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[eventsResponse](t, w)
	assert.Equal(t, int64(1500), got.OffsetMS)
	require.Len(t, got.Events, 1)
	assert.Equal(t, "Community Climb", got.Events[0].Title)
}

func TestNextEvent_NotFound(t *testing.T) {
	h := newTestServer(&fakeBookings{NextSlotFunc: func(context.Context) (reservation.Slot, error) {
		return reservation.Slot{}, fmt.Errorf("%w on 2025-03-10", booking.ErrSlotNotFound)
	}}, nil)

	w := do(t, h, http.MethodGet, "/api/events/next", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "slot not found on 2025-03-10", decode[errorBody](t, w).Message)
}

func TestCreateBookings(t *testing.T) {
	var gotSlot int64
	var gotUsers []int64
	h := newTestServer(&fakeBookings{ScheduleBookingFunc: func(_ context.Context, slotID int64, userIDs []int64) ([]reservation.ScheduledJob, error) {
		gotSlot, gotUsers = slotID, userIDs
		return []reservation.ScheduledJob{{JobID: "j1", SlotID: slotID, UserID: 1, Status: reservation.JobScheduled}}, nil
	}}, nil)

	w := do(t, h, http.MethodPost, "/api/bookings", `{"slot_id": 42, "user_ids": [1, 2]}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, int64(42), gotSlot)
	assert.Equal(t, []int64{1, 2}, gotUsers)
	got := decode[struct {
		Jobs []reservation.ScheduledJob `json:"jobs"`
	}](t, w)
	require.Len(t, got.Jobs, 1)
	assert.Equal(t, "j1", got.Jobs[0].JobID)

	w = do(t, h, http.MethodPost, "/api/bookings", `{"user_ids": [1]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCancelJob(t *testing.T) {
	h := newTestServer(&fakeBookings{CancelFunc: func(_ context.Context, id string) error {
		if id == "missing" {
			return jobs.ErrNotFound
		}
		return nil
	}}, nil)

	assert.Equal(t, http.StatusNoContent, do(t, h, http.MethodDelete, "/api/scheduler/abc", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/scheduler/missing", "").Code)
}

func TestCleanup(t *testing.T) {
	var ages []time.Duration
	h := newTestServer(&fakeBookings{CleanupFunc: func(_ context.Context, age time.Duration) (int64, error) {
		ages = append(ages, age)
		return 4, nil
	}}, nil)

	w := do(t, h, http.MethodPost, "/api/scheduler/cleanup", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(4), decode[struct {
		Deleted int64 `json:"deleted"`
	}](t, w).Deleted)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/scheduler/cleanup?days=0", "").Code)
	assert.Equal(t, []time.Duration{7 * 24 * time.Hour, 0}, ages)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/scheduler/cleanup?days=-1", "").Code)
}

func TestListScheduledAndCompleted(t *testing.T) {
	boom := errors.New("database is locked")
	h := newTestServer(&fakeBookings{
		ScheduledFunc: func(context.Context) ([]reservation.ScheduledJob, error) { return nil, boom },
		CompletedFunc: func(context.Context) ([]reservation.CompletedBooking, error) {
			return []reservation.CompletedBooking{{JobID: "j1", Status: reservation.JobSucceeded, BookingResult: reservation.BookingResult{Outcome: reservation.OutcomeWaitlisted}}}, nil
		},
	}, nil)

	w := do(t, h, http.MethodGet, "/api/scheduler/scheduled", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	w = do(t, h, http.MethodGet, "/api/scheduler/completed", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"outcome":"Waitlisted"`)
}

func TestListUsers_HidesCredentials(t *testing.T) {
	h := newTestServer(&fakeBookings{ListUsersFunc: func(context.Context) ([]user.User, error) {
		return []user.User{{ID: 1, Name: "alice", Credentials: user.Credentials{Email: "a@example.com", Password: "pw"}}}, nil
	}}, nil)

	w := do(t, h, http.MethodGet, "/api/users", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"users":[{"id":1,"name":"alice"}]}`, w.Body.String())
}

func TestAPIKeyGuard(t *testing.T) {
	hash, err := auth.HashAPIKey("let-me-in")
	require.NoError(t, err)
	h := newTestServer(&fakeBookings{ListUsersFunc: func(context.Context) ([]user.User, error) { return nil, nil }}, auth.NewAPIKeys(hash))

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/users", "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/users", "", "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/users", "", "X-API-Key", "let-me-in").Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code, "health stays open")
}

func TestRateLimit(t *testing.T) {
	cfg := testConfig()
	cfg.Server.RateLimitPerSec = 0.001
	cfg.Server.RateBurst = 1
	s := &Server{Bookings: &fakeBookings{}, Log: zerolog.Nop()}
	h := s.Routes(cfg)

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/healthz", "").Code)
	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestRateLimiter_EvictsIdleVisitors(t *testing.T) {
	rl := newRateLimiter(1, 1)
	rl.sweepEvery = 3
	clock := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return clock }

	first := rl.get("10.0.0.1")
	rl.get("10.0.0.2")
	assert.Equal(t, 2, rl.size())

	clock = clock.Add(rl.ttl)
	// third lookup sweeps both idle buckets, then creates a fresh one
	again := rl.get("10.0.0.1")
	assert.Equal(t, 1, rl.size())
	assert.NotSame(t, first, again)

	clock = clock.Add(time.Minute)
	rl.get("10.0.0.3")
	rl.get("10.0.0.3")
	rl.get("10.0.0.1")
	assert.Equal(t, 2, rl.size(), "recently seen buckets survive the sweep")
}

func TestUnknownRoute(t *testing.T) {
	h := newTestServer(&fakeBookings{}, nil)
	w := do(t, h, http.MethodGet, "/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode[errorBody](t, w).Code)
}
