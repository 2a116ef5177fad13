// Package fixture is an offline stand-in for the booking site. Slots come from
// a JSON file and every booking call answers with configured outcomes.
package fixture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
)

// rollingLead is how far past the booking window the rolling first slot starts.
const rollingLead = 15 * time.Second

// Transport is safe for concurrent use; every session shares it.
type Transport struct {
	cfg  config.FixtureConfig
	lead time.Duration
	log  zerolog.Logger

	bookOutcome    reservation.Outcome
	confirmOutcome reservation.Outcome
	offset         time.Duration

	// Now is the local clock. Tests replace it.
	Now func() time.Time

	mu     sync.Mutex
	events []reservation.Slot
	script []reservation.Outcome
	calls  []Call
}

// Call records one Book or Confirm for inspection.
type Call struct {
	Op      string
	UserID  int64
	SlotID  int64
	Outcome reservation.Outcome
}

func New(cfg config.FixtureConfig, lead time.Duration, log zerolog.Logger) (*Transport, error) {
	book, err := reservation.ParseOutcome(cfg.BookOutcome)
	if err != nil {
		return nil, fmt.Errorf("book outcome: %w", err)
	}
	confirm, err := reservation.ParseConfirmOutcome(cfg.ConfirmOutcome)
	if err != nil {
		return nil, fmt.Errorf("confirm outcome: %w", err)
	}
	script := make([]reservation.Outcome, 0, len(cfg.Script))
	for _, s := range cfg.Script {
		o, err := reservation.ParseOutcome(s)
		if err != nil {
			return nil, fmt.Errorf("script: %w", err)
		}
		script = append(script, o)
	}
	return &Transport{
		cfg:            cfg,
		lead:           lead,
		log:            log.With().Str("transport", "fixture").Logger(),
		bookOutcome:    book,
		confirmOutcome: confirm,
		offset:         time.Duration(cfg.ServerOffsetSeconds) * time.Second,
		Now:            time.Now,
		script:         script,
	}, nil
}

func (t *Transport) Name() string { return "fixture" }

func (t *Transport) NewSession() reservation.Session { return t }

func (t *Transport) FetchSlots(ctx context.Context, includeExtra bool) (reservation.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return reservation.Snapshot{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.Now()
	if t.events == nil {
		events, err := t.load(now)
		if err != nil {
			return reservation.Snapshot{}, err
		}
		t.events = events
	}

	if t.cfg.RollingFirstSlot && len(t.events) > 0 {
		t.events[0].Start = now.Add(t.lead + rollingLead)
		t.events[0].End = t.events[0].Start.Add(time.Hour)
	}

	slots := make([]reservation.Slot, 0, len(t.events))
	for _, s := range t.events {
		if s.Start.After(now) {
			slots = append(slots, s)
		}
	}
	sort.SliceStable(slots, func(i, j int) bool { return slots[i].Start.Before(slots[j].Start) })

	return reservation.Snapshot{
		Slots:      slots,
		ServerTime: now.Add(t.offset),
		ReceivedAt: now,
	}, nil
}

func (t *Transport) Book(ctx context.Context, u user.User, slotID int64) (reservation.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	o := t.bookOutcome
	if len(t.script) > 0 {
		o, t.script = t.script[0], t.script[1:]
	}
	t.calls = append(t.calls, Call{Op: "book", UserID: u.ID, SlotID: slotID, Outcome: o})
	t.log.Info().Str("user", u.Name).Int64("slot_id", slotID).Str("outcome", string(o)).Msg("book")
	return o, nil
}

func (t *Transport) Confirm(ctx context.Context, slotID int64, u user.User) (reservation.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.calls = append(t.calls, Call{Op: "confirm", UserID: u.ID, SlotID: slotID, Outcome: t.confirmOutcome})
	t.log.Info().Str("user", u.Name).Int64("slot_id", slotID).Str("outcome", string(t.confirmOutcome)).Msg("confirm")
	return t.confirmOutcome, nil
}

// Calls returns a copy of every Book and Confirm made so far.
func (t *Transport) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

func (t *Transport) load(now time.Time) ([]reservation.Slot, error) {
	b, err := os.ReadFile(t.cfg.EventsPath)
	if errors.Is(err, os.ErrNotExist) {
		t.log.Warn().Str("path", t.cfg.EventsPath).Msg("events file not found, creating default events")
		events := DefaultEvents(now)
		if err := t.save(events); err != nil {
			t.log.Error().Err(err).Msg("saving default events failed")
		}
		return events, nil
	}
	if err != nil {
		return nil, err
	}
	var events []reservation.Slot
	if err := json.Unmarshal(b, &events); err != nil {
		return nil, fmt.Errorf("parse %s: %w", t.cfg.EventsPath, err)
	}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", t.cfg.EventsPath, err)
		}
	}
	return events, nil
}

func (t *Transport) save(events []reservation.Slot) error {
	b, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(t.cfg.EventsPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(t.cfg.EventsPath, b, 0o644)
}

// DefaultEvents are two evening slots, tomorrow and the day after, 18:00 to 20:00
// in now's location.
func DefaultEvents(now time.Time) []reservation.Slot {
	y, m, d := now.Date()
	tomorrow := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	mk := func(id int64, day time.Time, title string) reservation.Slot {
		start := day.Add(18 * time.Hour)
		return reservation.Slot{
			ID:          id,
			Start:       start,
			End:         start.Add(2 * time.Hour),
			Capacity:    10,
			Title:       title,
			Description: "Fixture slot",
		}
	}
	return []reservation.Slot{
		mk(1, tomorrow, "Community Evening Climb"),
		mk(2, tomorrow.AddDate(0, 0, 1), "Community Evening Climb (Next Day)"),
	}
}
