package reservation

import (
	"errors"
	"fmt"
	"time"
)

// Slot is a reservable time window as published by the remote schedule.
type Slot struct {
	ID          int64     `json:"id"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Capacity    int64     `json:"capacity"`
	Booked      int64     `json:"booked"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
}

func (s Slot) Validate() error {
	if s.Start.IsZero() || s.End.IsZero() {
		return fmt.Errorf("slot %d: start and end required", s.ID)
	}
	if !s.Start.Before(s.End) {
		return fmt.Errorf("slot %d: start must be before end", s.ID)
	}
	return nil
}

// BookableAt is the first instant the slot may be reserved.
func (s Slot) BookableAt(lead time.Duration) time.Time {
	return s.Start.Add(-lead)
}

type Outcome string

const (
	OutcomeOK            Outcome = "OK"
	OutcomeTooEarly      Outcome = "TooEarly"
	OutcomeAlreadyBooked Outcome = "AlreadyBooked"
	OutcomeWaitlisted    Outcome = "Waitlisted"
	OutcomeError         Outcome = "Error"
)

var ErrUnknownOutcome = errors.New("unknown booking outcome")

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeOK, OutcomeTooEarly, OutcomeAlreadyBooked, OutcomeWaitlisted, OutcomeError:
		return true
	}
	return false
}

// Booked reports whether the outcome holds a place on the slot.
func (o Outcome) Booked() bool {
	return o == OutcomeOK || o == OutcomeWaitlisted
}

// Confirmable reports whether o is one of the answers Confirm may give.
func (o Outcome) Confirmable() bool {
	return o == OutcomeOK || o == OutcomeWaitlisted || o == OutcomeError
}

func ParseOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownOutcome, s)
	}
	return o, nil
}

type JobStatus string

const (
	JobScheduled JobStatus = "scheduled"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Finished reports whether the job has left the scheduled/running states.
func (s JobStatus) Finished() bool {
	return s == JobSucceeded || s == JobFailed || s == JobCancelled
}

// JobPayload is what gets persisted with a deferred booking job. Full user and slot
// objects are looked up again when the job fires.
type JobPayload struct {
	UserID     int64     `json:"user_id"`
	SlotID     int64     `json:"slot_id"`
	BookableAt time.Time `json:"bookable_at"`
}

type ScheduledJob struct {
	JobID      string    `json:"job_id"`
	SlotID     int64     `json:"slot_id"`
	UserID     int64     `json:"user_id"`
	UserName   string    `json:"user_name"`
	FireAt     time.Time `json:"fire_at"`
	BookableAt time.Time `json:"bookable_at"`
	Status     JobStatus `json:"status"`
}

type BookingResult struct {
	UserID      int64     `json:"user_id"`
	UserName    string    `json:"user_name"`
	SlotID      int64     `json:"slot_id"`
	Outcome     Outcome   `json:"outcome"`
	RetryCount  int       `json:"retry_count"`
	CompletedAt time.Time `json:"completed_at"`
	Message     string    `json:"message,omitempty"`
}

type CompletedBooking struct {
	JobID  string    `json:"job_id"`
	Status JobStatus `json:"status"`
	BookingResult
}

// ParseConfirmOutcome is ParseOutcome restricted to Confirm answers.
func ParseConfirmOutcome(s string) (Outcome, error) {
	o := Outcome(s)
	if !o.Confirmable() {
		return "", fmt.Errorf("%w: %q is not a confirm outcome", ErrUnknownOutcome, s)
	}
	return o, nil
}
