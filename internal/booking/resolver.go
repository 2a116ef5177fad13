package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
	"github.com/example/slot-scheduler/internal/metrics"
	"github.com/example/slot-scheduler/internal/observability"
)

const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 1000 * time.Millisecond
)

const msgMaxRetries = "max retries reached"

// Resolver runs one booking attempt for one user against one slot: it books,
// classifies the answer, confirms and retries until the outcome is final.
type Resolver struct {
	MaxRetries int
	RetryDelay time.Duration

	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
	Log   zerolog.Logger
}

func NewResolver(maxRetries int, retryDelay time.Duration, log zerolog.Logger) *Resolver {
	if maxRetries < 1 {
		maxRetries = DefaultMaxRetries
	}
	if retryDelay < 0 {
		retryDelay = DefaultRetryDelay
	}
	return &Resolver{
		MaxRetries: maxRetries,
		RetryDelay: retryDelay,
		Now:        time.Now,
		Sleep:      sleepCtx,
		Log:        log.With().Str("component", "resolver").Logger(),
	}
}

// Attempt never lets a transport error or panic escape: both end in an Error
// result. The only error it returns is for an outcome outside the known set.
func (r *Resolver) Attempt(ctx context.Context, sess reservation.Session, u user.User, slotID int64) (res reservation.BookingResult, err error) {
	ctx, span := observability.Tracer().Start(ctx, "booking.attempt", trace.WithAttributes(
		attribute.Int64("user.id", u.ID),
		attribute.Int64("slot.id", slotID),
	))
	defer span.End()
	log := r.Log.With().Str("user", u.Name).Int64("slot_id", slotID).Logger()

	attempt := 0
	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Int("attempt", attempt).Msg("booking attempt panicked")
			res, err = r.result(u, slotID, reservation.OutcomeError, attempt, fmt.Sprintf("panic: %v", p)), nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return
		}
		span.SetAttributes(
			attribute.String("booking.outcome", string(res.Outcome)),
			attribute.Int("booking.retry_count", res.RetryCount),
		)
		metrics.ObserveResult(res.Outcome)
		log.Info().Str("outcome", string(res.Outcome)).Int("retry_count", res.RetryCount).Msg("booking finished")
	}()

	for ; attempt < r.MaxRetries; attempt++ {
		raw, err := sess.Book(ctx, u, slotID)
		if err != nil {
			log.Error().Err(err).Int("attempt", attempt).Msg("book request failed")
			return r.result(u, slotID, reservation.OutcomeError, attempt, err.Error()), nil
		}
		if !raw.Valid() {
			err := fmt.Errorf("%w: book returned %q", reservation.ErrUnknownOutcome, raw)
			return r.result(u, slotID, reservation.OutcomeError, attempt, err.Error()), err
		}
		metrics.ObserveAttempt(raw)
		log.Debug().Str("outcome", string(raw)).Int("attempt", attempt).Msg("book")

		switch raw {
		case reservation.OutcomeOK, reservation.OutcomeWaitlisted:
			c, done, res, err := r.confirm(ctx, sess, u, slotID, attempt)
			if done {
				return res, err
			}
			if c.Booked() {
				return r.result(u, slotID, c, attempt, ""), nil
			}
			log.Warn().Str("confirm", string(c)).Int("attempt", attempt).Msg("booking not visible in agenda")
		case reservation.OutcomeAlreadyBooked:
			c, done, res, err := r.confirm(ctx, sess, u, slotID, attempt)
			if done {
				return res, err
			}
			return r.result(u, slotID, c, attempt, ""), nil
		case reservation.OutcomeTooEarly:
			log.Info().Int("attempt", attempt).Msg("too early")
		case reservation.OutcomeError:
			log.Warn().Int("attempt", attempt).Msg("booking rejected")
		}

		if attempt < r.MaxRetries-1 {
			if err := r.Sleep(ctx, r.RetryDelay); err != nil {
				return r.result(u, slotID, reservation.OutcomeError, attempt, err.Error()), nil
			}
		}
	}
	return r.result(u, slotID, reservation.OutcomeError, r.MaxRetries-1, msgMaxRetries), nil
}

// confirm calls Confirm. done is set when the attempt must end right here,
// with res and err as its return values.
func (r *Resolver) confirm(ctx context.Context, sess reservation.Session, u user.User, slotID int64, attempt int) (o reservation.Outcome, done bool, res reservation.BookingResult, err error) {
	c, err := sess.Confirm(ctx, slotID, u)
	if err != nil {
		r.Log.Error().Err(err).Str("user", u.Name).Int64("slot_id", slotID).Msg("confirm request failed")
		return "", true, r.result(u, slotID, reservation.OutcomeError, attempt, err.Error()), nil
	}
	if !c.Confirmable() {
		err := fmt.Errorf("%w: confirm returned %q", reservation.ErrUnknownOutcome, c)
		return "", true, r.result(u, slotID, reservation.OutcomeError, attempt, err.Error()), err
	}
	return c, false, reservation.BookingResult{}, nil
}

func (r *Resolver) result(u user.User, slotID int64, o reservation.Outcome, retry int, msg string) reservation.BookingResult {
	return reservation.BookingResult{
		UserID:      u.ID,
		UserName:    u.Name,
		SlotID:      slotID,
		Outcome:     o,
		RetryCount:  retry,
		CompletedAt: r.Now().UTC(),
		Message:     msg,
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
