package web

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/slot-scheduler/internal/booking"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/jobs"
)

const (
	codeBadRequest       = "bad_request"
	codeUnauthorized     = "unauthorized"
	codeNotFound         = "not_found"
	codeMethodNotAllowed = "method_not_allowed"
	codeRateLimited      = "rate_limited"
	codeUnavailable      = "unavailable"
	codeInternal         = "internal_error"
)

type errorBody struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{
		RequestID: c.GetString(requestIDKey),
		Code:      code,
		Message:   msg,
	})
}

// failErr maps service errors onto HTTP statuses.
func failErr(c *gin.Context, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound),
		errors.Is(err, booking.ErrSlotNotFound),
		errors.Is(err, booking.ErrUserNotFound):
		fail(c, http.StatusNotFound, codeNotFound, err.Error())
	default:
		_ = c.Error(err)
		fail(c, http.StatusInternalServerError, codeInternal, err.Error())
	}
}

func (s *Server) health(c *gin.Context) {
	if s.Ready != nil {
		if err := s.Ready(c.Request.Context()); err != nil {
			fail(c, http.StatusServiceUnavailable, codeUnavailable, err.Error())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type eventsResponse struct {
	ServerTime *time.Time         `json:"server_time,omitempty"`
	OffsetMS   int64              `json:"offset_ms"`
	Events     []reservation.Slot `json:"events"`
}

func (s *Server) listEvents(c *gin.Context) {
	snap, err := s.Bookings.ListSlots(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	resp := eventsResponse{
		OffsetMS: snap.Offset().Effective().Milliseconds(),
		Events:   snap.Slots,
	}
	if resp.Events == nil {
		resp.Events = []reservation.Slot{}
	}
	if !snap.ServerTime.IsZero() {
		resp.ServerTime = &snap.ServerTime
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) nextEvent(c *gin.Context) {
	slot, err := s.Bookings.NextSlot(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, slot)
}

type bookingRequest struct {
	SlotID  int64   `json:"slot_id" binding:"required"`
	UserIDs []int64 `json:"user_ids"`
}

func (s *Server) createBookings(c *gin.Context) {
	var req bookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, codeBadRequest, "slot_id required")
		return
	}
	out, err := s.Bookings.ScheduleBooking(c.Request.Context(), req.SlotID, req.UserIDs)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"jobs": out})
}

func (s *Server) listScheduled(c *gin.Context) {
	out, err := s.Bookings.GetScheduledBookings(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) listCompleted(c *gin.Context) {
	out, err := s.Bookings.GetCompletedBookings(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bookings": out})
}

func (s *Server) cancelJob(c *gin.Context) {
	if err := s.Bookings.CancelBooking(c.Request.Context(), c.Param("jobId")); err != nil {
		failErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) cleanup(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "7"))
	if err != nil || days < 0 {
		fail(c, http.StatusBadRequest, codeBadRequest, "days must be a non-negative integer")
		return
	}
	n, err := s.Bookings.CleanupJobs(c.Request.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		failErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

type userView struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

func (s *Server) listUsers(c *gin.Context) {
	us, err := s.Bookings.ListUsers(c.Request.Context())
	if err != nil {
		failErr(c, err)
		return
	}
	out := make([]userView, 0, len(us))
	for _, u := range us {
		out = append(out, userView{ID: u.ID, Name: u.Name})
	}
	c.JSON(http.StatusOK, gin.H{"users": out})
}
