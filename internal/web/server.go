// Package web exposes the booking service over a small JSON API.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/example/slot-scheduler/internal/auth"
	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/domain/user"
)

// Bookings is the service behind the API.
type Bookings interface {
	ListSlots(ctx context.Context) (reservation.Snapshot, error)
	NextSlot(ctx context.Context) (reservation.Slot, error)
	ScheduleBooking(ctx context.Context, slotID int64, userIDs []int64) ([]reservation.ScheduledJob, error)
	GetScheduledBookings(ctx context.Context) ([]reservation.ScheduledJob, error)
	GetCompletedBookings(ctx context.Context) ([]reservation.CompletedBooking, error)
	CancelBooking(ctx context.Context, jobID string) error
	CleanupJobs(ctx context.Context, age time.Duration) (int64, error)
	ListUsers(ctx context.Context) ([]user.User, error)
}

type Server struct {
	Bookings Bookings
	Keys     *auth.APIKeys
	// Ready reports whether dependencies (the job database) are reachable.
	Ready func(ctx context.Context) error
	Log   zerolog.Logger
}

// Routes builds the gin engine with the middleware chain and all endpoints.
func (s *Server) Routes(cfg config.Config) *gin.Engine {
	gin.SetMode(cfg.Server.GinMode)
	r := gin.New()
	r.HandleMethodNotAllowed = true

	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))
	r.Use(requestID())
	r.Use(accessLog(s.Log))
	r.Use(recovery(s.Log))
	r.Use(httpMetrics())
	if cfg.Server.RateLimitPerSec > 0 {
		r.Use(newRateLimiter(cfg.Server.RateLimitPerSec, cfg.Server.RateBurst).handler())
	}
	r.Use(corsMiddleware(cfg.Server.CORSAllowedOrigins))

	r.NoRoute(func(c *gin.Context) { fail(c, http.StatusNotFound, codeNotFound, "route not found") })
	r.NoMethod(func(c *gin.Context) { fail(c, http.StatusMethodNotAllowed, codeMethodNotAllowed, "method not allowed") })

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api", requireAPIKey(s.Keys))
	{
		api.GET("/events", s.listEvents)
		api.GET("/events/next", s.nextEvent)
		api.POST("/bookings", s.createBookings)
		api.GET("/scheduler/scheduled", s.listScheduled)
		api.GET("/scheduler/completed", s.listCompleted)
		api.DELETE("/scheduler/:jobId", s.cancelJob)
		api.POST("/scheduler/cleanup", s.cleanup)
		api.GET("/users", s.listUsers)
	}
	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	c := cors.Config{
		AllowMethods:  []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", apiKeyHeader},
		ExposeHeaders: []string{requestIDHeader, "Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return cors.New(c)
}

// Start serves h on addr until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, log zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info().Str("addr", addr).Msg("listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
