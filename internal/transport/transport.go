// Package transport picks the booking site implementation from configuration.
package transport

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/slot-scheduler/internal/config"
	"github.com/example/slot-scheduler/internal/domain/reservation"
	"github.com/example/slot-scheduler/internal/transport/fixture"
	"github.com/example/slot-scheduler/internal/transport/live"
)

// New returns the transport named by cfg.Mode. lead is the booking lead time,
// used by the fixture to place its rolling slot.
func New(cfg config.TransportConfig, lead time.Duration, log zerolog.Logger) (reservation.Transport, error) {
	switch cfg.Mode {
	case "live":
		return live.New(cfg.Live, log)
	case "fixture", "":
		return fixture.New(cfg.Fixture, lead, log)
	default:
		return nil, fmt.Errorf("transport: unknown mode %q", cfg.Mode)
	}
}
