// Package registry tracks the latest known state per driver.
package registry

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrUnknownDriver   = errors.New("unknown driver")
	ErrNotAvailable    = errors.New("driver not available")
	ErrBadAvailability = errors.New("availability must be online or offline")
)

// Registry is the write/read surface for driver state. It always serves
// the most recently written value per driver and keeps no history.
type Registry interface {
	// SetAvailability flips a driver between online and offline. Busy is
	// reserved for the dispatch commit path (see SetBusy/Release).
	SetAvailability(ctx context.Context, driverID string, av models.Availability) error

	// UpdatePosition records the driver's latest position. It accepts
	// updates for drivers in any availability state and is idempotent
	// under repeated identical input.
	UpdatePosition(ctx context.Context, driverID string, pos models.Coordinate) error

	// SetApproval records the onboarding decision for a driver.
	SetApproval(ctx context.Context, driverID string, ap models.Approval) error

	// SetRating records the driver's current aggregate rating.
	SetRating(ctx context.Context, driverID string, rating float64) error

	// SetBusy marks a driver as holding an active assignment; it fails
	// with ErrUnknownDriver or a stale-state report if the driver is not
	// currently online.
	SetBusy(ctx context.Context, driverID string) error

	// Release returns a busy driver to online and stamps LastActive,
	// which is the fair-rotation clock the ranker consumes.
	Release(ctx context.Context, driverID string) error

	// SnapshotPool returns point-in-time copies of every approved driver.
	SnapshotPool(ctx context.Context) ([]models.DriverSnapshot, error)

	// Get returns a point-in-time copy of one driver.
	Get(ctx context.Context, driverID string) (models.DriverSnapshot, error)
}
