// Package ride holds the ride record store and the lifecycle state machine.
package ride

import (
	"context"
	"errors"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound = errors.New("ride not found")

	// ErrIllegalTransition: the (state, actor, action) triple has no edge
	// in the lifecycle graph. Reported to the caller, never retried.
	ErrIllegalTransition = errors.New("illegal transition")

	// ErrVerificationFailed: start-code mismatch on arrived->in_progress.
	// The ride state is unchanged; the driver re-enters the code.
	ErrVerificationFailed = errors.New("start code verification failed")

	// ErrReasonRequired: a cancel without the mandatory reason string.
	ErrReasonRequired = errors.New("cancellation reason required")

	// ErrConflict: a compare-and-set mutation lost a race. Dispatch treats
	// this as a decline; transition callers re-read and re-validate.
	ErrConflict = errors.New("ride state conflict")

	// ErrDriverBusy: the driver already holds a non-terminal ride.
	ErrDriverBusy = errors.New("driver already assigned to an active ride")
)

// Update is the bounded mutation a transition may apply alongside the
// state change. Nil pointers leave the field untouched.
type Update struct {
	To           models.RideState
	DriverID     *string
	CancelReason *string
}

// Store is the single source of truth for ride records. All mutations go
// through the compare-and-set primitives; two concurrent writers never
// both succeed from the same (state, version).
type Store interface {
	Create(ctx context.Context, rec *models.RideRecord) error
	Get(ctx context.Context, id string) (models.RideRecord, error)
	List(ctx context.Context) ([]models.RideRecord, error)

	// Transition applies upd iff the ride is still at (fromState,
	// fromVersion). Returns ErrConflict when the guard fails.
	Transition(ctx context.Context, id string, fromState models.RideState, fromVersion int64, upd Update) (models.RideRecord, error)

	// Assign commits pending->accepted with driverID iff the ride is
	// still at fromVersion and the driver holds no other non-terminal
	// ride. Returns ErrConflict or ErrDriverBusy accordingly.
	Assign(ctx context.Context, id string, fromVersion int64, driverID string) (models.RideRecord, error)
}
