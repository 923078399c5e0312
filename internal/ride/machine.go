package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Notifier delivers lifecycle events to an external notification layer.
type Notifier interface {
	Notify(ctx context.Context, actorID string, ev models.Event) error
}

// Releaser returns a driver to the idle pool when their ride ends.
type Releaser interface {
	Release(ctx context.Context, driverID string) error
}

type edgeKey struct {
	From   models.RideState
	Actor  models.Actor
	Action models.Action
}

// transitions is the full lifecycle graph. Any (state, actor, action)
// triple absent here is illegal; admin force-cancel is the one exception,
// handled explicitly in SubmitTransition.
var transitions = map[edgeKey]models.RideState{
	{models.StatePending, models.ActorCoordinator, models.ActionAccept}: models.StateAccepted,

	{models.StateAccepted, models.ActorDriver, models.ActionArrive}:     models.StateArrived,
	{models.StateArrived, models.ActorDriver, models.ActionStart}:       models.StateInProgress,
	{models.StateInProgress, models.ActorDriver, models.ActionComplete}: models.StateCompleted,

	{models.StatePending, models.ActorPassenger, models.ActionCancel}:  models.StateCancelled,
	{models.StateAccepted, models.ActorPassenger, models.ActionCancel}: models.StateCancelled,
	{models.StateArrived, models.ActorPassenger, models.ActionCancel}:  models.StateCancelled,

	{models.StatePending, models.ActorDriver, models.ActionCancel}:  models.StateCancelled,
	{models.StateAccepted, models.ActorDriver, models.ActionCancel}: models.StateCancelled,
	{models.StateArrived, models.ActorDriver, models.ActionCancel}:  models.StateCancelled,
}

// TransitionPayload carries per-action extras.
type TransitionPayload struct {
	Reason string // required for cancels
	Code   string // start code for arrived->in_progress
}

// Machine validates and applies ride transitions centrally. Callers never
// check edges themselves; they submit and handle the typed outcome.
type Machine struct {
	Store    Store
	Notifier Notifier
	Registry Releaser
	Logger   *slog.Logger
}

// transitionAttempts bounds CAS retries. A lost race re-reads the ride
// and re-validates, so a request that becomes illegal after the winning
// write is rejected rather than blindly reapplied.
const transitionAttempts = 3

// SubmitTransition is the sole write path into the ride lifecycle.
func (m *Machine) SubmitTransition(ctx context.Context, rideID string, actor models.Actor, action models.Action, payload TransitionPayload) (models.RideRecord, error) {
	var lastErr error
	for attempt := 0; attempt < transitionAttempts; attempt++ {
		rec, err := m.Store.Get(ctx, rideID)
		if err != nil {
			return models.RideRecord{}, err
		}

		to, err := m.resolve(rec, actor, action, payload)
		if err != nil {
			observability.TransitionsTotal.WithLabelValues(string(action), outcomeLabel(err)).Inc()
			return models.RideRecord{}, err
		}

		upd := Update{To: to}
		if action == models.ActionCancel {
			reason := payload.Reason
			upd.CancelReason = &reason
		}
		updated, err := m.Store.Transition(ctx, rideID, rec.State, rec.Version, upd)
		if err == ErrConflict {
			lastErr = err
			continue
		}
		if err != nil {
			return models.RideRecord{}, err
		}

		observability.TransitionsTotal.WithLabelValues(string(action), "ok").Inc()
		m.afterTransition(ctx, updated)
		return updated, nil
	}
	observability.TransitionsTotal.WithLabelValues(string(action), "conflict").Inc()
	return models.RideRecord{}, lastErr
}

// resolve maps the request onto the transition table and enforces gates.
func (m *Machine) resolve(rec models.RideRecord, actor models.Actor, action models.Action, payload TransitionPayload) (models.RideState, error) {
	if actor == models.ActorAdmin && action == models.ActionCancel {
		// externally-authorized override: any non-terminal state
		if rec.State.Terminal() {
			return "", ErrIllegalTransition
		}
		return models.StateCancelled, nil
	}

	to, ok := transitions[edgeKey{From: rec.State, Actor: actor, Action: action}]
	if !ok {
		return "", ErrIllegalTransition
	}

	if action == models.ActionCancel && payload.Reason == "" {
		return "", ErrReasonRequired
	}
	if action == models.ActionStart && payload.Code != rec.StartCode {
		return "", ErrVerificationFailed
	}
	return to, nil
}

// afterTransition handles the side effects of a committed write: driver
// release on terminal states and the notify fanout. Both are best-effort;
// the record is already durable.
func (m *Machine) afterTransition(ctx context.Context, rec models.RideRecord) {
	if rec.State.Terminal() && rec.DriverID != "" && m.Registry != nil {
		if err := m.Registry.Release(ctx, rec.DriverID); err != nil {
			m.log().Warn("driver release failed", "ride_id", rec.ID, "driver_id", rec.DriverID, "error", err)
		}
	}
	if m.Notifier == nil {
		return
	}
	ev := models.Event{
		Type:     models.EventStateChanged,
		RideID:   rec.ID,
		State:    rec.State,
		DriverID: rec.DriverID,
		Reason:   rec.CancelReason,
		At:       time.Now(),
	}
	if err := m.Notifier.Notify(ctx, rec.PassengerID, ev); err != nil {
		m.log().Debug("passenger notify failed", "ride_id", rec.ID, "error", err)
	}
	if rec.DriverID != "" {
		if err := m.Notifier.Notify(ctx, rec.DriverID, ev); err != nil {
			m.log().Debug("driver notify failed", "ride_id", rec.ID, "error", err)
		}
	}
}

func (m *Machine) log() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func outcomeLabel(err error) string {
	switch err {
	case ErrIllegalTransition:
		return "illegal"
	case ErrVerificationFailed:
		return "verification_failed"
	case ErrReasonRequired:
		return "reason_required"
	default:
		return "error"
	}
}

// NewRideID returns a random ride identifier.
func NewRideID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// NewStartCode returns the 4-digit shared secret generated at ride
// creation and verified on the arrived->in_progress edge.
func NewStartCode() string {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "0000"
	}
	return fmt.Sprintf("%04d", n.Int64())
}
