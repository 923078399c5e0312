// Package dispatch runs the offer/commit protocol that assigns exactly
// one driver to a pending ride.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/rank"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

// OfferTransport delivers an offer to one driver's client.
type OfferTransport interface {
	Send(ctx context.Context, driverID string, offer models.RideOffer) error
}

// TransportFunc adapts a function to OfferTransport.
type TransportFunc func(ctx context.Context, driverID string, offer models.RideOffer) error

func (f TransportFunc) Send(ctx context.Context, driverID string, offer models.RideOffer) error {
	return f(ctx, driverID, offer)
}

// ETAEstimator annotates offers with a pickup ETA. Informational only;
// ranking never consults it.
type ETAEstimator interface {
	EstimateSeconds(from, to models.Coordinate) (float64, error)
}

// Outcome is the result of one dispatch run.
type Outcome struct {
	Assigned bool   `json:"assigned"`
	DriverID string `json:"driver_id,omitempty"`
	Reason   string `json:"reason,omitempty"` // no_candidates | ride_cancelled | not_pending when not assigned
}

const (
	ReasonNoCandidates  = "no_candidates"
	ReasonRideCancelled = "ride_cancelled"
	ReasonNotPending    = "not_pending" // ride already reached a later state, e.g. completed
)

// ErrNoOutstandingOffer is returned to a driver whose offer was already
// committed elsewhere, withdrawn, or expired. Not a fault: the offer is
// simply no longer available.
var ErrNoOutstandingOffer = errors.New("no outstanding offer")

// DefaultOfferWindow is the acceptance window per offer.
const DefaultOfferWindow = 15 * time.Second

type offerKey struct {
	RideID   string
	DriverID string
}

type response struct {
	DriverID string
	Accept   bool
}

// Coordinator orchestrates dispatch for rides. One Dispatch call runs a
// single ride's offer loop; many rides dispatch concurrently, sharing
// only the stores' atomic commit checks.
type Coordinator struct {
	Registry  registry.Registry
	Store     ride.Store
	Transport OfferTransport
	Notifier  ride.Notifier
	ETA       ETAEstimator
	Logger    *slog.Logger

	OfferWindow    time.Duration
	SearchRadiusKm float64
	Broadcast      bool // offer all candidates at once instead of rank order

	mu      sync.Mutex
	pending map[offerKey]chan<- response
}

// Respond routes a driver's accept/decline to the outstanding offer.
// The driver client calls this; a missing offer means they lost the race
// or the window, which their UI shows as "no longer available".
func (c *Coordinator) Respond(rideID, driverID string, accept bool) error {
	c.mu.Lock()
	ch, ok := c.pending[offerKey{RideID: rideID, DriverID: driverID}]
	if ok {
		delete(c.pending, offerKey{RideID: rideID, DriverID: driverID})
	}
	c.mu.Unlock()
	if !ok {
		return ErrNoOutstandingOffer
	}
	ch <- response{DriverID: driverID, Accept: accept}
	return nil
}

func (c *Coordinator) register(rideID, driverID string, ch chan<- response) {
	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[offerKey]chan<- response)
	}
	c.pending[offerKey{RideID: rideID, DriverID: driverID}] = ch
	c.mu.Unlock()
}

func (c *Coordinator) unregister(rideID, driverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := offerKey{RideID: rideID, DriverID: driverID}
	if _, ok := c.pending[k]; !ok {
		return false
	}
	delete(c.pending, k)
	return true
}

// Dispatch ranks candidates for the ride and secures at most one
// acceptance. The ride stays pending on an exhausted outcome; nothing is
// silently dropped.
func (c *Coordinator) Dispatch(ctx context.Context, rideID string) (Outcome, error) {
	start := time.Now()
	out, err := c.dispatch(ctx, rideID)
	if err == nil {
		observability.DispatchDuration.Observe(time.Since(start).Seconds())
		label := "exhausted"
		if out.Assigned {
			label = "assigned"
		}
		observability.DispatchOutcomesTotal.WithLabelValues(label).Inc()
		c.notifyOutcome(ctx, rideID, out)
	}
	return out, err
}

func (c *Coordinator) dispatch(ctx context.Context, rideID string) (Outcome, error) {
	rec, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return Outcome{}, err
	}
	if rec.State != models.StatePending {
		// retried dispatch after a successful commit is a no-op; any
		// other state reports what it is
		return c.nonPendingOutcome(rec), nil
	}

	pool, err := c.Registry.SnapshotPool(ctx)
	if err != nil {
		return Outcome{}, err
	}
	cands := rank.Rank(rec.Pickup, pool, c.radius())
	if len(cands) == 0 {
		return Outcome{Reason: ReasonNoCandidates}, nil
	}

	if c.Broadcast {
		return c.broadcast(ctx, rec, cands)
	}
	return c.sequential(ctx, rec, cands)
}

// sequential offers in rank order, one outstanding offer at a time.
func (c *Coordinator) sequential(ctx context.Context, rec models.RideRecord, cands []rank.Candidate) (Outcome, error) {
	for _, cand := range cands {
		// a passenger or admin cancellation between rounds stops the loop
		fresh, err := c.Store.Get(ctx, rec.ID)
		if err != nil {
			return Outcome{}, err
		}
		if fresh.State != models.StatePending {
			return c.nonPendingOutcome(fresh), nil
		}

		driverID := cand.Driver.ID
		ch := make(chan response, 1)
		c.register(rec.ID, driverID, ch)

		if err := c.send(ctx, rec, cand); err != nil {
			c.unregister(rec.ID, driverID)
			observability.OffersTotal.WithLabelValues("unreachable").Inc()
			c.log().Debug("offer send failed", "ride_id", rec.ID, "driver_id", driverID, "error", err)
			continue
		}

		timer := time.NewTimer(c.window())
		select {
		case resp := <-ch:
			timer.Stop()
			if !resp.Accept {
				observability.OffersTotal.WithLabelValues("declined").Inc()
				c.notifyDriver(ctx, rec.ID, driverID, models.EventOfferDeclined)
				continue
			}
			if done, out := c.tryCommit(ctx, rec.ID, driverID); done {
				return out, nil
			}
		case <-timer.C:
			// expiry equals decline; the loop moves on
			if c.unregister(rec.ID, driverID) {
				observability.OffersTotal.WithLabelValues("expired").Inc()
				c.notifyDriver(ctx, rec.ID, driverID, models.EventOfferExpired)
				continue
			}
			// response raced the timer; drain it
			resp := <-ch
			timer.Stop()
			if resp.Accept {
				if done, out := c.tryCommit(ctx, rec.ID, driverID); done {
					return out, nil
				}
			} else {
				observability.OffersTotal.WithLabelValues("declined").Inc()
			}
		case <-ctx.Done():
			timer.Stop()
			c.unregister(rec.ID, driverID)
			return Outcome{}, ctx.Err()
		}
	}
	return Outcome{Reason: ReasonNoCandidates}, nil
}

// broadcast offers to every candidate at once; the first valid acceptance
// commits and the rest are withdrawn.
func (c *Coordinator) broadcast(ctx context.Context, rec models.RideRecord, cands []rank.Candidate) (Outcome, error) {
	ch := make(chan response, len(cands))
	sent := make([]string, 0, len(cands))
	for _, cand := range cands {
		driverID := cand.Driver.ID
		c.register(rec.ID, driverID, ch)
		if err := c.send(ctx, rec, cand); err != nil {
			c.unregister(rec.ID, driverID)
			observability.OffersTotal.WithLabelValues("unreachable").Inc()
			continue
		}
		sent = append(sent, driverID)
	}
	if len(sent) == 0 {
		return Outcome{Reason: ReasonNoCandidates}, nil
	}
	defer c.withdrawAll(ctx, rec.ID, sent)

	timer := time.NewTimer(c.window())
	defer timer.Stop()
	for {
		select {
		case resp := <-ch:
			if !resp.Accept {
				observability.OffersTotal.WithLabelValues("declined").Inc()
				continue
			}
			if done, out := c.tryCommit(ctx, rec.ID, resp.DriverID); done {
				return out, nil
			}
		case <-timer.C:
			observability.OffersTotal.WithLabelValues("expired").Inc()
			return Outcome{Reason: ReasonNoCandidates}, nil
		case <-ctx.Done():
			return Outcome{}, ctx.Err()
		}
	}
}

// tryCommit finalizes an acceptance. It reserves the driver first, then
// re-checks the ride immediately before the compare-and-set so a
// cancellation a moment earlier always wins. A false return means the
// acceptance lost (conflict or stale driver) and the loop continues; a
// true return ends dispatch with the outcome.
func (c *Coordinator) tryCommit(ctx context.Context, rideID, driverID string) (bool, Outcome) {
	if err := c.Registry.SetBusy(ctx, driverID); err != nil {
		// driver went offline or was reserved by another ride
		observability.OffersTotal.WithLabelValues("stale").Inc()
		c.log().Debug("stale candidate at commit", "ride_id", rideID, "driver_id", driverID, "error", err)
		return false, Outcome{}
	}

	fresh, err := c.Store.Get(ctx, rideID)
	if err != nil {
		c.releaseReservation(ctx, driverID)
		c.log().Error("ride re-read failed at commit", "ride_id", rideID, "error", err)
		return false, Outcome{}
	}
	if fresh.State != models.StatePending {
		c.releaseReservation(ctx, driverID)
		out := c.nonPendingOutcome(fresh)
		return true, out
	}

	if _, err := c.Store.Assign(ctx, rideID, fresh.Version, driverID); err != nil {
		c.releaseReservation(ctx, driverID)
		switch err {
		case ride.ErrConflict, ride.ErrDriverBusy:
			// losing a commit race is not an error to the loser
			observability.OffersTotal.WithLabelValues("conflict").Inc()
			return false, Outcome{}
		default:
			c.log().Error("commit failed", "ride_id", rideID, "driver_id", driverID, "error", err)
			return false, Outcome{}
		}
	}
	observability.OffersTotal.WithLabelValues("accepted").Inc()
	return true, Outcome{Assigned: true, DriverID: driverID}
}

// releaseReservation undoes a SetBusy whose commit did not go through.
func (c *Coordinator) releaseReservation(ctx context.Context, driverID string) {
	if err := c.Registry.Release(ctx, driverID); err != nil {
		c.log().Warn("reservation release failed", "driver_id", driverID, "error", err)
	}
}

func (c *Coordinator) nonPendingOutcome(rec models.RideRecord) Outcome {
	switch rec.State {
	case models.StateAccepted:
		return Outcome{Assigned: true, DriverID: rec.DriverID}
	case models.StateCancelled:
		return Outcome{Reason: ReasonRideCancelled}
	default:
		return Outcome{Reason: ReasonNotPending}
	}
}

func (c *Coordinator) send(ctx context.Context, rec models.RideRecord, cand rank.Candidate) error {
	offer := models.RideOffer{
		RideID:     rec.ID,
		DriverID:   cand.Driver.ID,
		Pickup:     rec.Pickup,
		PickupAddr: rec.PickupAddr,
		Drop:       rec.Drop,
		DropAddr:   rec.DropAddr,
		Fare:       rec.Fare,
		DistanceKm: cand.DistanceKm,
		ExpiresAt:  time.Now().Add(c.window()),
	}
	if c.ETA != nil {
		if sec, err := c.ETA.EstimateSeconds(cand.Driver.Position, rec.Pickup); err == nil {
			offer.ETASeconds = sec
		}
	}
	if err := c.Transport.Send(ctx, cand.Driver.ID, offer); err != nil {
		return err
	}
	observability.OffersTotal.WithLabelValues("sent").Inc()
	c.notifyDriver(ctx, rec.ID, cand.Driver.ID, models.EventOfferSent)
	return nil
}

func (c *Coordinator) withdrawAll(ctx context.Context, rideID string, driverIDs []string) {
	for _, driverID := range driverIDs {
		if c.unregister(rideID, driverID) {
			c.notifyDriver(ctx, rideID, driverID, models.EventOfferWithdrawn)
		}
	}
}

func (c *Coordinator) notifyDriver(ctx context.Context, rideID, driverID string, t models.EventType) {
	if c.Notifier == nil {
		return
	}
	_ = c.Notifier.Notify(ctx, driverID, models.Event{Type: t, RideID: rideID, DriverID: driverID, At: time.Now()})
}

func (c *Coordinator) notifyOutcome(ctx context.Context, rideID string, out Outcome) {
	if c.Notifier == nil {
		return
	}
	rec, err := c.Store.Get(ctx, rideID)
	if err != nil {
		return
	}
	ev := models.Event{RideID: rideID, DriverID: out.DriverID, Reason: out.Reason, At: time.Now()}
	if out.Assigned {
		ev.Type = models.EventDispatchAssigned
		ev.State = models.StateAccepted
	} else {
		ev.Type = models.EventDispatchFailed
	}
	_ = c.Notifier.Notify(ctx, rec.PassengerID, ev)
}

func (c *Coordinator) window() time.Duration {
	if c.OfferWindow > 0 {
		return c.OfferWindow
	}
	return DefaultOfferWindow
}

func (c *Coordinator) radius() float64 {
	if c.SearchRadiusKm > 0 {
		return c.SearchRadiusKm
	}
	return 5
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}
