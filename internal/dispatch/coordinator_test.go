package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
)

var pickup = models.Coordinate{Lat: 18.5204, Lon: 73.8567}

// offsetKm returns a point roughly km kilometres east of pickup.
func offsetKm(km float64) models.Coordinate {
	return models.Coordinate{Lat: pickup.Lat, Lon: pickup.Lon + km/105.6}
}

type chanTransport struct {
	offers chan models.RideOffer
}

func (c *chanTransport) Send(ctx context.Context, driverID string, offer models.RideOffer) error {
	c.offers <- offer
	return nil
}

type env struct {
	reg       *registry.Memory
	store     *ride.MemoryStore
	transport *chanTransport
	coord     *Coordinator
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		reg:       registry.NewMemory(),
		store:     ride.NewMemoryStore(),
		transport: &chanTransport{offers: make(chan models.RideOffer, 16)},
	}
	e.coord = &Coordinator{
		Registry:       e.reg,
		Store:          e.store,
		Transport:      e.transport,
		OfferWindow:    40 * time.Millisecond,
		SearchRadiusKm: 5,
	}
	return e
}

func (e *env) addDriver(t *testing.T, id string, pos models.Coordinate, rating float64) {
	t.Helper()
	ctx := context.Background()
	if err := e.reg.SetApproval(ctx, id, models.ApprovalApproved); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.SetRating(ctx, id, rating); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.UpdatePosition(ctx, id, pos); err != nil {
		t.Fatal(err)
	}
	if err := e.reg.SetAvailability(ctx, id, models.AvailabilityOnline); err != nil {
		t.Fatal(err)
	}
}

func (e *env) newRide(t *testing.T) models.RideRecord {
	t.Helper()
	rec := &models.RideRecord{
		ID:          ride.NewRideID(),
		PassengerID: "p1",
		Pickup:      pickup,
		Drop:        offsetKm(4),
		Fare:        180,
		StartCode:   "1234",
	}
	if err := e.store.Create(context.Background(), rec); err != nil {
		t.Fatal(err)
	}
	return *rec
}

func TestDispatchNoCandidates(t *testing.T) {
	e := newEnv(t)
	rec := e.newRide(t)
	out, err := e.coord.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Assigned || out.Reason != ReasonNoCandidates {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got, _ := e.store.Get(context.Background(), rec.ID)
	if got.State != models.StatePending {
		t.Fatalf("exhausted dispatch must leave ride pending, got %s", got.State)
	}
}

func TestDispatchFirstCandidateAccepts(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "d1", offsetKm(1), 4.8)
	e.addDriver(t, "d2", offsetKm(2), 4.2)
	rec := e.newRide(t)

	go func() {
		offer := <-e.transport.offers
		_ = e.coord.Respond(offer.RideID, offer.DriverID, true)
	}()

	out, err := e.coord.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Assigned || out.DriverID != "d1" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got, _ := e.store.Get(context.Background(), rec.ID)
	if got.State != models.StateAccepted || got.DriverID != "d1" {
		t.Fatalf("ride not committed: %+v", got)
	}
	d, _ := e.reg.Get(context.Background(), "d1")
	if d.Availability != models.AvailabilityBusy {
		t.Fatalf("assigned driver should be busy, got %s", d.Availability)
	}
}

func TestDispatchTimeoutAdvancesToNextCandidate(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	e.addDriver(t, "b", offsetKm(2), 4.0)
	rec := e.newRide(t)

	go func() {
		for offer := range e.transport.offers {
			if offer.DriverID == "b" {
				_ = e.coord.Respond(offer.RideID, "b", true)
			}
			// driver a never responds
		}
	}()

	out, err := e.coord.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Assigned || out.DriverID != "b" {
		t.Fatalf("expected b after a's timeout, got %+v", out)
	}
	got, _ := e.store.Get(context.Background(), rec.ID)
	if got.DriverID != "b" {
		t.Fatalf("ride assigned to %s, want b", got.DriverID)
	}
}

func TestDispatchDeclineAdvances(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	e.addDriver(t, "b", offsetKm(2), 4.0)
	rec := e.newRide(t)

	go func() {
		for offer := range e.transport.offers {
			_ = e.coord.Respond(offer.RideID, offer.DriverID, offer.DriverID == "b")
		}
	}()

	out, err := e.coord.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Assigned || out.DriverID != "b" {
		t.Fatalf("expected b after a's decline, got %+v", out)
	}
}

func TestDispatchExhaustedWhenAllDecline(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	e.addDriver(t, "b", offsetKm(2), 4.0)
	rec := e.newRide(t)

	go func() {
		for offer := range e.transport.offers {
			_ = e.coord.Respond(offer.RideID, offer.DriverID, false)
		}
	}()

	out, err := e.coord.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Assigned || out.Reason != ReasonNoCandidates {
		t.Fatalf("unexpected outcome %+v", out)
	}
	got, _ := e.store.Get(context.Background(), rec.ID)
	if got.State != models.StatePending {
		t.Fatalf("ride must stay pending, got %s", got.State)
	}
}

func TestDispatchStaleCandidateSkipped(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	e.addDriver(t, "b", offsetKm(2), 4.0)
	rec := e.newRide(t)

	ctx := context.Background()
	go func() {
		for offer := range e.transport.offers {
			if offer.DriverID == "a" {
				// accepted but no longer eligible by commit time
				_ = e.reg.SetAvailability(ctx, "a", models.AvailabilityOffline)
			}
			_ = e.coord.Respond(offer.RideID, offer.DriverID, true)
		}
	}()

	out, err := e.coord.Dispatch(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Assigned || out.DriverID != "b" {
		t.Fatalf("expected stale a skipped and b assigned, got %+v", out)
	}
}

func TestDispatchCancelledBetweenRounds(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	e.addDriver(t, "b", offsetKm(2), 4.0)
	rec := e.newRide(t)

	ctx := context.Background()
	machine := &ride.Machine{Store: e.store}
	offerCount := 0
	done := make(chan struct{})
	go func() {
		defer close(done)
		offer := <-e.transport.offers
		offerCount++
		if _, err := machine.SubmitTransition(ctx, rec.ID, models.ActorPassenger, models.ActionCancel, ride.TransitionPayload{Reason: "changed plans"}); err != nil {
			t.Error(err)
		}
		_ = e.coord.Respond(offer.RideID, offer.DriverID, false)
	}()

	out, err := e.coord.Dispatch(ctx, rec.ID)
	<-done
	if err != nil {
		t.Fatal(err)
	}
	if out.Assigned || out.Reason != ReasonRideCancelled {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if offerCount != 1 {
		t.Fatalf("cancelled ride consumed %d candidates", offerCount)
	}
	got, _ := e.store.Get(ctx, rec.ID)
	if got.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}
}

func TestDispatchCancellationWinsCommitRace(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	rec := e.newRide(t)

	ctx := context.Background()
	machine := &ride.Machine{Store: e.store}
	go func() {
		offer := <-e.transport.offers
		// cancellation lands between acceptance and commit
		if _, err := machine.SubmitTransition(ctx, rec.ID, models.ActorPassenger, models.ActionCancel, ride.TransitionPayload{Reason: "too long"}); err != nil {
			t.Error(err)
		}
		_ = e.coord.Respond(offer.RideID, offer.DriverID, true)
	}()

	out, err := e.coord.Dispatch(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Assigned || out.Reason != ReasonRideCancelled {
		t.Fatalf("cancellation must win, got %+v", out)
	}
	got, _ := e.store.Get(ctx, rec.ID)
	if got.State != models.StateCancelled || got.DriverID != "" {
		t.Fatalf("cancelled ride must not carry an assignee: %+v", got)
	}
	d, _ := e.reg.Get(ctx, "a")
	if d.Availability != models.AvailabilityOnline {
		t.Fatalf("reservation not rolled back, driver is %s", d.Availability)
	}
}

func TestBroadcastConcurrentAcceptancesExactlyOneCommit(t *testing.T) {
	e := newEnv(t)
	e.coord.Broadcast = true
	const n = 6
	ids := []string{"d0", "d1", "d2", "d3", "d4", "d5"}
	for i, id := range ids {
		e.addDriver(t, id, offsetKm(0.3+0.02*float64(i)), 4.5)
	}
	rec := e.newRide(t)

	ctx := context.Background()
	offers := make([]models.RideOffer, 0, n)
	collected := make(chan struct{})
	go func() {
		for i := 0; i < n; i++ {
			offers = append(offers, <-e.transport.offers)
		}
		close(collected)
		// everyone accepts at once
		var wg sync.WaitGroup
		for _, o := range offers {
			wg.Add(1)
			go func(o models.RideOffer) {
				defer wg.Done()
				_ = e.coord.Respond(o.RideID, o.DriverID, true)
			}(o)
		}
		wg.Wait()
	}()

	out, err := e.coord.Dispatch(ctx, rec.ID)
	<-collected
	if err != nil {
		t.Fatal(err)
	}
	if !out.Assigned {
		t.Fatalf("expected an assignment, got %+v", out)
	}

	got, _ := e.store.Get(ctx, rec.ID)
	if got.State != models.StateAccepted || got.DriverID != out.DriverID {
		t.Fatalf("store disagrees with outcome: %+v vs %+v", got, out)
	}
	busy := 0
	for _, id := range ids {
		d, _ := e.reg.Get(ctx, id)
		if d.Availability == models.AvailabilityBusy {
			busy++
			if id != out.DriverID {
				t.Fatalf("loser %s left busy", id)
			}
		}
	}
	if busy != 1 {
		t.Fatalf("expected exactly one busy driver, got %d", busy)
	}
}

func TestRetriedDispatchDoesNotReassign(t *testing.T) {
	// two coordinators over the same stores model a retried dispatch call
	// with offers outstanding to two candidates at once
	e := newEnv(t)
	second := &Coordinator{
		Registry:       e.reg,
		Store:          e.store,
		Transport:      e.transport,
		OfferWindow:    e.coord.OfferWindow,
		SearchRadiusKm: e.coord.SearchRadiusKm,
	}
	e.addDriver(t, "a", offsetKm(1), 4.9)
	e.addDriver(t, "b", offsetKm(2), 4.0)
	rec := e.newRide(t)

	ctx := context.Background()
	go func() {
		for offer := range e.transport.offers {
			// both outstanding offers are accepted within the same instant
			go func(o models.RideOffer) {
				_ = e.coord.Respond(o.RideID, o.DriverID, true)
				_ = second.Respond(o.RideID, o.DriverID, true)
			}(offer)
		}
	}()

	var wg sync.WaitGroup
	outs := make([]Outcome, 2)
	errs := make([]error, 2)
	wg.Add(2)
	go func() { defer wg.Done(); outs[0], errs[0] = e.coord.Dispatch(ctx, rec.ID) }()
	go func() { defer wg.Done(); outs[1], errs[1] = second.Dispatch(ctx, rec.ID) }()
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
	}
	got, _ := e.store.Get(ctx, rec.ID)
	if got.State != models.StateAccepted {
		t.Fatalf("expected accepted, got %s", got.State)
	}
	for i, out := range outs {
		if out.Assigned && out.DriverID != got.DriverID {
			t.Fatalf("dispatch %d reports %s but store holds %s", i, out.DriverID, got.DriverID)
		}
	}
	if got.Version != 2 {
		t.Fatalf("expected exactly one commit (version 2), got %d", got.Version)
	}
}

func TestDispatchCompletedRideReportsNotPending(t *testing.T) {
	e := newEnv(t)
	rec := e.newRide(t)
	ctx := context.Background()

	accepted, err := e.store.Assign(ctx, rec.ID, rec.Version, "driver-1")
	if err != nil {
		t.Fatal(err)
	}
	done := ride.Update{To: models.StateCompleted}
	if _, err := e.store.Transition(ctx, rec.ID, accepted.State, accepted.Version, done); err != nil {
		t.Fatal(err)
	}

	out, err := e.coord.Dispatch(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Assigned || out.Reason != ReasonNotPending {
		t.Fatalf("completed ride reported %+v", out)
	}
}

func TestRespondWithoutOutstandingOffer(t *testing.T) {
	e := newEnv(t)
	if err := e.coord.Respond("ride-x", "driver-y", true); err != ErrNoOutstandingOffer {
		t.Fatalf("expected ErrNoOutstandingOffer, got %v", err)
	}
}

func TestDispatchAlreadyAcceptedIsIdempotent(t *testing.T) {
	e := newEnv(t)
	e.addDriver(t, "a", offsetKm(1), 4.9)
	rec := e.newRide(t)
	if _, err := e.store.Assign(context.Background(), rec.ID, rec.Version, "a"); err != nil {
		t.Fatal(err)
	}
	out, err := e.coord.Dispatch(context.Background(), rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !out.Assigned || out.DriverID != "a" {
		t.Fatalf("unexpected outcome %+v", out)
	}
}
