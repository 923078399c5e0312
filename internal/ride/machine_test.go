package ride

import (
	"context"
	"sync"
	"testing"

	"github.com/example/ride-dispatch/internal/models"
)

func newTestRide(t *testing.T, store Store) models.RideRecord {
	t.Helper()
	rec := &models.RideRecord{
		ID:          NewRideID(),
		PassengerID: "p1",
		Pickup:      models.Coordinate{Lat: 18.5204, Lon: 73.8567},
		Drop:        models.Coordinate{Lat: 18.5310, Lon: 73.8446},
		Fare:        250,
		StartCode:   "4321",
	}
	if err := store.Create(context.Background(), rec); err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return *rec
}

// accept moves a pending ride to accepted the way the coordinator does.
func accept(t *testing.T, store Store, rec models.RideRecord, driverID string) models.RideRecord {
	t.Helper()
	updated, err := store.Assign(context.Background(), rec.ID, rec.Version, driverID)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	return updated
}

func TestHappyPathLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := &Machine{Store: store}
	rec := newTestRide(t, store)
	accept(t, store, rec, "d1")

	steps := []struct {
		action models.Action
		want   models.RideState
	}{
		{models.ActionArrive, models.StateArrived},
		{models.ActionStart, models.StateInProgress},
		{models.ActionComplete, models.StateCompleted},
	}
	for _, s := range steps {
		got, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, s.action, TransitionPayload{Code: "4321"})
		if err != nil {
			t.Fatalf("%s: %v", s.action, err)
		}
		if got.State != s.want {
			t.Fatalf("%s: state %s, want %s", s.action, got.State, s.want)
		}
	}
}

func TestIllegalTransitionsRejected(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		setup  func(t *testing.T, store Store) string
		actor  models.Actor
		action models.Action
	}{
		{"driver arrive before accept", func(t *testing.T, s Store) string {
			return newTestRide(t, s).ID
		}, models.ActorDriver, models.ActionArrive},
		{"complete from pending", func(t *testing.T, s Store) string {
			return newTestRide(t, s).ID
		}, models.ActorDriver, models.ActionComplete},
		{"passenger cancel in progress", func(t *testing.T, s Store) string {
			rec := newTestRide(t, s)
			rec = accept(t, s, rec, "d1")
			m := &Machine{Store: s}
			if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionArrive, TransitionPayload{}); err != nil {
				t.Fatal(err)
			}
			if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionStart, TransitionPayload{Code: "4321"}); err != nil {
				t.Fatal(err)
			}
			return rec.ID
		}, models.ActorPassenger, models.ActionCancel},
		{"passenger starts ride", func(t *testing.T, s Store) string {
			rec := newTestRide(t, s)
			rec = accept(t, s, rec, "d1")
			m := &Machine{Store: s}
			if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionArrive, TransitionPayload{}); err != nil {
				t.Fatal(err)
			}
			return rec.ID
		}, models.ActorPassenger, models.ActionStart},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			m := &Machine{Store: store}
			id := tc.setup(t, store)
			before, _ := store.Get(ctx, id)
			_, err := m.SubmitTransition(ctx, id, tc.actor, tc.action, TransitionPayload{Reason: "x", Code: "4321"})
			if err != ErrIllegalTransition {
				t.Fatalf("expected ErrIllegalTransition, got %v", err)
			}
			after, _ := store.Get(ctx, id)
			if after.State != before.State || after.Version != before.Version {
				t.Fatalf("illegal transition mutated the ride: %+v -> %+v", before, after)
			}
		})
	}
}

func TestStartCodeGate(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := &Machine{Store: store}
	rec := newTestRide(t, store)
	accept(t, store, rec, "d1")
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionArrive, TransitionPayload{}); err != nil {
		t.Fatal(err)
	}

	for _, code := range []string{"", "0000", "432", "43211", "abcd", "4321 "} {
		_, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionStart, TransitionPayload{Code: code})
		if err != ErrVerificationFailed {
			t.Fatalf("code %q: expected ErrVerificationFailed, got %v", code, err)
		}
		got, _ := store.Get(ctx, rec.ID)
		if got.State != models.StateArrived {
			t.Fatalf("code %q: state changed to %s", code, got.State)
		}
	}

	got, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionStart, TransitionPayload{Code: "4321"})
	if err != nil {
		t.Fatalf("correct code rejected: %v", err)
	}
	if got.State != models.StateInProgress {
		t.Fatalf("expected in_progress, got %s", got.State)
	}
}

func TestCancelRequiresReason(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := &Machine{Store: store}
	rec := newTestRide(t, store)
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorPassenger, models.ActionCancel, TransitionPayload{}); err != ErrReasonRequired {
		t.Fatalf("expected ErrReasonRequired, got %v", err)
	}
	got, err := m.SubmitTransition(ctx, rec.ID, models.ActorPassenger, models.ActionCancel, TransitionPayload{Reason: "changed plans"})
	if err != nil {
		t.Fatal(err)
	}
	if got.State != models.StateCancelled || got.CancelReason != "changed plans" {
		t.Fatalf("unexpected record %+v", got)
	}
}

func TestAdminForceCancel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := &Machine{Store: store}
	rec := newTestRide(t, store)
	rec = accept(t, store, rec, "d1")
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionArrive, TransitionPayload{}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionStart, TransitionPayload{Code: "4321"}); err != nil {
		t.Fatal(err)
	}

	// in_progress is out of reach for passenger/driver cancels but not admin
	got, err := m.SubmitTransition(ctx, rec.ID, models.ActorAdmin, models.ActionCancel, TransitionPayload{Reason: "ops intervention"})
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if got.State != models.StateCancelled {
		t.Fatalf("expected cancelled, got %s", got.State)
	}

	// terminal states stay immutable even for admin
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorAdmin, models.ActionCancel, TransitionPayload{Reason: "again"}); err != ErrIllegalTransition {
		t.Fatalf("expected ErrIllegalTransition on terminal ride, got %v", err)
	}
}

func TestCancelledNeverResumes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	m := &Machine{Store: store}
	rec := newTestRide(t, store)
	rec = accept(t, store, rec, "d1")
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorPassenger, models.ActionCancel, TransitionPayload{Reason: "no longer needed"}); err != nil {
		t.Fatal(err)
	}
	for _, action := range []models.Action{models.ActionArrive, models.ActionStart, models.ActionComplete} {
		if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, action, TransitionPayload{Code: "4321"}); err != ErrIllegalTransition {
			t.Fatalf("%s after cancel: expected ErrIllegalTransition, got %v", action, err)
		}
	}
}

type releaseRecorder struct {
	mu       sync.Mutex
	released []string
}

func (r *releaseRecorder) Release(ctx context.Context, driverID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, driverID)
	return nil
}

func TestTerminalStateReleasesDriver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rel := &releaseRecorder{}
	m := &Machine{Store: store, Registry: rel}
	rec := newTestRide(t, store)
	rec = accept(t, store, rec, "d1")
	if _, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionCancel, TransitionPayload{Reason: "vehicle issue"}); err != nil {
		t.Fatal(err)
	}
	if len(rel.released) != 1 || rel.released[0] != "d1" {
		t.Fatalf("expected d1 released once, got %v", rel.released)
	}
}

func TestConcurrentDriverProgressVsPassengerCancel(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 30; i++ {
		store := NewMemoryStore()
		m := &Machine{Store: store}
		rec := newTestRide(t, store)
		rec = accept(t, store, rec, "d1")

		var wg sync.WaitGroup
		errs := make(chan error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := m.SubmitTransition(ctx, rec.ID, models.ActorDriver, models.ActionArrive, TransitionPayload{})
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := m.SubmitTransition(ctx, rec.ID, models.ActorPassenger, models.ActionCancel, TransitionPayload{Reason: "race"})
			errs <- err
		}()
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil && err != ErrIllegalTransition && err != ErrConflict {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		got, _ := store.Get(ctx, rec.ID)
		// both orders are legal paths; nothing else is
		if got.State != models.StateCancelled && got.State != models.StateArrived {
			t.Fatalf("iteration %d: unreachable final state %s", i, got.State)
		}
	}
}

func TestAssignSingleActiveRidePerDriver(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	first := newTestRide(t, store)
	accept(t, store, first, "d1")

	second := newTestRide(t, store)
	if _, err := store.Assign(ctx, second.ID, second.Version, "d1"); err != ErrDriverBusy {
		t.Fatalf("expected ErrDriverBusy, got %v", err)
	}

	// finishing the first ride frees the driver
	m := &Machine{Store: store}
	if _, err := m.SubmitTransition(ctx, first.ID, models.ActorDriver, models.ActionCancel, TransitionPayload{Reason: "done"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Assign(ctx, second.ID, second.Version, "d1"); err != nil {
		t.Fatalf("assign after release: %v", err)
	}
}

func TestAssignConflictWhenNotPending(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	rec := newTestRide(t, store)
	accepted := accept(t, store, rec, "d1")
	if _, err := store.Assign(ctx, rec.ID, accepted.Version, "d2"); err != ErrConflict {
		t.Fatalf("expected ErrConflict reassigning accepted ride, got %v", err)
	}
	got, _ := store.Get(ctx, rec.ID)
	if got.DriverID != "d1" {
		t.Fatalf("ride reassigned to %s", got.DriverID)
	}
}
