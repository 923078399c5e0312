package payments

import (
	"context"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// Ledger tracks the outstanding hold per ride and drives the provider
// from lifecycle edges. Holds for rides unknown to the ledger (e.g.
// created before a restart) are skipped, not errors.
type Ledger struct {
	Provider Provider
	Currency string

	mu   sync.Mutex
	refs map[string]string // rideID -> hold reference
}

func NewLedger(p Provider, currency string) *Ledger {
	return &Ledger{Provider: p, Currency: currency, refs: make(map[string]string)}
}

// OnCreated places a hold for the agreed fare.
func (l *Ledger) OnCreated(ctx context.Context, rec models.RideRecord) error {
	ref, err := l.Provider.Hold(ctx, rec.Fare, l.Currency, rec.PassengerID)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.refs[rec.ID] = ref
	l.mu.Unlock()
	return nil
}

// OnTerminal captures a completed ride's hold and releases a cancelled
// ride's hold.
func (l *Ledger) OnTerminal(ctx context.Context, rec models.RideRecord) error {
	l.mu.Lock()
	ref, ok := l.refs[rec.ID]
	if ok {
		delete(l.refs, rec.ID)
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if rec.State == models.StateCompleted {
		return l.Provider.Capture(ctx, ref)
	}
	return l.Provider.Cancel(ctx, ref)
}
