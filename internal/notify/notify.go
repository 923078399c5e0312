// Package notify fans lifecycle and dispatch events out to the
// notification layer: websocket sessions and webhook push.
package notify

import (
	"context"

	"github.com/example/ride-dispatch/internal/models"
)

// Notifier delivers one event to one actor. Delivery is best-effort;
// ride state is authoritative in the store, never in the event stream.
type Notifier interface {
	Notify(ctx context.Context, actorID string, ev models.Event) error
}

// Multi fans out to several sinks and reports the first failure.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, actorID string, ev models.Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, actorID, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
