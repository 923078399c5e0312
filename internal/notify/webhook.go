package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Webhook posts events to an external push provider (FCM HTTPv1 shaped
// payload). Used for actors with no live websocket session.
type Webhook struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewWebhook(endpoint, key string) *Webhook {
	return &Webhook{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (w *Webhook) Notify(ctx context.Context, actorID string, ev models.Event) error {
	body := map[string]any{
		"message": map[string]any{
			"token": actorID,
			"data":  ev,
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Key != "" {
		req.Header.Set("Authorization", "Bearer "+w.Key)
	}
	resp, err := w.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Fallback tries the primary sink and falls back to the secondary when
// the primary has no route to the actor (e.g. no websocket session).
type Fallback struct {
	Primary   Notifier
	Secondary Notifier
}

func (f Fallback) Notify(ctx context.Context, actorID string, ev models.Event) error {
	err := f.Primary.Notify(ctx, actorID, ev)
	if err == nil {
		return nil
	}
	if f.Secondary == nil {
		return err
	}
	return f.Secondary.Notify(ctx, actorID, ev)
}
