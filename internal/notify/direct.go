package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"barterengine/internal/cache"
)

// DirectTransport POSTs changes straight to the subscription's URL.
// It is the whole story when Svix is not configured, and the fallback
// leg of the hybrid transport.
type DirectTransport struct {
	client *http.Client
}

var _ Transport = (*DirectTransport)(nil)

func NewDirectTransport() *DirectTransport {
	return &DirectTransport{
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Register is a no-op: a URL is all the state a direct subscription
// needs.
func (d *DirectTransport) Register(_ context.Context, _ *Subscription) error { return nil }

func (d *DirectTransport) Deliver(ctx context.Context, sub *Subscription, ch cache.Change, attempt int) error {
	body, err := json.Marshal(changePayload(ch, attempt))
	if err != nil {
		return fmt.Errorf("encode change %s: %w", ch.LoopID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request for subscription %s: %w", sub.ID, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BarterEngine-Event", string(ch.Kind))
	req.Header.Set("X-BarterEngine-Attempt", fmt.Sprint(attempt))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", sub.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("POST %s returned %d", sub.URL, resp.StatusCode)
	}
	return nil
}

func (d *DirectTransport) Deregister(_ context.Context, _ *Subscription) error { return nil }
