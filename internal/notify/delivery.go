// Package notify delivers active-loop-cache changes to registered
// subscribers: in-process callbacks or webhook endpoints. Delivery is
// at-least-once with exponential backoff; endpoints that keep failing
// are parked.
package notify

import (
	"context"
	"log"
	"time"

	"barterengine/internal/cache"
)

// Transport moves one cache change to one webhook subscription. It
// speaks the engine's vocabulary — subscription, change, delivery
// attempt — so backends only decide how the bytes travel. Callback
// subscriptions never reach a Transport; the orchestrator invokes them
// in-process.
type Transport interface {
	// Register prepares the backend for a URL subscription before it
	// goes live (e.g. provisioning a hosted endpoint). It may annotate
	// the subscription with backend state.
	Register(ctx context.Context, sub *Subscription) error

	// Deliver pushes one change to the subscription. attempt starts at
	// 1 and counts tries for this change.
	Deliver(ctx context.Context, sub *Subscription, ch cache.Change, attempt int) error

	// Deregister releases backend state held for the subscription.
	Deregister(ctx context.Context, sub *Subscription) error
}

// changePayload is the wire form of a loop change, shared by every
// transport so subscribers see one schema regardless of backend.
func changePayload(ch cache.Change, attempt int) map[string]interface{} {
	return map[string]interface{}{
		"event_type":   string(ch.Kind),
		"canonical_id": ch.LoopID,
		"loop":         ch.Loop,
		"attempt":      attempt,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	}
}

// NoopTransport logs deliveries without sending them; used when no
// backend is configured and only callback subscribers exist.
type NoopTransport struct{}

var _ Transport = (*NoopTransport)(nil)

func (n *NoopTransport) Register(_ context.Context, sub *Subscription) error {
	log.Printf("[notify/noop] register: sub=%s tenant=%s url=%s", sub.ID, sub.Tenant, sub.URL)
	return nil
}

func (n *NoopTransport) Deliver(_ context.Context, sub *Subscription, ch cache.Change, attempt int) error {
	log.Printf("[notify/noop] deliver: sub=%s loop=%s kind=%s attempt=%d", sub.ID, ch.LoopID, ch.Kind, attempt)
	return nil
}

func (n *NoopTransport) Deregister(_ context.Context, sub *Subscription) error {
	log.Printf("[notify/noop] deregister: sub=%s", sub.ID)
	return nil
}
