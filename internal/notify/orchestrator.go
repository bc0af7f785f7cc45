package notify

import (
	"context"
	"log"
	"time"

	"barterengine/internal/cache"
)

// Orchestrator connects the active loop caches to the delivery
// transports: it consumes cache changes, fans them out to matching
// subscriptions, retries failures with exponential backoff, and parks
// endpoints that keep failing.
type Orchestrator struct {
	store     *Store
	transport Transport
	changes   chan cache.Change

	maxAttempts   int
	backoffBase   time.Duration
	parkThreshold int
}

// NewOrchestrator creates an orchestrator with a buffered intake so
// cache mutations do not block on slow endpoints.
func NewOrchestrator(store *Store, transport Transport) *Orchestrator {
	return &Orchestrator{
		store:         store,
		transport:     transport,
		changes:       make(chan cache.Change, 4096),
		maxAttempts:   3,
		backoffBase:   250 * time.Millisecond,
		parkThreshold: 5,
	}
}

// Register prepares the transport for a URL subscription before it is
// stored.
func (o *Orchestrator) Register(ctx context.Context, sub *Subscription) error {
	if sub.URL == "" {
		return nil
	}
	return o.transport.Register(ctx, sub)
}

// Deregister releases transport state for a subscription being removed.
func (o *Orchestrator) Deregister(ctx context.Context, sub *Subscription) {
	if sub.URL == "" {
		return
	}
	if err := o.transport.Deregister(ctx, sub); err != nil {
		log.Printf("[notify] deregister sub=%s: %v", sub.ID, err)
	}
}

// Enqueue hands a cache change to the orchestrator. Never blocks; if
// the intake is full the change is dropped for webhook subscribers (the
// cache itself stays authoritative and a later query still sees it).
func (o *Orchestrator) Enqueue(ch cache.Change) {
	select {
	case o.changes <- ch:
	default:
		log.Printf("[notify] intake full, dropping %s for %s", ch.Kind, ch.LoopID)
	}
}

// Run is the main loop that consumes changes until the context is
// cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Println("[notify] orchestrator started")
	for {
		select {
		case <-ctx.Done():
			log.Println("[notify] orchestrator shutting down")
			return
		case ch := <-o.changes:
			o.process(ctx, ch)
		}
	}
}

// process fans one change out to every matching subscription.
func (o *Orchestrator) process(ctx context.Context, ch cache.Change) {
	for _, sub := range o.store.Active(ch) {
		o.deliverWithRetry(ctx, sub, ch)
	}
}

// deliverWithRetry attempts delivery up to maxAttempts times with
// exponential backoff, then records the overall outcome for parking.
func (o *Orchestrator) deliverWithRetry(ctx context.Context, sub *Subscription, ch cache.Change) {
	var err error
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		err = o.deliverOnce(ctx, sub, ch, attempt)
		if err == nil {
			o.store.RecordResult(sub.ID, true, o.parkThreshold)
			return
		}
		if attempt < o.maxAttempts {
			backoff := o.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}

	log.Printf("[notify] delivery failed: sub=%s loop=%s err=%v", sub.ID, ch.LoopID, err)
	if o.store.RecordResult(sub.ID, false, o.parkThreshold) {
		log.Printf("[notify] subscription %s parked after %d consecutive failures", sub.ID, o.parkThreshold)
	}
}

func (o *Orchestrator) deliverOnce(ctx context.Context, sub *Subscription, ch cache.Change, attempt int) error {
	if sub.Callback != nil {
		return sub.Callback(ch, attempt)
	}
	return o.transport.Deliver(ctx, sub, ch, attempt)
}
