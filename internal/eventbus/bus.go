package eventbus

import (
	"sync"
	"time"
)

// Event kinds routed through the bus. Graph mutations use the nft.*/want.*
// kinds; the active loop cache publishes loop.* kinds for subscribers.
const (
	KindNFTAdded    = "nft.added"
	KindNFTRemoved  = "nft.removed"
	KindWantAdded   = "want.added"
	KindWantRemoved = "want.removed"
	KindLoopAdded   = "loop.added"
	KindLoopRemoved = "loop.removed"
	// KindRediscover is an internal kind enqueued when a discovery task
	// was dropped on a stale generation or a panic; it forces the
	// affected community (or the whole graph) to be re-examined.
	KindRediscover = "rediscover"
)

// Event is one tenant-scoped change routed through the bus. Generation
// is the tenant's monotonic mutation counter at emission time.
type Event struct {
	Tenant     string
	Kind       string
	Generation uint64
	Timestamp  time.Time

	// Affected entity identifiers. Which fields are set depends on Kind.
	WalletID     string
	NFTID        string
	CollectionID string
	// PriorOwner is set on nft.added when the NFT already existed; it
	// equals WalletID when the same owner resubmitted it with changes.
	PriorOwner string

	Data interface{}
}

// Bus is an in-process event bus that routes events to subscribers
// based on event kind. It uses Go channels for delivery and is
// safe for concurrent use.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan<- Event
	closed      bool
}

// New creates a new Bus ready for use.
func New() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan<- Event),
	}
}

// Subscribe registers a channel to receive events of the given kind.
// The caller is responsible for creating the channel with sufficient
// buffer capacity; slow subscribers will have events dropped.
func (b *Bus) Subscribe(kind string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[kind] = append(b.subscribers[kind], ch)
}

// Unsubscribe removes a previously registered channel for the given kind.
func (b *Bus) Unsubscribe(kind string, ch chan<- Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[kind]
	for i, c := range subs {
		if c == ch {
			b.subscribers[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish sends an event to all subscribers registered for that kind.
// If a subscriber's channel is full, the event is dropped for that
// subscriber. Publish is a no-op after Close has been called.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subscribers[evt.Kind] {
		select {
		case ch <- evt:
		default:
			// drop if subscriber is slow
		}
	}
}

// Close marks the bus as closed. After Close, Publish is a no-op.
// Close does not close subscriber channels; that is the caller's responsibility.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
