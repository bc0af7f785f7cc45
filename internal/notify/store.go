package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"barterengine/internal/cache"
	"barterengine/internal/domain"
)

// Callback is an in-process subscriber. attempt starts at 1 and counts
// delivery tries for this change.
type Callback func(change cache.Change, attempt int) error

// Subscription is one registered change sink. Exactly one of URL and
// Callback is set.
type Subscription struct {
	ID     string
	Tenant string

	URL      string
	Callback Callback

	// ProviderEndpointID is backend state set by Transport.Register
	// (e.g. the hosted endpoint provisioned for this URL). Empty for
	// callback and direct-only subscriptions.
	ProviderEndpointID string

	// Wallets/NFTs scope the subscription: only changes to loops
	// touching one of them are delivered. Both empty means everything.
	Wallets map[string]struct{}
	NFTs    map[string]struct{}

	CreatedAt time.Time
}

// matches reports whether the change is in the subscription's scope.
func (s *Subscription) matches(ch cache.Change) bool {
	if s.Tenant != ch.Tenant {
		return false
	}
	if len(s.Wallets) == 0 && len(s.NFTs) == 0 {
		return true
	}
	if ch.Loop == nil {
		return false
	}
	for _, w := range ch.Loop.Participants {
		if _, ok := s.Wallets[w]; ok {
			return true
		}
	}
	for _, st := range ch.Loop.Steps {
		if _, ok := s.NFTs[st.NFTID]; ok {
			return true
		}
	}
	return false
}

// subState is the store's retry bookkeeping for one subscription.
type subState struct {
	sub                 *Subscription
	consecutiveFailures int
	parked              bool
	parkedAt            time.Time
}

// Store holds subscriptions and their parking state in memory.
type Store struct {
	mu   sync.RWMutex
	subs map[string]*subState
}

func NewStore() *Store {
	return &Store{subs: make(map[string]*subState)}
}

// Create registers a subscription and returns its id.
func (s *Store) Create(sub Subscription) (string, error) {
	if sub.Tenant == "" {
		return "", domain.Errf(domain.KindInvalidInput, "subscription has no tenant")
	}
	if (sub.URL == "") == (sub.Callback == nil) {
		return "", domain.Errf(domain.KindInvalidInput, "subscription must set exactly one of url or callback")
	}
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	sub.CreatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subs[sub.ID]; exists {
		return "", domain.Errf(domain.KindInvalidInput, "subscription %s already exists", sub.ID)
	}
	s.subs[sub.ID] = &subState{sub: &sub}
	return sub.ID, nil
}

// Delete removes a subscription. Unknown ids are a no-op.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, id)
}

// Get returns the subscription, or nil.
func (s *Store) Get(id string) *Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.subs[id]; ok {
		return st.sub
	}
	return nil
}

// Active returns the unparked subscriptions matching the change.
func (s *Store) Active(ch cache.Change) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, st := range s.subs {
		if !st.parked && st.sub.matches(ch) {
			out = append(out, st.sub)
		}
	}
	return out
}

// RecordResult updates failure counters; after threshold consecutive
// failures the subscription is parked. Returns true if this call parked
// it.
func (s *Store) RecordResult(id string, ok bool, parkThreshold int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.subs[id]
	if !found {
		return false
	}
	if ok {
		st.consecutiveFailures = 0
		return false
	}
	st.consecutiveFailures++
	if !st.parked && st.consecutiveFailures >= parkThreshold {
		st.parked = true
		st.parkedAt = time.Now()
		return true
	}
	return false
}

// Unpark re-enables a parked subscription and resets its counter.
func (s *Store) Unpark(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.subs[id]
	if !ok || !st.parked {
		return false
	}
	st.parked = false
	st.consecutiveFailures = 0
	return true
}

// Parked reports whether the subscription is parked.
func (s *Store) Parked(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.subs[id]
	return ok && st.parked
}

// DeleteTenant drops every subscription belonging to the tenant.
func (s *Store) DeleteTenant(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, st := range s.subs {
		if st.sub.Tenant == tenant {
			delete(s.subs, id)
		}
	}
}
