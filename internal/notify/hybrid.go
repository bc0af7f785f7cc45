package notify

import (
	"context"
	"log"

	"barterengine/internal/cache"
)

// HybridTransport prefers Svix (hosted signing and retries) and falls
// back to direct POSTs when Svix is unreachable or the subscription
// never got a hosted endpoint. A subscription's ProviderEndpointID
// records which leg it rides.
type HybridTransport struct {
	svix   *SvixTransport
	direct *DirectTransport
}

var _ Transport = (*HybridTransport)(nil)

func NewHybridTransport(svix *SvixTransport, direct *DirectTransport) *HybridTransport {
	return &HybridTransport{svix: svix, direct: direct}
}

// Register tries to provision a hosted endpoint; on failure the
// subscription stays on the direct leg rather than being rejected.
func (h *HybridTransport) Register(ctx context.Context, sub *Subscription) error {
	if err := h.svix.Register(ctx, sub); err != nil {
		log.Printf("[notify/hybrid] svix registration failed for sub=%s: %v (staying direct)", sub.ID, err)
	}
	return nil
}

func (h *HybridTransport) Deliver(ctx context.Context, sub *Subscription, ch cache.Change, attempt int) error {
	if sub.ProviderEndpointID == "" {
		return h.direct.Deliver(ctx, sub, ch, attempt)
	}
	if err := h.svix.Deliver(ctx, sub, ch, attempt); err != nil {
		log.Printf("[notify/hybrid] svix delivery failed for sub=%s: %v (falling back to direct)", sub.ID, err)
		return h.direct.Deliver(ctx, sub, ch, attempt)
	}
	return nil
}

func (h *HybridTransport) Deregister(ctx context.Context, sub *Subscription) error {
	if err := h.svix.Deregister(ctx, sub); err != nil {
		log.Printf("[notify/hybrid] svix deregistration failed for sub=%s: %v (continuing)", sub.ID, err)
	}
	return h.direct.Deregister(ctx, sub)
}
