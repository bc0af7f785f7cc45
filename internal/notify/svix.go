package notify

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	svix "github.com/svix/svix-webhooks/go"
	"github.com/svix/svix-webhooks/go/models"

	"barterengine/internal/cache"
)

// SvixTransport hands webhook traffic to Svix, which owns signing and
// its own retry schedule on top of the orchestrator's. One Svix
// application is provisioned lazily per tenant, keyed by the tenant id
// so a restarted engine finds it again; endpoints map one-to-one to
// URL subscriptions, with the Svix endpoint id carried on the
// subscription record.
type SvixTransport struct {
	client *svix.Svix

	// apps remembers which tenants already have an application, so the
	// get-or-create round trip runs once per tenant per process.
	mu   sync.Mutex
	apps map[string]struct{}
}

var _ Transport = (*SvixTransport)(nil)

// NewSvixTransport connects to Svix. An empty serverURL means the
// hosted cloud endpoint.
func NewSvixTransport(authToken, serverURL string) (*SvixTransport, error) {
	var opts *svix.SvixOptions
	if serverURL != "" {
		u, err := url.Parse(serverURL)
		if err != nil {
			return nil, fmt.Errorf("svix server url %q: %w", serverURL, err)
		}
		opts = &svix.SvixOptions{ServerUrl: u}
	}
	client, err := svix.New(authToken, opts)
	if err != nil {
		return nil, fmt.Errorf("svix client: %w", err)
	}
	return &SvixTransport{client: client, apps: make(map[string]struct{})}, nil
}

// Register provisions a Svix endpoint for the subscription and records
// its id on the subscription so Deregister can release it later.
func (s *SvixTransport) Register(ctx context.Context, sub *Subscription) error {
	if sub.URL == "" {
		return nil
	}
	if err := s.ensureApplication(ctx, sub.Tenant); err != nil {
		return err
	}
	ep, err := s.client.Endpoint.Create(ctx, sub.Tenant, models.EndpointIn{Url: sub.URL}, nil)
	if err != nil {
		return fmt.Errorf("provision endpoint for subscription %s: %w", sub.ID, err)
	}
	sub.ProviderEndpointID = ep.Id
	return nil
}

// Deliver publishes the change into the tenant's application; Svix
// fans it out to the registered endpoints with its own signing and
// retry schedule.
func (s *SvixTransport) Deliver(ctx context.Context, sub *Subscription, ch cache.Change, attempt int) error {
	if err := s.ensureApplication(ctx, sub.Tenant); err != nil {
		return err
	}
	_, err := s.client.Message.Create(ctx, sub.Tenant, models.MessageIn{
		EventType: string(ch.Kind),
		Payload:   changePayload(ch, attempt),
	}, nil)
	if err != nil {
		return fmt.Errorf("publish %s for loop %s: %w", ch.Kind, ch.LoopID, err)
	}
	return nil
}

// Deregister releases the subscription's Svix endpoint, if one was
// provisioned.
func (s *SvixTransport) Deregister(ctx context.Context, sub *Subscription) error {
	if sub.ProviderEndpointID == "" {
		return nil
	}
	if err := s.client.Endpoint.Delete(ctx, sub.Tenant, sub.ProviderEndpointID); err != nil {
		return fmt.Errorf("release endpoint for subscription %s: %w", sub.ID, err)
	}
	sub.ProviderEndpointID = ""
	return nil
}

// ensureApplication creates the tenant's application on first use. The
// tenant id doubles as the Svix application UID, so the lookup is
// idempotent across engine restarts.
func (s *SvixTransport) ensureApplication(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	_, ok := s.apps[tenantID]
	s.mu.Unlock()
	if ok {
		return nil
	}

	uid := tenantID
	_, err := s.client.Application.GetOrCreate(ctx, models.ApplicationIn{
		Name: "tenant " + tenantID,
		Uid:  &uid,
	}, nil)
	if err != nil {
		return fmt.Errorf("application for tenant %s: %w", tenantID, err)
	}

	s.mu.Lock()
	s.apps[tenantID] = struct{}{}
	s.mu.Unlock()
	return nil
}
