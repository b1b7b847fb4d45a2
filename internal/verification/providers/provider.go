package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"idmint/internal/verification/models"
)

// Decision is the normalized outcome carried by a provider webhook.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	// DecisionPending covers intermediate notifications (started, submitted) that
	// do not move the session.
	DecisionPending Decision = "pending"
)

// SessionStart is returned when a provider session is opened for a user.
type SessionStart struct {
	ProviderSessionID string
	// AuthToken is handed to the client SDK to run the capture flow.
	AuthToken string
	// RedirectURL is set by providers with a hosted flow.
	RedirectURL string
}

// WebhookRequest is the raw inbound notification. Body must be the exact bytes
// received, since signatures are computed over them.
type WebhookRequest struct {
	Header     http.Header
	Body       []byte
	ReceivedAt time.Time
}

// WebhookData is a provider notification normalized to the session vocabulary.
type WebhookData struct {
	ProviderSessionID string
	// InternalID echoes the id passed to CreateSession when the provider supports it.
	InternalID   string
	Decision     Decision
	Reason       string
	VerifiedData *models.VerifiedIdentity
	Metadata     map[string]string
}

// Provider is the capability every verification backend implements.
//
// ValidateWebhook must return false unless the request's authenticity is
// cryptographically established. Sessions are only touched after it returns true.
type Provider interface {
	ID() string
	CreateSession(ctx context.Context, internalID string) (*SessionStart, error)
	ValidateWebhook(req WebhookRequest) bool
	ParseWebhookData(body []byte) (*WebhookData, error)
}

// Registry maintains the configured providers indexed by ID.
// Register every provider during initialization; lookups are not synchronized.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register adds a provider. Returns an error if the ID is already taken.
func (r *Registry) Register(p Provider) error {
	id := p.ID()
	if _, exists := r.providers[id]; exists {
		return fmt.Errorf("provider %s already registered", id)
	}
	r.providers[id] = p
	return nil
}

func (r *Registry) Get(id string) (Provider, bool) {
	p, ok := r.providers[id]
	return p, ok
}

// IDs returns the registered provider IDs in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
