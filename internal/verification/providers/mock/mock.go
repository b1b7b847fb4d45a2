// Package mock is a verification provider that performs no verification. It
// exists for local and test environments and refuses to start in production.
package mock

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"idmint/internal/verification/models"
	"idmint/internal/verification/providers"
)

const ProviderID = "mock"

type Provider struct{}

// New returns the mock provider only when allow is set outside production.
func New(allow, production bool) (*Provider, error) {
	if !allow || production {
		return nil, providers.ErrMockDisabled
	}
	return &Provider{}, nil
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) CreateSession(_ context.Context, internalID string) (*providers.SessionStart, error) {
	return &providers.SessionStart{
		ProviderSessionID: "mock_" + uuid.NewString(),
		AuthToken:         "mock-token-" + internalID,
	}, nil
}

// ValidateWebhook accepts every request.
func (p *Provider) ValidateWebhook(providers.WebhookRequest) bool {
	return true
}

// ParseWebhookData reads the normalized shape directly:
//
//	{"provider_session_id": "...", "status": "approved", "verified_data": {...}}
func (p *Provider) ParseWebhookData(body []byte) (*providers.WebhookData, error) {
	if !gjson.ValidBytes(body) {
		return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "invalid json", nil)
	}
	root := gjson.ParseBytes(body)
	data := &providers.WebhookData{
		ProviderSessionID: root.Get("provider_session_id").String(),
		InternalID:        root.Get("session_id").String(),
		Reason:            root.Get("reason").String(),
	}
	switch root.Get("status").String() {
	case "approved":
		data.Decision = providers.DecisionApproved
	case "rejected":
		data.Decision = providers.DecisionRejected
	default:
		data.Decision = providers.DecisionPending
	}
	if md := root.Get("metadata"); md.IsObject() {
		data.Metadata = make(map[string]string)
		md.ForEach(func(k, v gjson.Result) bool {
			data.Metadata[k.String()] = v.String()
			return true
		})
	}
	if vd := root.Get("verified_data"); vd.IsObject() {
		var identity models.VerifiedIdentity
		if err := json.Unmarshal([]byte(vd.Raw), &identity); err != nil {
			return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "invalid verified_data", err)
		}
		data.VerifiedData = &identity
	}
	if data.ProviderSessionID == "" {
		return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "missing provider_session_id", nil)
	}
	return data, nil
}
