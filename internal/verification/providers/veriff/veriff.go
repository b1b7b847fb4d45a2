// Package veriff adapts the Veriff hosted verification flow.
package veriff

import (
	"context"
	"errors"
	"strings"

	"github.com/tidwall/gjson"

	"idmint/internal/verification/models"
	"idmint/internal/verification/providers"
	"idmint/internal/verification/providers/adapters"
)

const (
	ProviderID = "veriff"

	// SignatureHeader carries the hex HMAC-SHA256 of the raw body.
	SignatureHeader = "X-HMAC-SIGNATURE"
	apiKeyHeader    = "X-AUTH-CLIENT"
)

// Config holds Veriff credentials.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	HTTPClient    adapters.HTTPDoer
}

// Provider implements providers.Provider for Veriff.
type Provider struct {
	secret  []byte
	adapter *adapters.HTTPAdapter
}

func New(cfg Config) (*Provider, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.New("veriff webhook secret is required")
	}
	return &Provider{
		secret: []byte(cfg.WebhookSecret),
		adapter: adapters.NewHTTPAdapter(adapters.HTTPAdapterConfig{
			ID:         ProviderID,
			BaseURL:    strings.TrimRight(cfg.BaseURL, "/"),
			Path:       "/v1/sessions",
			Headers:    map[string]string{apiKeyHeader: cfg.APIKey},
			HTTPClient: cfg.HTTPClient,
			Body: func(internalID string) any {
				return map[string]any{
					"verification": map[string]any{"vendorData": internalID},
				}
			},
			Parser: parseSession,
		}),
	}, nil
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) CreateSession(ctx context.Context, internalID string) (*providers.SessionStart, error) {
	return p.adapter.CreateSession(ctx, internalID)
}

func parseSession(_ int, body []byte) (*providers.SessionStart, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json")
	}
	v := gjson.GetBytes(body, "verification")
	return &providers.SessionStart{
		ProviderSessionID: v.Get("id").String(),
		AuthToken:         v.Get("sessionToken").String(),
		RedirectURL:       v.Get("url").String(),
	}, nil
}

// ValidateWebhook checks the body HMAC in SignatureHeader.
func (p *Provider) ValidateWebhook(req providers.WebhookRequest) bool {
	sig := req.Header.Get(SignatureHeader)
	if sig == "" {
		return false
	}
	return providers.EqualHex(providers.HMACHex(p.secret, req.Body), sig)
}

// ParseWebhookData normalizes a decision notification.
func (p *Provider) ParseWebhookData(body []byte) (*providers.WebhookData, error) {
	if !gjson.ValidBytes(body) {
		return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "invalid json", nil)
	}
	v := gjson.GetBytes(body, "verification")
	data := &providers.WebhookData{
		ProviderSessionID: v.Get("id").String(),
		InternalID:        v.Get("vendorData").String(),
		Decision:          decision(v.Get("status").String()),
		Reason:            v.Get("reason").String(),
		Metadata: map[string]string{
			"veriff_code": v.Get("code").String(),
		},
	}
	if data.ProviderSessionID == "" {
		return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "missing verification id", nil)
	}
	if data.Decision != providers.DecisionApproved {
		return data, nil
	}

	person := v.Get("person")
	doc := v.Get("document")
	data.VerifiedData = &models.VerifiedIdentity{
		FirstName:      person.Get("firstName").String(),
		MiddleName:     person.Get("middleName").String(),
		LastName:       person.Get("lastName").String(),
		BirthDate:      person.Get("dateOfBirth").String(),
		GovernmentID:   doc.Get("number").String(),
		IDType:         documentType(doc.Get("type").String()),
		State:          firstNonEmpty(doc.Get("state").String(), doc.Get("country").String()),
		ExpirationDate: doc.Get("validUntil").String(),
	}
	return data, nil
}

func decision(status string) providers.Decision {
	switch strings.ToLower(status) {
	case "approved":
		return providers.DecisionApproved
	case "declined", "expired", "abandoned":
		return providers.DecisionRejected
	default:
		return providers.DecisionPending
	}
}

func documentType(t string) models.IDType {
	switch strings.ToUpper(t) {
	case "DRIVERS_LICENSE":
		return models.IDTypeDriversLicense
	case "PASSPORT":
		return models.IDTypePassport
	case "ID_CARD":
		return models.IDTypeNationalID
	case "RESIDENCE_PERMIT", "STATE_ID":
		return models.IDTypeStateID
	default:
		return models.IDType(strings.ToLower(t))
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
