// Package persona adapts Persona inquiries.
package persona

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"idmint/internal/verification/models"
	"idmint/internal/verification/providers"
	"idmint/internal/verification/providers/adapters"
)

const (
	ProviderID = "persona"

	// SignatureHeader carries "t=<unix>,v1=<hex hmac of t.body>".
	SignatureHeader = "Persona-Signature"

	// Tolerance bounds how old a signed webhook may be.
	Tolerance = 5 * time.Minute
)

// Config holds Persona credentials.
type Config struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	TemplateID    string
	HTTPClient    adapters.HTTPDoer
}

// Provider implements providers.Provider for Persona.
type Provider struct {
	secret  []byte
	adapter *adapters.HTTPAdapter
}

func New(cfg Config) (*Provider, error) {
	if cfg.WebhookSecret == "" {
		return nil, errors.New("persona webhook secret is required")
	}
	if cfg.TemplateID == "" {
		return nil, errors.New("persona inquiry template id is required")
	}
	return &Provider{
		secret: []byte(cfg.WebhookSecret),
		adapter: adapters.NewHTTPAdapter(adapters.HTTPAdapterConfig{
			ID:      ProviderID,
			BaseURL: strings.TrimRight(cfg.BaseURL, "/"),
			Path:    "/api/v1/inquiries",
			Headers: map[string]string{
				"Authorization":   "Bearer " + cfg.APIKey,
				"Persona-Version": "2023-01-05",
			},
			HTTPClient: cfg.HTTPClient,
			Body: func(internalID string) any {
				return map[string]any{
					"data": map[string]any{
						"attributes": map[string]any{
							"inquiry-template-id": cfg.TemplateID,
							"reference-id":        internalID,
						},
					},
				}
			},
			Parser: parseInquiry,
		}),
	}, nil
}

func (p *Provider) ID() string { return ProviderID }

func (p *Provider) CreateSession(ctx context.Context, internalID string) (*providers.SessionStart, error) {
	return p.adapter.CreateSession(ctx, internalID)
}

func parseInquiry(_ int, body []byte) (*providers.SessionStart, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("invalid json")
	}
	return &providers.SessionStart{
		ProviderSessionID: gjson.GetBytes(body, "data.id").String(),
		AuthToken:         gjson.GetBytes(body, "meta.session-token").String(),
	}, nil
}

// ValidateWebhook verifies the timestamped signature and rejects stale deliveries.
// Persona may list several v1 signatures during secret rotation.
func (p *Provider) ValidateWebhook(req providers.WebhookRequest) bool {
	ts, sigs := parseSignatureHeader(req.Header.Get(SignatureHeader))
	if ts == "" || len(sigs) == 0 {
		return false
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	age := req.ReceivedAt.Sub(time.Unix(unix, 0))
	if age > Tolerance || age < -Tolerance {
		return false
	}
	expected := providers.HMACHex(p.secret, []byte(ts), []byte("."), req.Body)
	for _, sig := range sigs {
		if providers.EqualHex(expected, sig) {
			return true
		}
	}
	return false
}

func parseSignatureHeader(h string) (string, []string) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	return ts, sigs
}

// ParseWebhookData normalizes an inquiry event.
func (p *Provider) ParseWebhookData(body []byte) (*providers.WebhookData, error) {
	if !gjson.ValidBytes(body) {
		return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "invalid json", nil)
	}
	event := gjson.GetBytes(body, "data.attributes")
	inquiry := event.Get("payload.data")
	attrs := inquiry.Get("attributes")

	data := &providers.WebhookData{
		ProviderSessionID: inquiry.Get("id").String(),
		InternalID:        attrs.Get("reference-id").String(),
		Decision:          decision(attrs.Get("status").String()),
		Metadata: map[string]string{
			"persona_event": event.Get("name").String(),
		},
	}
	if data.ProviderSessionID == "" {
		return nil, providers.NewProviderError(providers.ErrorBadData, ProviderID, "missing inquiry id", nil)
	}
	if data.Decision == providers.DecisionRejected {
		data.Reason = "inquiry " + attrs.Get("status").String()
	}
	if data.Decision != providers.DecisionApproved {
		return data, nil
	}

	data.VerifiedData = &models.VerifiedIdentity{
		FirstName:      attrs.Get("name-first").String(),
		MiddleName:     attrs.Get("name-middle").String(),
		LastName:       attrs.Get("name-last").String(),
		BirthDate:      attrs.Get("birthdate").String(),
		GovernmentID:   attrs.Get("identification-number").String(),
		IDType:         idClass(attrs.Get("identification-class").String()),
		State:          attrs.Get("address-subdivision").String(),
		ExpirationDate: attrs.Get("expiration-date").String(),
	}
	return data, nil
}

func decision(status string) providers.Decision {
	switch strings.ToLower(status) {
	case "approved":
		return providers.DecisionApproved
	case "declined", "failed", "expired":
		return providers.DecisionRejected
	default:
		return providers.DecisionPending
	}
}

func idClass(class string) models.IDType {
	switch strings.ToLower(class) {
	case "dl":
		return models.IDTypeDriversLicense
	case "pp":
		return models.IDTypePassport
	case "id":
		return models.IDTypeStateID
	case "nid":
		return models.IDTypeNationalID
	default:
		return models.IDType(strings.ToLower(class))
	}
}
