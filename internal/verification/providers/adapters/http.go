package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"idmint/internal/verification/providers"
)

// maxResponseBytes caps provider responses read into memory.
const maxResponseBytes = 1 << 20

// HTTPDoer is the minimal interface needed from an HTTP client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// SessionParser converts a provider's session-creation response.
type SessionParser func(statusCode int, body []byte) (*providers.SessionStart, error)

// BodyBuilder builds the JSON body for a session-creation request.
type BodyBuilder func(internalID string) any

// HTTPAdapterConfig configures an HTTPAdapter.
type HTTPAdapterConfig struct {
	ID         string
	BaseURL    string
	Path       string
	Headers    map[string]string
	Timeout    time.Duration
	HTTPClient HTTPDoer
	Body       BodyBuilder
	Parser     SessionParser
}

// HTTPAdapter opens verification sessions against a provider's REST API.
type HTTPAdapter struct {
	id      string
	url     string
	headers map[string]string
	client  HTTPDoer
	body    BodyBuilder
	parser  SessionParser
}

func NewHTTPAdapter(cfg HTTPAdapterConfig) *HTTPAdapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		id:      cfg.ID,
		url:     cfg.BaseURL + cfg.Path,
		headers: cfg.Headers,
		client:  selectHTTPClient(cfg),
		body:    cfg.Body,
		parser:  cfg.Parser,
	}
}

func selectHTTPClient(cfg HTTPAdapterConfig) HTTPDoer {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return &http.Client{
		Timeout: cfg.Timeout,
	}
}

// CreateSession posts the session request and classifies failures into ProviderErrors.
func (a *HTTPAdapter) CreateSession(ctx context.Context, internalID string) (*providers.SessionStart, error) {
	payload, err := json.Marshal(a.body(internalID))
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, a.id, "failed to marshal request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(payload))
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorInternal, a.id, "failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range a.headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, providers.NewProviderError(providers.ErrorTimeout, a.id, "request timeout", err)
		}
		return nil, providers.NewProviderError(providers.ErrorProviderOutage, a.id, "failed to execute request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, a.id, "failed to read response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return nil, providers.NewProviderError(providers.ErrorAuthentication, a.id,
			fmt.Sprintf("authentication failed: %d", resp.StatusCode), nil)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, providers.NewProviderError(providers.ErrorRateLimited, a.id, "rate limit exceeded", nil)
	case resp.StatusCode >= http.StatusInternalServerError:
		return nil, providers.NewProviderError(providers.ErrorProviderOutage, a.id,
			fmt.Sprintf("provider unavailable: %d", resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusBadRequest:
		return nil, providers.NewProviderError(providers.ErrorContractMismatch, a.id,
			fmt.Sprintf("request rejected: %d", resp.StatusCode), nil)
	}

	start, err := a.parser(resp.StatusCode, body)
	if err != nil {
		return nil, providers.NewProviderError(providers.ErrorBadData, a.id, "failed to parse response", err)
	}
	if start.ProviderSessionID == "" {
		return nil, providers.NewProviderError(providers.ErrorBadData, a.id, "response carried no session id", nil)
	}
	return start, nil
}
