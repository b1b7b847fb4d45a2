package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"idmint/internal/verification/models"
	"idmint/internal/verification/providers"
	"idmint/internal/verification/service"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/platform/middleware/requesttime"
	"idmint/pkg/requestcontext"
)

// maxWebhookBytes caps provider notification bodies.
const maxWebhookBytes = 256 << 10

// VerificationService defines the operations used by the handler.
type VerificationService interface {
	CreateSession(ctx context.Context, providerID string) (*service.StartResult, error)
	GetSession(ctx context.Context, id string) (*service.SessionView, error)
	HandleWebhook(ctx context.Context, providerID string, req providers.WebhookRequest) error
}

// Handler serves verification session and webhook endpoints.
type Handler struct {
	service VerificationService
	logger  *slog.Logger
}

func New(svc VerificationService, logger *slog.Logger) *Handler {
	return &Handler{service: svc, logger: logger}
}

// Register mounts the handler routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/verification/sessions", h.HandleCreateSession)
	r.Get("/verification/sessions/{id}", h.HandleGetSession)
	r.Post("/verification/webhook", h.HandleWebhook)
}

// CreateSessionRequest optionally names the provider.
type CreateSessionRequest struct {
	Provider string `json:"provider"`
}

type CreateSessionResponse struct {
	SessionID         string    `json:"session_id"`
	Provider          string    `json:"provider"`
	ProviderSessionID string    `json:"provider_session_id"`
	AuthToken         string    `json:"auth_token,omitempty"`
	RedirectURL       string    `json:"redirect_url,omitempty"`
	Status            string    `json:"status"`
	ExpiresAt         time.Time `json:"expires_at"`
}

type SessionResponse struct {
	SessionID        string                   `json:"session_id"`
	Provider         string                   `json:"provider"`
	Status           string                   `json:"status"`
	CreatedAt        time.Time                `json:"created_at"`
	ExpiresAt        time.Time                `json:"expires_at"`
	RejectionReason  string                   `json:"rejection_reason,omitempty"`
	VerifiedData     *models.VerifiedIdentity `json:"verified_data,omitempty"`
	DataDigest       string                   `json:"data_digest,omitempty"`
	IntegrityToken   string                   `json:"integrity_token,omitempty"`
	TokenExpiresAt   *time.Time               `json:"integrity_token_expires_at,omitempty"`
	CredentialIssued bool                     `json:"credential_issued"`
	AssetID          string                   `json:"asset_id,omitempty"`
	Stage            string                   `json:"custody_stage"`
}

// HandleCreateSession handles POST /verification/sessions.
// An empty body selects the default provider.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req := &CreateSessionRequest{}
	if r.ContentLength != 0 {
		decoded, ok := httputil.DecodeJSON[CreateSessionRequest](w, r, h.logger, ctx, requestID)
		if !ok {
			return
		}
		req = decoded
	}

	res, err := h.service.CreateSession(ctx, req.Provider)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to create verification session", "error", err, "request_id", requestID)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, CreateSessionResponse{
		SessionID:         res.Session.ID,
		Provider:          res.Session.Provider,
		ProviderSessionID: res.Session.ProviderSessionID,
		AuthToken:         res.Start.AuthToken,
		RedirectURL:       res.Start.RedirectURL,
		Status:            string(res.Session.Status),
		ExpiresAt:         res.Session.ExpiresAt,
	})
}

// HandleGetSession handles GET /verification/sessions/{id}.
func (h *Handler) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "session id is required"))
		return
	}

	view, err := h.service.GetSession(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toSessionResponse(view))
}

func toSessionResponse(view *service.SessionView) SessionResponse {
	s := view.Session
	resp := SessionResponse{
		SessionID:        s.ID,
		Provider:         s.Provider,
		Status:           string(s.Status),
		CreatedAt:        s.CreatedAt,
		ExpiresAt:        s.ExpiresAt,
		RejectionReason:  s.RejectionReason,
		VerifiedData:     s.VerifiedData,
		DataDigest:       view.DataDigest,
		IntegrityToken:   view.IntegrityToken,
		CredentialIssued: s.CredentialIssued,
		Stage:            string(s.Stage()),
	}
	if !view.TokenExpiresAt.IsZero() {
		t := view.TokenExpiresAt
		resp.TokenExpiresAt = &t
	}
	if s.AssetID != 0 {
		resp.AssetID = httputil.FormatUint(s.AssetID)
	}
	return resp
}

// HandleWebhook handles POST /verification/webhook?provider=<id>.
// The raw body is passed through untouched because signatures cover its exact bytes.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	providerID := r.URL.Query().Get("provider")
	if providerID == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "provider query parameter is required"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unable to read webhook body"))
		return
	}

	err = h.service.HandleWebhook(ctx, providerID, providers.WebhookRequest{
		Header:     r.Header.Clone(),
		Body:       body,
		ReceivedAt: requesttime.Now(ctx),
	})
	if err != nil {
		h.logger.WarnContext(ctx, "webhook not applied",
			"provider", providerID,
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]bool{"received": true})
}
