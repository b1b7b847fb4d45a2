package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"idmint/internal/ratelimit/models"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/platform/middleware/admin"
	"idmint/pkg/platform/privacy"
	"idmint/pkg/requestcontext"
)

// Service is the subset of the limiter operators use.
type Service interface {
	Status(ctx context.Context, scope models.Scope, identity string) (*models.Result, error)
	Reset(ctx context.Context, scope models.Scope, identity string) error
}

// Handler exposes operator endpoints for issuance quotas. Mount it behind
// admin.RequireAdminToken.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterAdmin registers the operator routes.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Get("/admin/rate-limit/{identity}", h.HandleStatus)
	r.Post("/admin/rate-limit/reset", h.HandleReset)
}

type ResetRequest struct {
	Identity string `json:"identity"`
}

func (r *ResetRequest) Sanitize() {
	r.Identity = strings.TrimSpace(r.Identity)
}

func (r *ResetRequest) Validate() error {
	if r.Identity == "" {
		return dErrors.New(dErrors.CodeValidation, "identity is required")
	}
	return nil
}

type StatusResponse struct {
	Identity  string    `json:"identity"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// HandleStatus handles GET /admin/rate-limit/{identity}.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity := chi.URLParam(r, "identity")

	res, err := h.service.Status(ctx, models.ScopeIssuance, identity)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatusResponse{
		Identity:  identity,
		Limit:     res.Limit,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
	})
}

// HandleReset handles POST /admin/rate-limit/reset.
func (h *Handler) HandleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[ResetRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.service.Reset(ctx, models.ScopeIssuance, req.Identity); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "issuance quota reset by operator",
		"identity", privacy.RedactAddress(req.Identity),
		"operator", admin.Operator(ctx),
		"request_id", requestID,
	)
	w.WriteHeader(http.StatusNoContent)
}
