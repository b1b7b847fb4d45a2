package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"idmint/internal/ledger"
	"idmint/internal/registry/models"
	"idmint/internal/registry/service"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/requestcontext"
)

// Registry is the read side of the registry service.
type Registry interface {
	IsAuthorized(ctx context.Context, address string) (bool, error)
	GetIssuerInfo(ctx context.Context, address string) (*models.IssuerInfo, error)
	QueryCredential(ctx context.Context, credentialID string) (*models.CredentialRevocation, error)
	Stats(ctx context.Context) (*models.Stats, error)
}

// Executor applies signed admin envelopes.
type Executor interface {
	Execute(ctx context.Context, req service.SignedRequest) error
}

// Handler serves the registry admin and lookup endpoints.
type Handler struct {
	registry Registry
	executor Executor
	logger   *slog.Logger
}

func New(registry Registry, executor Executor, logger *slog.Logger) *Handler {
	return &Handler{registry: registry, executor: executor, logger: logger}
}

// Register mounts the handler routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/registry/admin", h.HandleAdmin)
	r.Get("/registry/stats", h.HandleStats)
	r.Get("/registry/issuers/{address}", h.HandleGetIssuer)
	r.Get("/registry/issuers/{address}/authorized", h.HandleIsAuthorized)
	r.Get("/registry/credentials/{id}", h.HandleQueryCredential)
}

// AdminRequest is a SignedRequest as received over HTTP.
type AdminRequest struct {
	service.SignedRequest
}

func (r *AdminRequest) Validate() error {
	if r.Envelope.Op == "" || r.Envelope.Sender == "" || r.Signature == "" {
		return dErrors.New(dErrors.CodeBadRequest, "envelope op, sender and signature are required")
	}
	if len(r.Envelope.Params) == 0 {
		return dErrors.New(dErrors.CodeBadRequest, "envelope params are required")
	}
	return nil
}

type AdminResponse struct {
	Op      string `json:"op"`
	Applied bool   `json:"applied"`
}

type AuthorizedResponse struct {
	Address    string `json:"address"`
	Authorized bool   `json:"authorized"`
}

type IssuerResponse struct {
	Address        string          `json:"address"`
	Active         bool            `json:"active"`
	AddedAt        time.Time       `json:"added_at"`
	RevokedAt      *time.Time      `json:"revoked_at,omitempty"`
	RevokeAllPrior bool            `json:"revoke_all_prior"`
	VouchedBy      string          `json:"vouched_by,omitempty"`
	Metadata       models.Metadata `json:"metadata"`
}

type StatsResponse struct {
	IssuerCount string `json:"issuer_count"`
	Admin       string `json:"admin"`
}

// HandleAdmin handles POST /registry/admin.
func (h *Handler) HandleAdmin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[AdminRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.executor.Execute(ctx, req.SignedRequest); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AdminResponse{Op: string(req.Envelope.Op), Applied: true})
}

// HandleIsAuthorized handles GET /registry/issuers/{address}/authorized.
// Unknown and malformed addresses are simply not authorized.
func (h *Handler) HandleIsAuthorized(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")

	ok, err := h.registry.IsAuthorized(ctx, address)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, AuthorizedResponse{Address: address, Authorized: ok})
}

// HandleGetIssuer handles GET /registry/issuers/{address}.
func (h *Handler) HandleGetIssuer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	address := chi.URLParam(r, "address")
	if err := ledger.ValidateAddress(address); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid issuer address"))
		return
	}

	info, err := h.registry.GetIssuerInfo(ctx, address)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	resp := IssuerResponse{
		Address:        info.Address,
		Active:         info.Active,
		AddedAt:        info.AddedAt,
		RevokeAllPrior: info.RevokeAllPrior,
		VouchedBy:      info.VouchedBy,
		Metadata:       info.Metadata,
	}
	if !info.RevokedAt.IsZero() {
		t := info.RevokedAt
		resp.RevokedAt = &t
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

// HandleQueryCredential handles GET /registry/credentials/{id}.
func (h *Handler) HandleQueryCredential(w http.ResponseWriter, r *http.Request) {
	rev, err := h.registry.QueryCredential(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, rev)
}

// HandleStats handles GET /registry/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.registry.Stats(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, StatsResponse{
		IssuerCount: httputil.FormatUint(stats.IssuerCount),
		Admin:       stats.Admin,
	})
}
