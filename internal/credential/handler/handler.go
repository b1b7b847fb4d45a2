package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/tidwall/gjson"

	"idmint/internal/credential"
	"idmint/internal/ledger"
	"idmint/internal/registry/models"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/requestcontext"
)

const maxCredentialBytes = 64 << 10

// SchemaValidator checks a document against the published credential schema.
type SchemaValidator interface {
	Validate(doc []byte) error
}

// Registry answers issuer and revocation questions.
type Registry interface {
	IsAuthorized(ctx context.Context, address string) (bool, error)
	CredentialStatus(ctx context.Context, credentialID, issuer string, issuedAt time.Time) (*models.CredentialStatus, error)
}

// Handler verifies credentials presented by relying parties.
type Handler struct {
	schema   SchemaValidator
	registry Registry
	logger   *slog.Logger
}

func New(schema SchemaValidator, registry Registry, logger *slog.Logger) *Handler {
	return &Handler{schema: schema, registry: registry, logger: logger}
}

// Register mounts the handler routes on the given router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/credentials/verify", h.HandleVerify)
}

type Checks struct {
	Schema           bool `json:"schema"`
	Signature        bool `json:"signature"`
	IssuerAuthorized bool `json:"issuer_authorized"`
	NotRevoked       bool `json:"not_revoked"`
}

type VerifyResponse struct {
	Valid        bool     `json:"valid"`
	CredentialID string   `json:"credential_id,omitempty"`
	Issuer       string   `json:"issuer,omitempty"`
	Holder       string   `json:"holder,omitempty"`
	Checks       Checks   `json:"checks"`
	Problems     []string `json:"problems,omitempty"`
}

// HandleVerify handles POST /credentials/verify. The body is the credential
// document exactly as issued. A well-formed document always gets a 200 with
// a per-check verdict.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	doc, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCredentialBytes))
	if err != nil || !gjson.ValidBytes(doc) {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "body must be a JSON credential document"))
		return
	}

	resp := VerifyResponse{
		CredentialID: gjson.GetBytes(doc, "id").String(),
		Issuer:       gjson.GetBytes(doc, "issuer").String(),
		Holder:       gjson.GetBytes(doc, "credentialSubject.id").String(),
	}

	if err := h.schema.Validate(doc); err != nil {
		resp.Problems = append(resp.Problems, err.Error())
	} else {
		resp.Checks.Schema = true
	}

	if err := credential.Verify(doc); err != nil {
		resp.Problems = append(resp.Problems, err.Error())
	} else {
		resp.Checks.Signature = true
	}

	issuerAddr, err := ledger.AddressFromDID(resp.Issuer)
	if err != nil {
		resp.Problems = append(resp.Problems, "issuer is not a ledger identifier")
	} else if err := h.checkRegistry(ctx, doc, resp.CredentialID, issuerAddr, &resp); err != nil {
		h.logger.ErrorContext(ctx, "registry lookup failed during verification",
			"error", err,
			"request_id", requestcontext.RequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}

	c := resp.Checks
	resp.Valid = c.Schema && c.Signature && c.IssuerAuthorized && c.NotRevoked
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) checkRegistry(ctx context.Context, doc []byte, credentialID, issuer string, resp *VerifyResponse) error {
	authorized, err := h.registry.IsAuthorized(ctx, issuer)
	if err != nil {
		return err
	}
	resp.Checks.IssuerAuthorized = authorized
	if !authorized {
		resp.Problems = append(resp.Problems, "issuer is not currently authorized")
	}

	issuedAt, err := time.Parse(time.RFC3339, gjson.GetBytes(doc, "issuanceDate").String())
	if err != nil {
		resp.Problems = append(resp.Problems, "issuanceDate is not RFC 3339")
		return nil
	}
	status, err := h.registry.CredentialStatus(ctx, credentialID, issuer, issuedAt)
	if err != nil {
		return err
	}
	resp.Checks.NotRevoked = !status.Revoked
	if status.Revoked {
		resp.Problems = append(resp.Problems, status.Reason)
	}
	return nil
}
