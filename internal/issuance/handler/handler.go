package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"idmint/internal/issuance/models"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/httputil"
	"idmint/pkg/requestcontext"
	s "idmint/pkg/string"
)

// Service defines the interface for the issuance protocol.
type Service interface {
	Issue(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error)
	Continue(ctx context.Context, req models.ContinueRequest) (*models.ContinueResult, error)
}

// Handler exposes the two issuance entry points.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// Register mounts the handler routes on the given router. issueMiddleware
// wraps only the issue route, which is the one that spends issuer funds.
func (h *Handler) Register(r chi.Router, issueMiddleware ...func(http.Handler) http.Handler) {
	r.With(issueMiddleware...).Post("/credentials/issue", h.HandleIssue)
	r.Post("/credentials/continue", h.HandleContinue)
}

type PersonalData struct {
	FirstName      string `json:"firstName"`
	MiddleName     string `json:"middleName"`
	LastName       string `json:"lastName"`
	BirthDate      string `json:"birthDate"`
	GovernmentID   string `json:"governmentId"`
	IDType         string `json:"idType"`
	State          string `json:"state"`
	ExpirationDate string `json:"expirationDate,omitempty"`
}

type NFT struct {
	AssetID       string `json:"assetId"`
	RequiresOptIn bool   `json:"requiresOptIn"`
}

type Blockchain struct {
	MintTxID    string `json:"mintTxId"`
	FundingTxID string `json:"fundingTxId,omitempty"`
	Network     string `json:"network"`
}

type DuplicateDetection struct {
	DuplicateCount    int      `json:"duplicateCount"`
	IsDuplicate       bool     `json:"isDuplicate"`
	DuplicateAssetIDs []string `json:"duplicateAssetIds"`
	Unknown           bool     `json:"unknown,omitempty"`
}

// IssueResponse carries the signed credential exactly as issued.
type IssueResponse struct {
	Credential         json.RawMessage    `json:"credential"`
	PersonalData       PersonalData       `json:"personalData"`
	NFT                NFT                `json:"nft"`
	Blockchain         Blockchain         `json:"blockchain"`
	DuplicateDetection DuplicateDetection `json:"duplicateDetection"`
	Recovered          bool               `json:"recovered,omitempty"`
}

// ContinueRequest is the wire form of models.ContinueRequest.
type ContinueRequest struct {
	SessionID     string `json:"verificationSessionId"`
	AssetID       string `json:"assetId"`
	WalletAddress string `json:"walletAddress"`
}

func (r *ContinueRequest) Sanitize() {
	s.TrimStrings(&r.SessionID, &r.AssetID, &r.WalletAddress)
}

func (r *ContinueRequest) toModel() (models.ContinueRequest, error) {
	assetID, err := httputil.ParseUint(r.AssetID)
	if err != nil {
		return models.ContinueRequest{}, dErrors.New(dErrors.CodeValidation, "assetId must be a decimal string")
	}
	req := models.ContinueRequest{
		SessionID:     r.SessionID,
		AssetID:       assetID,
		WalletAddress: r.WalletAddress,
	}
	return req, req.Validate()
}

type ContinueResponse struct {
	AssetID      string `json:"assetId"`
	TransferTxID string `json:"transferTxId"`
	FreezeTxID   string `json:"freezeTxId"`
	Network      string `json:"network"`
}

// HandleIssue handles POST /credentials/issue.
func (h *Handler) HandleIssue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	req, ok := httputil.DecodeAndPrepare[models.IssueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}

	result, err := h.service.Issue(ctx, *req)
	if err != nil {
		h.logger.WarnContext(ctx, "credential issuance failed",
			"session_id", req.SessionID,
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, toIssueResponse(result))
}

// HandleContinue handles POST /credentials/continue, called once the holder
// has opted in to the minted asset.
func (h *Handler) HandleContinue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	wire, ok := httputil.DecodeJSON[ContinueRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	wire.Sanitize()
	req, err := wire.toModel()
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	result, err := h.service.Continue(ctx, req)
	if err != nil {
		h.logger.WarnContext(ctx, "credential custody failed",
			"session_id", req.SessionID,
			"asset_id", req.AssetID,
			"error", err,
			"request_id", requestID,
		)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, ContinueResponse{
		AssetID:      httputil.FormatUint(result.AssetID),
		TransferTxID: result.TransferTxID,
		FreezeTxID:   result.FreezeTxID,
		Network:      result.Network,
	})
}

func toIssueResponse(res *models.IssueResult) IssueResponse {
	pd := res.PersonalData
	return IssueResponse{
		Credential: json.RawMessage(res.Signed.Document),
		PersonalData: PersonalData{
			FirstName:      pd.FirstName,
			MiddleName:     pd.MiddleName,
			LastName:       pd.LastName,
			BirthDate:      pd.BirthDate,
			GovernmentID:   pd.GovernmentID,
			IDType:         string(pd.IDType),
			State:          pd.State,
			ExpirationDate: pd.ExpirationDate,
		},
		NFT: NFT{
			AssetID:       httputil.FormatUint(res.AssetID),
			RequiresOptIn: res.RequiresOptIn,
		},
		Blockchain: Blockchain{
			MintTxID:    res.MintTxID,
			FundingTxID: res.FundingTxID,
			Network:     res.Network,
		},
		DuplicateDetection: DuplicateDetection{
			DuplicateCount:    res.Duplicates.Count,
			IsDuplicate:       res.Duplicates.IsDup,
			DuplicateAssetIDs: lo.Map(res.Duplicates.AssetIDs, func(id uint64, _ int) string { return httputil.FormatUint(id) }),
			Unknown:           res.Duplicates.Unknown,
		},
		Recovered: res.Recovered,
	}
}
