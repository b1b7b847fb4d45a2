// Package models holds issuance requests and results. Ledger identifiers are
// uint64 here; the HTTP layer renders them as strings.
package models

import (
	"idmint/internal/credential"
	"idmint/internal/ledger"
	verification "idmint/internal/verification/models"
	dErrors "idmint/pkg/domain-errors"
	s "idmint/pkg/string"
)

// IssueRequest starts issuance for an approved session.
type IssueRequest struct {
	SessionID     string `json:"verificationSessionId"`
	WalletAddress string `json:"walletAddress"`
	// IntegrityToken binds the verified data read by the client to the session.
	IntegrityToken string `json:"integrityToken,omitempty"`
}

func (r *IssueRequest) Sanitize() {
	s.TrimStrings(&r.SessionID, &r.WalletAddress, &r.IntegrityToken)
}

func (r *IssueRequest) Validate() error {
	if r.SessionID == "" {
		return dErrors.New(dErrors.CodeValidation, "verificationSessionId is required")
	}
	return validateWallet(r.WalletAddress)
}

// ContinueRequest resumes custody after the holder opted in.
type ContinueRequest struct {
	SessionID     string
	AssetID       uint64
	WalletAddress string
}

func (r *ContinueRequest) Validate() error {
	if r.SessionID == "" {
		return dErrors.New(dErrors.CodeValidation, "verificationSessionId is required")
	}
	if r.AssetID == 0 {
		return dErrors.New(dErrors.CodeValidation, "assetId is required")
	}
	return validateWallet(r.WalletAddress)
}

func validateWallet(address string) error {
	if address == "" {
		return dErrors.New(dErrors.CodeValidation, "walletAddress is required")
	}
	if err := ledger.ValidateAddress(address); err != nil {
		return dErrors.Wrap(err, dErrors.CodeValidation, "walletAddress is not a valid ledger address")
	}
	return nil
}

// DuplicateReport is what the duplicate check found for the fingerprint.
type DuplicateReport struct {
	Count    int
	IsDup    bool
	AssetIDs []uint64
	Unknown  bool
}

// IssueResult is returned once the credential token is minted.
type IssueResult struct {
	SessionID     string
	Signed        *credential.Signed
	PersonalData  verification.VerifiedIdentity
	AssetID       uint64
	RequiresOptIn bool
	MintTxID      string
	FundingTxID   string
	Network       string
	Duplicates    DuplicateReport
	// Recovered is set when the asset was found on the ledger from an earlier
	// attempt instead of being minted by this call.
	Recovered bool
}

// ContinueResult is returned once the token is transferred and frozen.
type ContinueResult struct {
	SessionID    string
	AssetID      uint64
	TransferTxID string
	FreezeTxID   string
	Network      string
}
