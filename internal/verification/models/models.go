package models

import (
	"fmt"
	"time"

	"idmint/internal/identity/fingerprint"
	"idmint/internal/identity/integrity"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/domain"
	"idmint/pkg/validation"
)

// Status is the lifecycle state of a verification session.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IDType enumerates accepted identity documents.
type IDType string

const (
	IDTypeDriversLicense IDType = "drivers_license"
	IDTypePassport       IDType = "passport"
	IDTypeStateID        IDType = "state_id"
	IDTypeNationalID     IDType = "national_id"
)

// VerifiedIdentity is the structured record a provider extracts from a document.
// Names are kept exactly as extracted; only the fingerprint normalizes them.
type VerifiedIdentity struct {
	FirstName      string `json:"first_name" validate:"required,notblank,max=100"`
	MiddleName     string `json:"middle_name" validate:"max=100"`
	LastName       string `json:"last_name" validate:"required,notblank,max=100"`
	BirthDate      string `json:"birth_date" validate:"required,isodate"`
	GovernmentID   string `json:"government_id" validate:"required,notblank,max=64"`
	IDType         IDType `json:"id_type" validate:"required,oneof=drivers_license passport state_id national_id"`
	State          string `json:"state" validate:"required,notblank,max=16"`
	ExpirationDate string `json:"expiration_date,omitempty" validate:"omitempty,isodate"`
}

// Validate checks field shape, holder age and document expiry at now.
func (v VerifiedIdentity) Validate(now time.Time) error {
	if err := validation.Validate(v); err != nil {
		return err
	}
	birth, _ := domain.ParseDate(v.BirthDate)
	if birth.After(now) {
		return dErrors.New(dErrors.CodeValidation, "birth_date is in the future")
	}
	if !domain.IsAdult(birth, now) {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("holder must be at least %d years old", domain.AdultAge))
	}
	if v.ExpirationDate != "" {
		expires, _ := domain.ParseDate(v.ExpirationDate)
		if domain.IsExpired(expires, now) {
			return dErrors.New(dErrors.CodeValidation, "identity document has expired")
		}
	}
	return nil
}

// Fingerprint returns the composite hash anchored on the ledger.
func (v VerifiedIdentity) Fingerprint() string {
	return fingerprint.Compute(v.FirstName, v.LastName, v.BirthDate)
}

// DigestFields is the projection covered by the integrity digest.
func (v VerifiedIdentity) DigestFields() integrity.Fields {
	return integrity.Fields{
		FirstName:      v.FirstName,
		MiddleName:     v.MiddleName,
		LastName:       v.LastName,
		BirthDate:      v.BirthDate,
		GovernmentID:   v.GovernmentID,
		IDType:         string(v.IDType),
		State:          v.State,
		ExpirationDate: v.ExpirationDate,
	}
}

// CustodyStage is how far the ledger custody protocol has progressed for a session.
type CustodyStage string

const (
	StageNone        CustodyStage = "none"
	StageBound       CustodyStage = "bound"       // wallet and credential id reserved, nothing minted
	StageMinted      CustodyStage = "minted"      // awaiting holder opt-in
	StageTransferred CustodyStage = "transferred" // held by the holder, not yet frozen
	StageFrozen      CustodyStage = "frozen"
)

// Session is the verification lifecycle record. It is never deleted.
type Session struct {
	ID                string            `json:"id"`
	Provider          string            `json:"provider"`
	ProviderSessionID string            `json:"provider_session_id"`
	Status            Status            `json:"status"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	DecidedAt         *time.Time        `json:"decided_at,omitempty"`
	RejectionReason   string            `json:"rejection_reason,omitempty"`
	VerifiedData      *VerifiedIdentity `json:"verified_data,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`

	// Issuance bookkeeping. CredentialIssued and AssetID are the idempotency keys.
	WalletAddress    string    `json:"wallet_address,omitempty"`
	CredentialID     string    `json:"credential_id,omitempty"`
	Fingerprint      string    `json:"fingerprint,omitempty"`
	IssuanceStarted  time.Time `json:"issuance_started,omitempty"`
	IssuanceLease    string    `json:"issuance_lease,omitempty"`
	LeaseUntil       time.Time `json:"lease_until,omitempty"`
	CredentialIssued bool      `json:"credential_issued"`
	AssetID          uint64    `json:"asset_id,omitempty"`
	MintTxID         string    `json:"mint_tx_id,omitempty"`
	FundingTxID      string    `json:"funding_tx_id,omitempty"`
	AssetTransferred bool      `json:"asset_transferred"`
	TransferTxID     string    `json:"transfer_tx_id,omitempty"`
	AssetFrozen      bool      `json:"asset_frozen"`
	FreezeTxID       string    `json:"freeze_tx_id,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewSession returns a pending session expiring ttl after now.
func NewSession(id, provider, providerSessionID string, now time.Time, ttl time.Duration) *Session {
	return &Session{
		ID:                id,
		Provider:          provider,
		ProviderSessionID: providerSessionID,
		Status:            StatusPending,
		CreatedAt:         now,
		ExpiresAt:         now.Add(ttl),
		UpdatedAt:         now,
	}
}

// Refresh applies lazy expiry and reports whether the status changed.
func (s *Session) Refresh(now time.Time) bool {
	if s.Status == StatusPending && now.After(s.ExpiresAt) {
		s.Status = StatusExpired
		s.UpdatedAt = now
		return true
	}
	return false
}

// IsExpired reports whether now is past the session deadline.
func (s *Session) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

func (s *Session) stateError(want Status) error {
	return dErrors.New(dErrors.CodeInvalidState, fmt.Sprintf("session is %s, expected %s", s.Status, want))
}

// Approve moves a pending session to approved with the verified data.
func (s *Session) Approve(data VerifiedIdentity, now time.Time) error {
	s.Refresh(now)
	if s.Status != StatusPending {
		return s.stateError(StatusPending)
	}
	s.Status = StatusApproved
	s.VerifiedData = &data
	s.DecidedAt = &now
	s.UpdatedAt = now
	return nil
}

// Reject moves a pending session to rejected.
func (s *Session) Reject(reason string, now time.Time) error {
	s.Refresh(now)
	if s.Status != StatusPending {
		return s.stateError(StatusPending)
	}
	s.Status = StatusRejected
	s.RejectionReason = reason
	s.DecidedAt = &now
	s.UpdatedAt = now
	return nil
}

// Stage derives the custody stage from the recorded fields.
func (s *Session) Stage() CustodyStage {
	switch {
	case s.AssetFrozen:
		return StageFrozen
	case s.AssetTransferred:
		return StageTransferred
	case s.CredentialIssued:
		return StageMinted
	case s.CredentialID != "":
		return StageBound
	default:
		return StageNone
	}
}

// ClaimIssuance takes the issuance lease for leaseID. Only the lease holder may
// bind and mint, so a session is never minted by two callers at once, even
// across processes sharing the store. An expired lease may be taken over; the
// new holder then recovers whatever the previous one minted.
func (s *Session) ClaimIssuance(wallet, leaseID string, now time.Time, ttl time.Duration) error {
	if s.CredentialIssued {
		return dErrors.New(dErrors.CodeAlreadyIssued, "credential already issued for this session")
	}
	if s.Status != StatusApproved || s.VerifiedData == nil {
		return s.stateError(StatusApproved)
	}
	if s.CredentialID != "" && s.WalletAddress != wallet {
		return dErrors.New(dErrors.CodeConflict, "session issuance is bound to a different wallet")
	}
	if s.CredentialID == "" && s.IsExpired(now) {
		return dErrors.New(dErrors.CodeInvalidState, "session expired before issuance started")
	}
	if s.IssuanceLease != "" && s.IssuanceLease != leaseID && now.Before(s.LeaseUntil) {
		return dErrors.New(dErrors.CodeConflict, "issuance already in progress for this session")
	}
	s.IssuanceLease = leaseID
	s.LeaseUntil = now.Add(ttl)
	s.UpdatedAt = now
	return nil
}

// ReleaseIssuance drops the lease if leaseID still holds it.
func (s *Session) ReleaseIssuance(leaseID string, now time.Time) {
	if s.IssuanceLease != leaseID {
		return
	}
	s.IssuanceLease = ""
	s.LeaseUntil = time.Time{}
	s.UpdatedAt = now
}

// BindIssuance reserves the wallet and credential id before anything is minted.
// The caller must hold the issuance lease. A session already bound to the same
// wallet keeps its original credential id so a crashed attempt can be recovered
// rather than duplicated.
func (s *Session) BindIssuance(wallet, credentialID, fp, leaseID string, now time.Time) error {
	if s.CredentialIssued {
		return dErrors.New(dErrors.CodeAlreadyIssued, "credential already issued for this session")
	}
	if s.Status != StatusApproved || s.VerifiedData == nil {
		return s.stateError(StatusApproved)
	}
	if s.IssuanceLease != leaseID {
		return dErrors.New(dErrors.CodeConflict, "issuance lease lost to another attempt")
	}
	if s.CredentialID != "" {
		if s.WalletAddress != wallet {
			return dErrors.New(dErrors.CodeConflict, "session issuance is bound to a different wallet")
		}
		return nil
	}
	if s.IsExpired(now) {
		return dErrors.New(dErrors.CodeInvalidState, "session expired before issuance started")
	}
	s.WalletAddress = wallet
	s.CredentialID = credentialID
	s.Fingerprint = fp
	s.IssuanceStarted = now
	s.UpdatedAt = now
	return nil
}

// RecordMint flips CredentialIssued exactly once.
func (s *Session) RecordMint(assetID uint64, mintTxID, fundingTxID string, now time.Time) error {
	if s.CredentialIssued {
		return dErrors.New(dErrors.CodeAlreadyIssued, "credential already issued for this session")
	}
	if s.CredentialID == "" {
		return dErrors.New(dErrors.CodeInvariantViolation, "mint recorded before issuance was bound")
	}
	if assetID == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "asset id is required")
	}
	s.CredentialIssued = true
	s.AssetID = assetID
	s.IssuanceLease = ""
	s.LeaseUntil = time.Time{}
	s.MintTxID = mintTxID
	if fundingTxID != "" {
		s.FundingTxID = fundingTxID
	}
	s.UpdatedAt = now
	return nil
}

// RecordTransfer notes delivery to the holder. Transfer never precedes mint.
func (s *Session) RecordTransfer(txID string, now time.Time) error {
	if !s.CredentialIssued || s.AssetID == 0 {
		return dErrors.New(dErrors.CodeInvalidState, "asset has not been minted")
	}
	if s.AssetTransferred {
		return nil
	}
	s.AssetTransferred = true
	s.TransferTxID = txID
	s.UpdatedAt = now
	return nil
}

// RecordFreeze notes the final freeze. Freeze never precedes transfer.
func (s *Session) RecordFreeze(txID string, now time.Time) error {
	if !s.AssetTransferred {
		return dErrors.New(dErrors.CodeInvalidState, "asset has not been transferred")
	}
	if s.AssetFrozen {
		return nil
	}
	s.AssetFrozen = true
	s.FreezeTxID = txID
	s.UpdatedAt = now
	return nil
}
