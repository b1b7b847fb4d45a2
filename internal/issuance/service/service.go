// Package service runs the credential issuance and custody protocol:
// preflight, holder funding, mint, then after the holder opts in, transfer
// and freeze. The session record carries every resumption key, so a retry or
// a crashed attempt resumes at the right step and never mints twice.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"idmint/internal/audit"
	"idmint/internal/credential"
	"idmint/internal/duplicate"
	"idmint/internal/identity/integrity"
	"idmint/internal/issuance/models"
	"idmint/internal/ledger"
	"idmint/internal/platform/metrics"
	verification "idmint/internal/verification/models"
	"idmint/internal/verification/store"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
	"idmint/pkg/platform/privacy"
	"idmint/pkg/platform/sentinel"
	platformsync "idmint/pkg/platform/sync"
	"idmint/pkg/platform/tracer"
	"idmint/pkg/requestcontext"
)

// DefaultIssuanceLease bounds one issuance attempt's exclusive hold on a session.
const DefaultIssuanceLease = 2 * time.Minute

const (
	assetUnitName = "IDCRED"
	assetName     = "idmint identity credential"

	// custodyTxns is the issuer-paid transactions per credential: funding,
	// mint, transfer and freeze.
	custodyTxns = 4
)

// Authorizer is the issuer registry.
type Authorizer interface {
	IsAuthorized(ctx context.Context, address string) (bool, error)
}

// DuplicateChecker applies the duplicate policy and finds earlier mints.
type DuplicateChecker interface {
	Gate(ctx context.Context, issuer, fingerprint string) (duplicate.Result, error)
	FindCredential(ctx context.Context, fingerprint, credentialID string) (*ledger.NoteRecord, error)
	RecordMinted(fingerprint string, assetID uint64)
}

// AuditPublisher receives issuance and custody events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service issues credentials for approved verification sessions.
type Service struct {
	sessions   store.Store
	ledger     ledger.Client
	signer     *credential.Signer
	registry   Authorizer
	duplicates DuplicateChecker

	integrity       *integrity.Service
	requireToken    bool
	holderFunding   uint64
	schemaURL       string
	retry           RetryPolicy
	leaseTTL        time.Duration
	locks           *platformsync.ShardedMutex
	logger          *slog.Logger
	metrics         *metrics.Metrics
	auditor         AuditPublisher
	tracer          tracer.Tracer
	newCredentialID func() string
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithAuditor(a AuditPublisher) Option {
	return func(s *Service) {
		s.auditor = a
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(s *Service) {
		s.tracer = t
	}
}

// WithIntegrity checks integrity tokens on issuance. With require set a
// request without a token is rejected.
func WithIntegrity(svc *integrity.Service, require bool) Option {
	return func(s *Service) {
		s.integrity = svc
		s.requireToken = require
	}
}

// WithHolderFunding sets the payment sent to holders that cannot afford to
// opt in. It is raised to the actual shortfall when that is larger.
func WithHolderFunding(microalgos uint64) Option {
	return func(s *Service) {
		if microalgos > 0 {
			s.holderFunding = microalgos
		}
	}
}

// WithSchemaURL adds the schema context to credentials and the asset URL.
func WithSchemaURL(url string) Option {
	return func(s *Service) {
		s.schemaURL = url
	}
}

// WithIssuanceLease sets how long one attempt holds a session before another
// may take it over. It must outlast a mint confirmation plus indexer lag.
func WithIssuanceLease(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.leaseTTL = ttl
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy for transfer and freeze.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *Service) {
		s.retry = p
	}
}

func New(sessions store.Store, client ledger.Client, signer *credential.Signer, registry Authorizer, duplicates DuplicateChecker, opts ...Option) *Service {
	s := &Service{
		sessions:        sessions,
		ledger:          client,
		signer:          signer,
		registry:        registry,
		duplicates:      duplicates,
		holderFunding:   ledger.DefaultHolderFunds,
		retry:           DefaultRetryPolicy,
		leaseTTL:        DefaultIssuanceLease,
		locks:           platformsync.NewShardedMutex(),
		logger:          slog.Default(),
		tracer:          tracer.NewNoop(),
		newCredentialID: func() string { return "urn:uuid:" + uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Issue mints the credential token for an approved session. Steps for one
// session never run concurrently: a process-local lock serializes callers here
// and the stored issuance lease serializes processes sharing the session store.
func (s *Service) Issue(ctx context.Context, req models.IssueRequest) (*models.IssueResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var result *models.IssueResult
	err := s.locks.With(req.SessionID, func() error {
		var err error
		result, err = s.issue(ctx, req)
		return err
	})
	s.recordIssuance(err)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) issue(ctx context.Context, req models.IssueRequest) (result *models.IssueResult, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanIssue,
		tracer.String(tracer.AttrSessionID, req.SessionID),
		tracer.String(tracer.AttrNetwork, s.ledger.Network()),
	)
	defer func() { span.End(err) }()

	now := requesttime.Now(ctx)
	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if session.CredentialIssued {
		return nil, dErrors.WithHint(dErrors.CodeAlreadyIssued, "credential already issued for this session",
			fmt.Sprintf("asset %d was minted; opt in and call continue to receive it", session.AssetID))
	}
	session.Refresh(now)
	if session.Status != verification.StatusApproved || session.VerifiedData == nil {
		return nil, dErrors.New(dErrors.CodeInvalidState,
			fmt.Sprintf("session is %s, expected %s", session.Status, verification.StatusApproved))
	}
	if s.signer.Address() != s.ledger.IssuerAddress() {
		return nil, dErrors.Wrap(credential.ErrKeyMaterial, dErrors.CodeInternal, "credential signer does not match the ledger issuer account")
	}
	if err := s.verifyIntegrity(session, req.IntegrityToken); err != nil {
		return nil, err
	}
	fp := session.VerifiedData.Fingerprint()
	span.SetAttributes(tracer.String(tracer.AttrFingerprint, privacy.RedactFingerprint(fp)))

	leaseID := uuid.NewString()
	claimed, err := s.sessions.Update(ctx, session.ID, func(sess *verification.Session) error {
		return sess.ClaimIssuance(req.WalletAddress, leaseID, now, s.leaseTTL)
	})
	if err != nil {
		return nil, translateStoreError(err)
	}
	// The lease is kept once something may have been minted, so a retry waits
	// for it to lapse before scanning for that mint.
	minted := false
	defer func() {
		if err != nil && !minted {
			s.releaseLease(ctx, session.ID, leaseID)
		}
	}()

	// A bound session may already have a token on the ledger from an attempt
	// that crashed before recording it.
	if claimed.CredentialID != "" {
		rec, err := s.duplicates.FindCredential(ctx, fp, claimed.CredentialID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "cannot confirm whether an earlier attempt minted; retry later")
		}
		if rec != nil {
			s.duplicates.RecordMinted(fp, rec.AssetID)
			return s.recover(ctx, claimed, rec)
		}
	}

	pre, err := s.preflight(ctx, req.WalletAddress, fp)
	if err != nil {
		return nil, err
	}

	bound, err := s.sessions.Update(ctx, session.ID, func(sess *verification.Session) error {
		return sess.BindIssuance(req.WalletAddress, s.newCredentialID(), fp, leaseID, now)
	})
	if err != nil {
		return nil, translateStoreError(err)
	}

	signed, err := s.sign(bound)
	if err != nil {
		return nil, err
	}

	fundingTxID, err := s.fundHolder(ctx, bound)
	if err != nil {
		return nil, err
	}

	mintRes, err := s.mint(ctx, bound, signed)
	if err != nil {
		// A failed confirmation wait may still land on the ledger.
		minted = dErrors.HasCode(err, dErrors.CodeTimeout)
		return nil, err
	}
	minted = true
	s.duplicates.RecordMinted(fp, mintRes.AssetID)

	if _, err := s.sessions.Update(ctx, bound.ID, func(sess *verification.Session) error {
		return sess.RecordMint(mintRes.AssetID, mintRes.TxID, fundingTxID, now)
	}); err != nil {
		s.logger.ErrorContext(ctx, "minted credential not recorded, a retry recovers it from the ledger",
			"session_id", bound.ID,
			"asset_id", mintRes.AssetID,
			"tx_id", mintRes.TxID,
			"error", err,
		)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "credential minted but not recorded; retry to recover it")
	}
	span.SetAttributes(tracer.Uint64(tracer.AttrAssetID, mintRes.AssetID))

	s.logger.InfoContext(ctx, "credential minted",
		"session_id", bound.ID,
		"asset_id", mintRes.AssetID,
		"holder", privacy.RedactAddress(bound.WalletAddress),
		"fingerprint", privacy.RedactFingerprint(fp),
		"duplicates", pre.duplicates.Count(),
	)
	s.emit(ctx, audit.Event{
		Action:      audit.ActionCredentialMinted,
		SessionID:   bound.ID,
		Subject:     bound.WalletAddress,
		AssetID:     mintRes.AssetID,
		TxID:        mintRes.TxID,
		Fingerprint: privacy.RedactFingerprint(fp),
		Outcome:     "minted",
	})

	return &models.IssueResult{
		SessionID:     bound.ID,
		Signed:        signed,
		PersonalData:  *bound.VerifiedData,
		AssetID:       mintRes.AssetID,
		RequiresOptIn: s.requiresOptIn(ctx, bound.WalletAddress, mintRes.AssetID),
		MintTxID:      mintRes.TxID,
		FundingTxID:   fundingTxID,
		Network:       s.ledger.Network(),
		Duplicates:    report(pre.duplicates),
	}, nil
}

func (s *Service) releaseLease(ctx context.Context, sessionID, leaseID string) {
	now := requesttime.Now(ctx)
	if _, err := s.sessions.Update(context.WithoutCancel(ctx), sessionID, func(sess *verification.Session) error {
		sess.ReleaseIssuance(leaseID, now)
		return nil
	}); err != nil {
		s.logger.WarnContext(ctx, "issuance lease not released, it lapses on its own",
			"session_id", sessionID,
			"error", err,
		)
	}
}

// recover records a mint found on the ledger and rebuilds the identical
// credential document.
func (s *Service) recover(ctx context.Context, session *verification.Session, rec *ledger.NoteRecord) (*models.IssueResult, error) {
	signed, err := s.sign(session)
	if err != nil {
		return nil, err
	}
	now := requesttime.Now(ctx)
	if _, err := s.sessions.Update(ctx, session.ID, func(sess *verification.Session) error {
		return sess.RecordMint(rec.AssetID, rec.TxID, "", now)
	}); err != nil {
		return nil, translateStoreError(err)
	}
	s.logger.WarnContext(ctx, "recovered credential minted by an earlier attempt",
		"session_id", session.ID,
		"asset_id", rec.AssetID,
		"tx_id", rec.TxID,
	)
	s.emit(ctx, audit.Event{
		Action:      audit.ActionCredentialMinted,
		SessionID:   session.ID,
		Subject:     session.WalletAddress,
		AssetID:     rec.AssetID,
		TxID:        rec.TxID,
		Fingerprint: privacy.RedactFingerprint(session.Fingerprint),
		Outcome:     "recovered",
	})
	return &models.IssueResult{
		SessionID:     session.ID,
		Signed:        signed,
		PersonalData:  *session.VerifiedData,
		AssetID:       rec.AssetID,
		RequiresOptIn: s.requiresOptIn(ctx, session.WalletAddress, rec.AssetID),
		MintTxID:      rec.TxID,
		FundingTxID:   session.FundingTxID,
		Network:       s.ledger.Network(),
		Recovered:     true,
	}, nil
}

func (s *Service) verifyIntegrity(session *verification.Session, token string) error {
	if token == "" && !s.requireToken {
		return nil
	}
	if token == "" {
		return dErrors.New(dErrors.CodeIntegrity, "integrity token is required")
	}
	if s.integrity == nil {
		return dErrors.New(dErrors.CodeInternal, "integrity tokens are not configured")
	}
	digest, err := s.integrity.ComputeDataDigest(session.VerifiedData.DigestFields())
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to digest verified data")
	}
	if err := s.integrity.VerifyBinding(token, session.ID, digest); err != nil {
		return dErrors.Wrap(err, dErrors.CodeIntegrity, "integrity token is invalid or expired")
	}
	return nil
}

type preflightResult struct {
	duplicates duplicate.Result
}

// preflight runs the read-only checks in parallel. Nothing is written until
// all of them pass.
func (s *Service) preflight(ctx context.Context, holder, fp string) (*preflightResult, error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanPreflight)
	issuer := s.ledger.IssuerAddress()

	var (
		authorized    bool
		issuerAccount *ledger.Account
		holderAccount *ledger.Account
		dups          duplicate.Result
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		authorized, err = s.registry.IsAuthorized(gctx, issuer)
		return err
	})
	g.Go(func() error {
		var err error
		issuerAccount, err = s.ledger.Account(gctx, issuer)
		if err != nil {
			return translateLedgerError(err, "read issuer account")
		}
		return nil
	})
	g.Go(func() error {
		var err error
		holderAccount, err = s.account(gctx, holder)
		return err
	})
	g.Go(func() error {
		var err error
		dups, err = s.duplicates.Gate(gctx, issuer, fp)
		return err
	})
	err := g.Wait()
	if err == nil && !authorized {
		err = dErrors.New(dErrors.CodeForbidden, "issuer account is not authorized in the issuer registry")
	}
	if err == nil {
		need := custodyTxns*ledger.MinTxnFee + ledger.AssetMinBalance + s.fundingAmount(holderAccount)
		if have := issuerAccount.Spendable(); have < need {
			err = dErrors.WithHint(dErrors.CodeInsufficientFunds,
				fmt.Sprintf("issuer balance too low: %d microalgos spendable, %d required", have, need),
				fmt.Sprintf("fund issuer account %s with at least %d microalgos", issuer, need-have))
		}
	}
	span.SetAttributes(tracer.Int64(tracer.AttrDuplicates, int64(dups.Count())))
	span.End(err)
	if err != nil {
		return nil, err
	}
	if dups.Exists {
		s.emit(ctx, audit.Event{
			Action:      audit.ActionDuplicateDetected,
			Subject:     holder,
			Fingerprint: privacy.RedactFingerprint(fp),
			Outcome:     "reported",
		})
	}
	return &preflightResult{duplicates: dups}, nil
}

// account treats an account the ledger has never seen as empty.
func (s *Service) account(ctx context.Context, address string) (*ledger.Account, error) {
	acct, err := s.ledger.Account(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return &ledger.Account{Address: address, MinBalance: ledger.BaseMinBalance}, nil
	}
	if err != nil {
		return nil, translateLedgerError(err, "read holder account")
	}
	return acct, nil
}

// fundingAmount is zero when the holder can already afford to opt in.
func (s *Service) fundingAmount(holder *ledger.Account) uint64 {
	required := holder.MinBalance + ledger.AssetMinBalance + ledger.MinTxnFee
	if holder.Amount >= required {
		return 0
	}
	return max(s.holderFunding, required-holder.Amount)
}

func (s *Service) sign(session *verification.Session) (*credential.Signed, error) {
	evidence := credential.Evidence{
		Type:      credential.EvidenceType,
		Provider:  session.Provider,
		SessionID: session.ID,
	}
	if session.DecidedAt != nil {
		evidence.VerifiedAt = session.DecidedAt.UTC().Truncate(time.Second).Format(time.RFC3339)
	}
	c, err := credential.Build(credential.Params{
		ID:            session.CredentialID,
		IssuerAddress: s.signer.Address(),
		HolderAddress: session.WalletAddress,
		IssuedAt:      session.IssuanceStarted,
		Fingerprint:   session.Fingerprint,
		SchemaURL:     s.schemaURL,
		Evidence:      []credential.Evidence{evidence},
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to build credential")
	}
	signed, err := s.signer.SignAt(c, session.IssuanceStarted)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign credential")
	}
	return signed, nil
}

func (s *Service) requiresOptIn(ctx context.Context, holder string, assetID uint64) bool {
	h, err := s.ledger.Holding(ctx, holder, assetID)
	if err != nil {
		return true
	}
	return !h.OptedIn
}

func report(r duplicate.Result) models.DuplicateReport {
	return models.DuplicateReport{
		Count:    r.Count(),
		IsDup:    r.Exists,
		AssetIDs: r.MatchingAssetIDs,
		Unknown:  r.Unknown,
	}
}

func (s *Service) recordIssuance(err error) {
	if s.metrics == nil {
		return
	}
	outcome := "minted"
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		outcome = string(domainErr.Code)
	} else if err != nil {
		outcome = "error"
	}
	s.metrics.IncrementIssuance(outcome)
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	event.RequestID = requestcontext.RequestID(ctx)
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "failed to emit audit event", "action", event.Action, "error", err)
	}
}

func translateStoreError(err error) error {
	var domainErr *dErrors.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "session not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "session was modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "session store unavailable")
	}
}
