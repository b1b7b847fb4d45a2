package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"idmint/internal/audit"
	"idmint/internal/credential"
	"idmint/internal/duplicate"
	"idmint/internal/identity/fingerprint"
	"idmint/internal/identity/integrity"
	"idmint/internal/issuance/models"
	"idmint/internal/ledger"
	"idmint/internal/ledger/memory"
	"idmint/internal/platform/metrics"
	regmodels "idmint/internal/registry/models"
	registry "idmint/internal/registry/service"
	regstore "idmint/internal/registry/store"
	verification "idmint/internal/verification/models"
	"idmint/internal/verification/store"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
	"idmint/pkg/testutil"
)

const fundedIssuer = 10_000_000

var fastRetry = RetryPolicy{
	InitialInterval: time.Millisecond,
	MaxInterval:     2 * time.Millisecond,
	MaxElapsed:      time.Second,
	MaxRetries:      3,
}

// recordFailingStore drops the first update that records a mint, the way a
// crash between mint and persistence would.
type recordFailingStore struct {
	*store.InMemoryStore
	failMintRecord bool
}

func (s *recordFailingStore) Update(ctx context.Context, id string, fn store.UpdateFunc) (*verification.Session, error) {
	return s.InMemoryStore.Update(ctx, id, func(sess *verification.Session) error {
		wasIssued := sess.CredentialIssued
		if err := fn(sess); err != nil {
			return err
		}
		if !wasIssued && sess.CredentialIssued && s.failMintRecord {
			s.failMintRecord = false
			return errors.New("connection reset by peer")
		}
		return nil
	})
}

type IssuanceSuite struct {
	suite.Suite
	now       time.Time
	issuer    *ledger.Signer
	holder    *ledger.Signer
	admin     *ledger.Signer
	ledger    *memory.Ledger
	sessions  *recordFailingStore
	registry  *registry.Service
	audit     *audit.InMemoryStore
	integrity *integrity.Service
	enforce   bool
	service   *Service
}

func TestIssuanceSuite(t *testing.T) {
	suite.Run(t, new(IssuanceSuite))
}

func (s *IssuanceSuite) SetupTest() {
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.issuer = ledger.GenerateSigner()
	s.holder = ledger.GenerateSigner()
	s.admin = ledger.GenerateSigner()

	s.ledger = memory.New("testnet", s.issuer.Address)
	s.ledger.Credit(s.issuer.Address, fundedIssuer)

	s.sessions = &recordFailingStore{InMemoryStore: store.NewInMemoryStore()}
	s.audit = audit.NewInMemoryStore()

	s.registry = registry.New(regstore.NewInMemoryState())
	s.Require().NoError(s.registry.Bootstrap(s.ctx(), s.admin.Address))
	s.Require().NoError(s.registry.AddIssuer(s.ctx(), s.admin.Address, s.issuer.Address,
		regmodels.Metadata{Name: "Acme KYC", URL: "https://acme.example"}))

	var err error
	s.integrity, err = integrity.New([]byte("0123456789abcdef0123456789abcdef"),
		integrity.WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)

	s.enforce = true
	s.service = s.build()
	s.approve("s1", "p1", johnDoe())
}

func (s *IssuanceSuite) build(extra ...Option) *Service {
	signer, err := credential.NewSigner(s.issuer)
	s.Require().NoError(err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	detector := duplicate.New(s.ledger, duplicate.WithEnforcement(s.enforce), duplicate.WithLogger(logger))
	opts := []Option{
		WithLogger(logger),
		WithMetrics(metrics.New(prometheus.NewRegistry())),
		WithAuditor(audit.NewPublisher(s.audit)),
		WithRetryPolicy(fastRetry),
		WithSchemaURL("https://idmint.example/schema/credential/v1"),
	}
	return New(s.sessions, s.ledger, signer, s.registry, detector, append(opts, extra...)...)
}

func (s *IssuanceSuite) ctx() context.Context {
	return requesttime.WithTime(context.Background(), s.now)
}

func johnDoe() verification.VerifiedIdentity {
	return verification.VerifiedIdentity{
		FirstName:    "John",
		LastName:     "Doe",
		BirthDate:    "1990-01-15",
		GovernmentID: "D1234567",
		IDType:       verification.IDTypeDriversLicense,
		State:        "CA",
	}
}

func (s *IssuanceSuite) approve(id, providerSessionID string, data verification.VerifiedIdentity) {
	sess := verification.NewSession(id, "mock", providerSessionID, s.now.Add(-5*time.Minute), 30*time.Minute)
	s.Require().NoError(sess.Approve(data, s.now.Add(-time.Minute)))
	s.Require().NoError(s.sessions.Create(context.Background(), sess))
}

func (s *IssuanceSuite) issue(sessionID string) (*models.IssueResult, error) {
	return s.service.Issue(s.ctx(), models.IssueRequest{SessionID: sessionID, WalletAddress: s.holder.Address})
}

func (s *IssuanceSuite) continueCustody(sessionID string, assetID uint64) (*models.ContinueResult, error) {
	return s.service.Continue(s.ctx(), models.ContinueRequest{
		SessionID:     sessionID,
		AssetID:       assetID,
		WalletAddress: s.holder.Address,
	})
}

func (s *IssuanceSuite) optIn(assetID uint64) {
	_, err := s.ledger.OptIn(context.Background(), s.holder.Address, assetID)
	s.Require().NoError(err)
}

func (s *IssuanceSuite) kinds(events []memory.Event) []memory.EventKind {
	out := make([]memory.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func (s *IssuanceSuite) countKind(kind memory.EventKind) int {
	n := 0
	for _, e := range s.ledger.Events() {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func (s *IssuanceSuite) TestEndToEnd() {
	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.NotZero(res.AssetID)
	s.True(res.RequiresOptIn)
	s.NotEmpty(res.MintTxID)
	s.NotEmpty(res.FundingTxID, "new holder is funded")
	s.Equal("testnet", res.Network)
	s.False(res.Duplicates.IsDup)
	s.Equal("John", res.PersonalData.FirstName)

	s.Require().NoError(credential.Verify(res.Signed.Document))
	s.Equal(fingerprint.Compute("john", "doe", "1990-01-15"), res.Signed.Credential.Subject.Fingerprint)
	s.Equal(ledger.DID(s.holder.Address), res.Signed.Credential.Subject.ID)

	s.optIn(res.AssetID)
	done, err := s.continueCustody("s1", res.AssetID)
	s.Require().NoError(err)
	s.NotEmpty(done.TransferTxID)
	s.NotEmpty(done.FreezeTxID)

	s.Equal([]memory.EventKind{memory.EventCreate, memory.EventOptIn, memory.EventTransfer, memory.EventFreeze},
		s.kinds(s.ledger.AssetEvents(res.AssetID)))

	holding, err := s.ledger.Holding(context.Background(), s.holder.Address, res.AssetID)
	s.Require().NoError(err)
	s.EqualValues(1, holding.Amount)
	s.True(holding.Frozen)

	s.Run("re-issuing returns already issued and mints nothing", func() {
		_, err := s.issue("s1")
		s.True(dErrors.HasCode(err, dErrors.CodeAlreadyIssued))
		s.Equal(1, s.countKind(memory.EventCreate))

		sess, err := s.sessions.FindByID(context.Background(), "s1")
		s.Require().NoError(err)
		s.Equal(res.AssetID, sess.AssetID)
		s.Equal(verification.StageFrozen, sess.Stage())
	})

	s.Run("continue is idempotent", func() {
		again, err := s.continueCustody("s1", res.AssetID)
		s.Require().NoError(err)
		s.Equal(done, again)
		s.Equal(1, s.countKind(memory.EventFreeze))
	})

	actions := s.audit.Actions()
	s.Contains(actions, audit.ActionHolderFunded)
	s.Contains(actions, audit.ActionCredentialMinted)
	s.Contains(actions, audit.ActionCredentialDelivered)
}

func (s *IssuanceSuite) TestConcurrentIssueMintsOnce() {
	result := testutil.RunConcurrent(8, func(int) error {
		_, err := s.issue("s1")
		return err
	})

	s.EqualValues(1, result.Successes)
	s.EqualValues(7, result.Conflicts)
	s.Zero(result.Errors)
	s.Equal(1, s.countKind(memory.EventCreate))
	s.Equal(1, s.countKind(memory.EventPayment))
}

func (s *IssuanceSuite) TestInstancesSharingStoreMintOnce() {
	instances := []*Service{s.service, s.build()}
	result := testutil.RunConcurrent(8, func(i int) error {
		_, err := instances[i%len(instances)].Issue(s.ctx(),
			models.IssueRequest{SessionID: "s1", WalletAddress: s.holder.Address})
		return err
	})

	s.EqualValues(1, result.Successes)
	s.EqualValues(7, result.Conflicts)
	s.Zero(result.Errors)
	s.Equal(1, s.countKind(memory.EventCreate))

	sess, err := s.sessions.FindByID(context.Background(), "s1")
	s.Require().NoError(err)
	s.True(sess.CredentialIssued)
	s.Empty(sess.IssuanceLease)
}

func (s *IssuanceSuite) TestFailedPreflightReleasesLease() {
	s.Require().NoError(s.registry.RemoveIssuer(s.ctx(), s.admin.Address, s.issuer.Address, false))

	_, err := s.issue("s1")
	s.Require().Error(err)
	sess, err := s.sessions.FindByID(context.Background(), "s1")
	s.Require().NoError(err)
	s.Empty(sess.IssuanceLease)

	s.Require().NoError(s.registry.ReactivateIssuer(s.ctx(), s.admin.Address, s.issuer.Address))
	_, err = s.issue("s1")
	s.NoError(err, "no lease to wait out")
}

func (s *IssuanceSuite) TestContinueBeforeOptIn() {
	res, err := s.issue("s1")
	s.Require().NoError(err)

	_, err = s.continueCustody("s1", res.AssetID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	s.Zero(s.countKind(memory.EventTransfer), "transfer never precedes opt-in")

	s.optIn(res.AssetID)
	_, err = s.continueCustody("s1", res.AssetID)
	s.Require().NoError(err)
}

func (s *IssuanceSuite) TestContinueRejectsMismatches() {
	_, err := s.continueCustody("s1", 4242)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState), "nothing minted yet")

	res, err := s.issue("s1")
	s.Require().NoError(err)

	_, err = s.continueCustody("s1", res.AssetID+1)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	_, err = s.service.Continue(s.ctx(), models.ContinueRequest{
		SessionID:     "s1",
		AssetID:       res.AssetID,
		WalletAddress: ledger.GenerateSigner().Address,
	})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *IssuanceSuite) TestDuplicateIdentityBlockedWhenEnforced() {
	first, err := s.issue("s1")
	s.Require().NoError(err)

	s.approve("s2", "p2", johnDoe())
	_, err = s.issue("s2")
	s.True(dErrors.HasCode(err, dErrors.CodeDuplicate))
	s.Equal(1, s.countKind(memory.EventCreate))

	detector := duplicate.New(s.ledger)
	found, err := detector.Check(s.ctx(), s.issuer.Address, fingerprint.Compute("John", "Doe", "1990-01-15"))
	s.Require().NoError(err)
	s.True(found.Exists)
	s.Equal([]uint64{first.AssetID}, found.MatchingAssetIDs)
}

func (s *IssuanceSuite) TestDuplicateIdentityReportedWhenNotEnforced() {
	s.enforce = false
	s.service = s.build()

	first, err := s.issue("s1")
	s.Require().NoError(err)

	s.approve("s2", "p2", johnDoe())
	second, err := s.issue("s2")
	s.Require().NoError(err)
	s.True(second.Duplicates.IsDup)
	s.Equal(1, second.Duplicates.Count)
	s.Equal([]uint64{first.AssetID}, second.Duplicates.AssetIDs)
	s.Contains(s.audit.Actions(), audit.ActionDuplicateDetected)
}

func (s *IssuanceSuite) TestUnauthorizedIssuer() {
	s.Require().NoError(s.registry.RemoveIssuer(s.ctx(), s.admin.Address, s.issuer.Address, false))

	_, err := s.issue("s1")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	s.Empty(s.ledger.Events())

	sess, err := s.sessions.FindByID(context.Background(), "s1")
	s.Require().NoError(err)
	s.Equal(verification.StageNone, sess.Stage(), "nothing is bound before preflight passes")
}

func (s *IssuanceSuite) TestIssuerLiquidity() {
	poor := ledger.GenerateSigner()
	s.issuer = poor
	s.ledger = memory.New("testnet", poor.Address)
	s.ledger.Credit(poor.Address, ledger.BaseMinBalance+50_000)
	s.Require().NoError(s.registry.AddIssuer(s.ctx(), s.admin.Address, poor.Address,
		regmodels.Metadata{Name: "Poor KYC", URL: "https://poor.example"}))
	s.service = s.build()

	_, err := s.issue("s1")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeInsufficientFunds))
	s.True(dErrors.IsRetryable(err))
	var domainErr *dErrors.Error
	s.Require().ErrorAs(err, &domainErr)
	s.Contains(domainErr.Hint, poor.Address)
	s.Empty(s.ledger.Events(), "no partial operations")
}

func (s *IssuanceSuite) TestFundedHolderIsNotPaid() {
	s.ledger.Credit(s.holder.Address, 1_000_000)

	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.Empty(res.FundingTxID)
	s.Zero(s.countKind(memory.EventPayment))
}

func (s *IssuanceSuite) TestMintFailureThenRetry() {
	s.ledger.FailNext(memory.EventCreate, ledger.ErrConfirmationTimeout)

	_, err := s.issue("s1")
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))

	sess, err := s.sessions.FindByID(context.Background(), "s1")
	s.Require().NoError(err)
	s.Equal(verification.StageBound, sess.Stage())
	s.False(sess.CredentialIssued)
	credentialID := sess.CredentialID

	_, err = s.issue("s1")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "a timed-out mint may still land, so the lease is held")

	s.now = s.now.Add(DefaultIssuanceLease + time.Second)
	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.Equal(credentialID, res.Signed.Credential.ID, "retry keeps the bound credential id")
	s.False(res.Recovered)
	s.Equal(1, s.countKind(memory.EventCreate))
	s.Equal(1, s.countKind(memory.EventPayment), "holder funded once across attempts")
}

func (s *IssuanceSuite) TestRecoversUnrecordedMint() {
	s.sessions.failMintRecord = true

	_, err := s.issue("s1")
	s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	s.Equal(1, s.countKind(memory.EventCreate))

	_, err = s.issue("s1")
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "the lease outlives an unrecorded mint")

	s.now = s.now.Add(DefaultIssuanceLease + time.Second)
	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.True(res.Recovered)
	s.Equal(1, s.countKind(memory.EventCreate), "recovery never mints again")
	s.Equal(s.ledger.Events()[1].AssetID, res.AssetID)
	s.Require().NoError(credential.Verify(res.Signed.Document))

	sess, err := s.sessions.FindByID(context.Background(), "s1")
	s.Require().NoError(err)
	s.True(sess.CredentialIssued)
	s.Equal(res.AssetID, sess.AssetID)
}

func (s *IssuanceSuite) TestTransferRetriedOnTimeout() {
	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.optIn(res.AssetID)

	s.ledger.FailNext(memory.EventTransfer, ledger.ErrConfirmationTimeout)
	done, err := s.continueCustody("s1", res.AssetID)
	s.Require().NoError(err)
	s.NotEmpty(done.TransferTxID)
	s.Equal(1, s.countKind(memory.EventTransfer))
}

func (s *IssuanceSuite) TestFreezeFailureResumesAtFreeze() {
	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.optIn(res.AssetID)

	s.ledger.FailNext(memory.EventFreeze, ledger.ErrTransactionRejected)
	_, err = s.continueCustody("s1", res.AssetID)
	s.Require().Error(err)
	s.Contains(s.audit.Actions(), audit.ActionCustodyFailed)

	sess, err := s.sessions.FindByID(context.Background(), "s1")
	s.Require().NoError(err)
	s.Equal(verification.StageTransferred, sess.Stage())

	done, err := s.continueCustody("s1", res.AssetID)
	s.Require().NoError(err)
	s.Equal(sess.TransferTxID, done.TransferTxID)
	s.Equal(1, s.countKind(memory.EventTransfer))
	s.Equal(1, s.countKind(memory.EventFreeze))
}

func (s *IssuanceSuite) TestIntegrityToken() {
	s.service = s.build(WithIntegrity(s.integrity, true))

	_, err := s.issue("s1")
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity), "token required")

	digest, err := s.integrity.ComputeDataDigest(johnDoe().DigestFields())
	s.Require().NoError(err)

	forged, err := s.integrity.IssueToken("s1", "0000")
	s.Require().NoError(err)
	_, err = s.service.Issue(s.ctx(), models.IssueRequest{SessionID: "s1", WalletAddress: s.holder.Address, IntegrityToken: forged})
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity))

	otherSession, err := s.integrity.IssueToken("s2", digest)
	s.Require().NoError(err)
	_, err = s.service.Issue(s.ctx(), models.IssueRequest{SessionID: "s1", WalletAddress: s.holder.Address, IntegrityToken: otherSession})
	s.True(dErrors.HasCode(err, dErrors.CodeIntegrity))
	s.Empty(s.ledger.Events())

	token, err := s.integrity.IssueToken("s1", digest)
	s.Require().NoError(err)
	_, err = s.service.Issue(s.ctx(), models.IssueRequest{SessionID: "s1", WalletAddress: s.holder.Address, IntegrityToken: token})
	s.Require().NoError(err)
}

func (s *IssuanceSuite) TestSessionState() {
	s.Run("pending session", func() {
		sess := verification.NewSession("pending", "mock", "pp", s.now, 30*time.Minute)
		s.Require().NoError(s.sessions.Create(context.Background(), sess))
		_, err := s.issue("pending")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("unknown session", func() {
		_, err := s.issue("missing")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})

	s.Run("expired approved session cannot start issuance", func() {
		s.now = s.now.Add(time.Hour)
		_, err := s.issue("s1")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
		s.Zero(s.countKind(memory.EventCreate))
	})

	s.Run("invalid wallet", func() {
		_, err := s.service.Issue(s.ctx(), models.IssueRequest{SessionID: "s1", WalletAddress: "nope"})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})
}

func (s *IssuanceSuite) TestExpiryDoesNotBlockInFlightCustody() {
	res, err := s.issue("s1")
	s.Require().NoError(err)
	s.optIn(res.AssetID)

	s.now = s.now.Add(2 * time.Hour)
	_, err = s.continueCustody("s1", res.AssetID)
	s.Require().NoError(err)
}

func (s *IssuanceSuite) TestMismatchedSignerFailsBeforeMint() {
	other, err := credential.NewSigner(ledger.GenerateSigner())
	s.Require().NoError(err)
	svc := New(s.sessions, s.ledger, other, s.registry, duplicate.New(s.ledger))

	_, err = svc.Issue(s.ctx(), models.IssueRequest{SessionID: "s1", WalletAddress: s.holder.Address})
	s.True(dErrors.HasCode(err, dErrors.CodeInternal))
	s.ErrorIs(err, credential.ErrKeyMaterial)
	s.Empty(s.ledger.Events())
}
