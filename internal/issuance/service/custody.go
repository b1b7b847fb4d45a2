package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"idmint/internal/audit"
	"idmint/internal/credential"
	"idmint/internal/issuance/models"
	"idmint/internal/ledger"
	verification "idmint/internal/verification/models"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
	"idmint/pkg/platform/privacy"
	"idmint/pkg/platform/tracer"
)

// RetryPolicy bounds retries of transfer and freeze. Mint is never retried
// inside a request; a failed mint surfaces to the caller.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	MaxRetries      uint64
}

var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     5 * time.Second,
	MaxElapsed:      45 * time.Second,
	MaxRetries:      4,
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = p.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// fundHolder pays the holder enough to opt in. The balance is read again right
// before paying, so a retried request never funds twice.
func (s *Service) fundHolder(ctx context.Context, session *verification.Session) (txID string, err error) {
	holder, err := s.account(ctx, session.WalletAddress)
	if err != nil {
		return "", err
	}
	amount := s.fundingAmount(holder)
	if amount == 0 {
		return "", nil
	}

	ctx, span := s.tracer.Start(ctx, tracer.SpanFundHolder, tracer.String(tracer.AttrSessionID, session.ID))
	start := time.Now()
	defer func() {
		span.End(err)
		s.observeStep("fund_holder", start, err)
	}()

	res, err := s.ledger.Pay(ctx, session.WalletAddress, amount, []byte("idmint:funding:"+session.ID))
	if err != nil {
		s.custodyFailed(ctx, session, "fund_holder", err)
		return "", translateLedgerError(err, "fund holder")
	}
	span.SetAttributes(tracer.String(tracer.AttrTxID, res.TxID))
	s.logger.InfoContext(ctx, "holder funded",
		"session_id", session.ID,
		"holder", privacy.RedactAddress(session.WalletAddress),
		"amount", amount,
		"tx_id", res.TxID,
	)
	s.emit(ctx, audit.Event{
		Action:    audit.ActionHolderFunded,
		SessionID: session.ID,
		Subject:   session.WalletAddress,
		TxID:      res.TxID,
		Outcome:   "funded",
	})
	return res.TxID, nil
}

// mint creates the credential token. Any failure aborts issuance; the session
// stays bound so the next attempt scans for a mint that did land.
func (s *Service) mint(ctx context.Context, session *verification.Session, signed *credential.Signed) (res *ledger.TxResult, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanMint, tracer.String(tracer.AttrSessionID, session.ID))
	start := time.Now()
	defer func() {
		span.End(err)
		s.observeStep("mint", start, err)
	}()

	note, err := ledger.NewMintNote(session.Fingerprint, session.CredentialID, session.IssuanceStarted).Encode()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to encode mint note")
	}
	res, err = s.ledger.CreateAsset(ctx, ledger.AssetSpec{
		UnitName:     assetUnitName,
		AssetName:    assetName,
		URL:          s.schemaURL,
		MetadataHash: credential.DocumentHash(signed.Document),
		Note:         note,
	})
	if err != nil {
		s.custodyFailed(ctx, session, "mint", err)
		return nil, translateLedgerError(err, "mint credential")
	}
	span.SetAttributes(
		tracer.Uint64(tracer.AttrAssetID, res.AssetID),
		tracer.String(tracer.AttrTxID, res.TxID),
	)
	return res, nil
}

// Continue transfers the minted token to the holder and freezes it. It is
// safe to call again: completed steps are skipped and their recorded
// transaction ids returned.
func (s *Service) Continue(ctx context.Context, req models.ContinueRequest) (*models.ContinueResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var result *models.ContinueResult
	err := s.locks.With(req.SessionID, func() error {
		var err error
		result, err = s.continueCustody(ctx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) continueCustody(ctx context.Context, req models.ContinueRequest) (result *models.ContinueResult, err error) {
	ctx, span := s.tracer.Start(ctx, tracer.SpanContinue,
		tracer.String(tracer.AttrSessionID, req.SessionID),
		tracer.Uint64(tracer.AttrAssetID, req.AssetID),
	)
	defer func() { span.End(err) }()

	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		return nil, translateStoreError(err)
	}
	if !session.CredentialIssued || session.AssetID == 0 {
		return nil, dErrors.New(dErrors.CodeInvalidState, "no credential has been minted for this session")
	}
	if session.AssetID != req.AssetID {
		return nil, dErrors.New(dErrors.CodeConflict, fmt.Sprintf("session minted asset %d, not %d", session.AssetID, req.AssetID))
	}
	if session.WalletAddress != req.WalletAddress {
		return nil, dErrors.New(dErrors.CodeConflict, "asset belongs to a different wallet")
	}

	if session.AssetFrozen {
		return s.continueResult(session), nil
	}

	if !session.AssetTransferred {
		txID, err := s.transfer(ctx, session)
		if err != nil {
			return nil, err
		}
		session, err = s.sessions.Update(ctx, session.ID, func(sess *verification.Session) error {
			return sess.RecordTransfer(txID, requesttime.Now(ctx))
		})
		if err != nil {
			s.logger.ErrorContext(ctx, "transfer not recorded, a retry detects it from the holding",
				"session_id", req.SessionID,
				"asset_id", req.AssetID,
				"tx_id", txID,
				"error", err,
			)
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "transfer succeeded but was not recorded; retry to freeze")
		}
	}

	txID, err := s.freeze(ctx, session)
	if err != nil {
		// Transferred but not frozen is the one state that must not persist.
		s.logger.ErrorContext(ctx, "credential transferred but not frozen",
			"session_id", session.ID,
			"asset_id", session.AssetID,
			"holder", privacy.RedactAddress(session.WalletAddress),
			"error", err,
		)
		return nil, err
	}
	session, err = s.sessions.Update(ctx, session.ID, func(sess *verification.Session) error {
		return sess.RecordFreeze(txID, requesttime.Now(ctx))
	})
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "freeze succeeded but was not recorded; retry to confirm")
	}

	s.logger.InfoContext(ctx, "credential delivered",
		"session_id", session.ID,
		"asset_id", session.AssetID,
		"holder", privacy.RedactAddress(session.WalletAddress),
	)
	s.emit(ctx, audit.Event{
		Action:    audit.ActionCredentialDelivered,
		SessionID: session.ID,
		Subject:   session.WalletAddress,
		AssetID:   session.AssetID,
		TxID:      session.FreezeTxID,
		Outcome:   "frozen",
	})
	return s.continueResult(session), nil
}

func (s *Service) continueResult(session *verification.Session) *models.ContinueResult {
	return &models.ContinueResult{
		SessionID:    session.ID,
		AssetID:      session.AssetID,
		TransferTxID: session.TransferTxID,
		FreezeTxID:   session.FreezeTxID,
		Network:      s.ledger.Network(),
	}
}

// transfer moves the token to the holder. The holding is read before every
// attempt: a holder without an opt-in fails immediately, and a holder that
// already owns the token means an earlier attempt landed.
func (s *Service) transfer(ctx context.Context, session *verification.Session) (string, error) {
	return s.custodyStep(ctx, session, tracer.SpanTransfer, "transfer", func(ctx context.Context) (string, bool, error) {
		h, err := s.ledger.Holding(ctx, session.WalletAddress, session.AssetID)
		if err != nil {
			return "", false, err
		}
		if !h.OptedIn {
			return "", false, ledger.ErrNotOptedIn
		}
		if h.Amount >= 1 {
			return "", true, nil
		}
		res, err := s.ledger.TransferAsset(ctx, session.AssetID, session.WalletAddress)
		if err != nil {
			return "", false, err
		}
		return res.TxID, false, nil
	})
}

// freeze makes the holder's token non-transferable.
func (s *Service) freeze(ctx context.Context, session *verification.Session) (string, error) {
	return s.custodyStep(ctx, session, tracer.SpanFreeze, "freeze", func(ctx context.Context) (string, bool, error) {
		h, err := s.ledger.Holding(ctx, session.WalletAddress, session.AssetID)
		if err != nil {
			return "", false, err
		}
		if h.Frozen {
			return "", true, nil
		}
		res, err := s.ledger.FreezeAsset(ctx, session.AssetID, session.WalletAddress)
		if err != nil {
			return "", false, err
		}
		return res.TxID, false, nil
	})
}

// custodyStep runs attempt under the retry policy. Only confirmation timeouts
// and transport failures are retried; ledger rejections are final.
func (s *Service) custodyStep(
	ctx context.Context,
	session *verification.Session,
	spanName, step string,
	attempt func(context.Context) (txID string, done bool, err error),
) (txID string, err error) {
	ctx, span := s.tracer.Start(ctx, spanName,
		tracer.String(tracer.AttrSessionID, session.ID),
		tracer.Uint64(tracer.AttrAssetID, session.AssetID),
	)
	start := time.Now()
	defer func() {
		span.End(err)
		s.observeStep(step, start, err)
	}()

	var skipped bool
	tries := 0
	op := func() error {
		tries++
		id, done, err := attempt(ctx)
		if err != nil {
			if retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		txID, skipped = id, done
		return nil
	}
	notify := func(err error, wait time.Duration) {
		span.AddEvent("retry", tracer.Int64(tracer.AttrAttempt, int64(tries)), tracer.Duration("wait", wait))
		s.logger.WarnContext(ctx, "custody step failed, retrying",
			"step", step,
			"session_id", session.ID,
			"asset_id", session.AssetID,
			"attempt", tries,
			"error", err,
		)
	}
	if err := backoff.RetryNotify(op, s.retry.backOff(ctx), notify); err != nil {
		s.custodyFailed(ctx, session, step, err)
		return "", translateLedgerError(err, step)
	}
	if skipped {
		s.logger.InfoContext(ctx, "custody step already applied on the ledger",
			"step", step,
			"session_id", session.ID,
			"asset_id", session.AssetID,
		)
	} else {
		span.SetAttributes(tracer.String(tracer.AttrTxID, txID))
	}
	return txID, nil
}

func (s *Service) custodyFailed(ctx context.Context, session *verification.Session, step string, err error) {
	s.emit(ctx, audit.Event{
		Action:    audit.ActionCustodyFailed,
		SessionID: session.ID,
		Subject:   session.WalletAddress,
		AssetID:   session.AssetID,
		Outcome:   step,
		Reason:    err.Error(),
	})
}

func (s *Service) observeStep(step string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.ObserveCustodyStep(step, time.Since(start).Seconds(), err != nil)
	}
}

// retryable reports failures where the same transaction may succeed later.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ledger.ErrConfirmationTimeout):
		return true
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ledger.ErrNotOptedIn),
		errors.Is(err, ledger.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrAssetFrozen),
		errors.Is(err, ledger.ErrAssetNotFound),
		errors.Is(err, ledger.ErrAccountNotFound),
		errors.Is(err, ledger.ErrTransactionRejected),
		errors.Is(err, ledger.ErrInvalidAddress):
		return false
	default:
		var domainErr *dErrors.Error
		return !errors.As(err, &domainErr)
	}
}

// translateLedgerError maps ledger failures to domain errors exactly once.
func translateLedgerError(err error, step string) error {
	var domainErr *dErrors.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return dErrors.WithHint(dErrors.CodeInsufficientFunds, step+": account balance below the ledger minimum",
			fmt.Sprintf("keep at least %d microalgos above the minimum balance per pending credential",
				custodyTxns*ledger.MinTxnFee+ledger.AssetMinBalance))
	case errors.Is(err, ledger.ErrNotOptedIn):
		return dErrors.WithHint(dErrors.CodeInvalidState, step+": holder has not opted in to the asset",
			"submit a zero-amount asset transfer to yourself for this asset id, then retry")
	case errors.Is(err, ledger.ErrAssetFrozen):
		return dErrors.New(dErrors.CodeInvalidState, step+": asset holding is frozen")
	case errors.Is(err, ledger.ErrAssetNotFound):
		return dErrors.New(dErrors.CodeNotFound, step+": asset does not exist on the ledger")
	case errors.Is(err, ledger.ErrConfirmationTimeout), errors.Is(err, context.DeadlineExceeded):
		return dErrors.Wrap(err, dErrors.CodeTimeout, step+": transaction not confirmed in time")
	case errors.Is(err, ledger.ErrTransactionRejected), errors.Is(err, ledger.ErrInvalidAddress):
		return dErrors.Wrap(err, dErrors.CodeInternal, step+": transaction rejected by the ledger")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, step+": ledger unavailable")
	}
}
