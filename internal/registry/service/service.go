// Package service implements the issuer authorization registry: who may mint
// credentials, who may change that, and which credentials have been revoked.
// Every mutating operation runs in one state transaction and either applies
// fully or not at all.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"idmint/internal/audit"
	"idmint/internal/ledger"
	"idmint/internal/platform/metrics"
	"idmint/internal/registry/models"
	"idmint/internal/registry/store"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
	"idmint/pkg/platform/tracer"
	"idmint/pkg/requestcontext"
)

// AuditPublisher receives registry change and denial events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service is the registry. It holds no state of its own.
type Service struct {
	state         store.State
	allowVouching bool
	logger        *slog.Logger
	metrics       *metrics.Metrics
	auditor       AuditPublisher
	tracer        tracer.Tracer
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

// WithVouching lets active issuers add new issuers.
func WithVouching(allow bool) Option {
	return func(s *Service) {
		s.allowVouching = allow
	}
}

func New(state store.State, opts ...Option) *Service {
	s := &Service{
		state:  state,
		logger: slog.Default(),
		tracer: tracer.NewNoop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bootstrap installs the first admin. It fails once an admin exists.
func (s *Service) Bootstrap(ctx context.Context, admin string) error {
	return s.update(ctx, OpBootstrap, admin, admin, func(tx store.Tx, now time.Time) error {
		if _, ok, err := readAdmin(tx); err != nil {
			return err
		} else if ok {
			return dErrors.New(dErrors.CodeConflict, "registry is already bootstrapped")
		}
		raw, err := models.EncodeAddress(admin)
		if err != nil {
			return invalidAddress(err)
		}
		if err := tx.SetGlobal(models.GlobalAdmin, raw); err != nil {
			return err
		}
		return tx.SetGlobal(models.GlobalIssuerCount, models.EncodeUint(0))
	})
}

// IsBootstrapped reports whether an admin exists.
func (s *Service) IsBootstrapped(ctx context.Context) (bool, error) {
	var ok bool
	err := s.view(ctx, func(tx store.Tx) error {
		var err error
		_, ok, err = readAdmin(tx)
		return err
	})
	return ok, err
}

// AddIssuer creates an active record. The caller must be the admin, or an
// active issuer when vouching is enabled. Existing records, active or not,
// are never overwritten.
func (s *Service) AddIssuer(ctx context.Context, sender, address string, meta models.Metadata) error {
	if err := meta.Validate(); err != nil {
		return dErrors.New(dErrors.CodeValidation, err.Error())
	}
	return s.update(ctx, OpAddIssuer, sender, address, func(tx store.Tx, now time.Time) error {
		isAdmin, err := senderIsAdmin(tx, sender)
		if err != nil {
			return err
		}
		if !isAdmin {
			if !s.allowVouching {
				return errNotAdmin
			}
			voucher, found, err := readIssuer(tx, sender)
			if err != nil {
				return err
			}
			if !found || !voucher.Active() {
				return dErrors.New(dErrors.CodeForbidden, "caller is neither the admin nor an active issuer")
			}
		}

		if _, found, err := readIssuer(tx, address); err != nil {
			return err
		} else if found {
			return dErrors.New(dErrors.CodeConflict, "issuer already has a registry record; use reactivation")
		}

		if err := writeIssuer(tx, models.Issuer{Address: address, AddedAt: now, VouchedBy: sender}); err != nil {
			return err
		}
		meta.UpdatedAt = now
		if err := writeMetadata(tx, address, meta); err != nil {
			return err
		}
		return adjustCount(tx, +1)
	})
}

// RemoveIssuer deactivates an issuer. The record is kept. With revokeAllPrior
// every credential the issuer minted before now is treated as revoked.
func (s *Service) RemoveIssuer(ctx context.Context, sender, address string, revokeAllPrior bool) error {
	return s.update(ctx, OpRemoveIssuer, sender, address, func(tx store.Tx, now time.Time) error {
		if err := requireAdmin(tx, sender); err != nil {
			return err
		}
		rec, err := mustReadIssuer(tx, address)
		if err != nil {
			return err
		}
		if !rec.Active() {
			return dErrors.New(dErrors.CodeInvalidState, "issuer is already inactive")
		}
		rec.RevokedAt = now
		rec.RevokeAllPrior = revokeAllPrior
		if err := writeIssuer(tx, rec); err != nil {
			return err
		}
		return adjustCount(tx, -1)
	})
}

// ReactivateIssuer restores an inactive issuer and restarts its added time.
func (s *Service) ReactivateIssuer(ctx context.Context, sender, address string) error {
	return s.update(ctx, OpReactivateIssuer, sender, address, func(tx store.Tx, now time.Time) error {
		if err := requireAdmin(tx, sender); err != nil {
			return err
		}
		rec, err := mustReadIssuer(tx, address)
		if err != nil {
			return err
		}
		if rec.Active() {
			return dErrors.New(dErrors.CodeInvalidState, "issuer is already active")
		}
		rec.AddedAt = now
		rec.RevokedAt = time.Time{}
		rec.RevokeAllPrior = false
		if err := writeIssuer(tx, rec); err != nil {
			return err
		}
		return adjustCount(tx, +1)
	})
}

// UpdateMetadata replaces the display fields of an existing issuer.
func (s *Service) UpdateMetadata(ctx context.Context, sender, address string, meta models.Metadata) error {
	if err := meta.Validate(); err != nil {
		return dErrors.New(dErrors.CodeValidation, err.Error())
	}
	return s.update(ctx, OpUpdateMetadata, sender, address, func(tx store.Tx, now time.Time) error {
		if err := requireAdmin(tx, sender); err != nil {
			return err
		}
		if _, err := mustReadIssuer(tx, address); err != nil {
			return err
		}
		meta.UpdatedAt = now
		return writeMetadata(tx, address, meta)
	})
}

// TransferAdmin hands the admin role to newAdmin. The old admin loses it in
// the same transaction.
func (s *Service) TransferAdmin(ctx context.Context, sender, newAdmin string) error {
	return s.update(ctx, OpTransferAdmin, sender, newAdmin, func(tx store.Tx, now time.Time) error {
		if err := requireAdmin(tx, sender); err != nil {
			return err
		}
		raw, err := models.EncodeAddress(newAdmin)
		if err != nil {
			return invalidAddress(err)
		}
		return tx.SetGlobal(models.GlobalAdmin, raw)
	})
}

// RevokeCredential marks one credential as revoked.
func (s *Service) RevokeCredential(ctx context.Context, sender, credentialID, issuer string) error {
	if credentialID == "" {
		return dErrors.New(dErrors.CodeValidation, "credential id is required")
	}
	return s.update(ctx, OpRevokeCredential, sender, issuer, func(tx store.Tx, now time.Time) error {
		if err := requireAdmin(tx, sender); err != nil {
			return err
		}
		key := models.CredentialKey(credentialID)
		if _, found, err := tx.Box(key); err != nil {
			return err
		} else if found {
			return dErrors.New(dErrors.CodeConflict, "credential is already revoked")
		}
		box, err := models.EncodeCredential(models.CredentialRevocation{CredentialID: credentialID, RevokedAt: now, Issuer: issuer})
		if err != nil {
			return invalidAddress(err)
		}
		return tx.SetBox(key, box)
	})
}

// IsAuthorized is true iff address has a record and it is active.
func (s *Service) IsAuthorized(ctx context.Context, address string) (bool, error) {
	if ledger.ValidateAddress(address) != nil {
		return false, nil
	}
	var active bool
	err := s.view(ctx, func(tx store.Tx) error {
		rec, found, err := readIssuer(tx, address)
		if err != nil {
			return err
		}
		active = found && rec.Active()
		return nil
	})
	return active, err
}

// GetIssuerInfo returns the record and metadata of address.
func (s *Service) GetIssuerInfo(ctx context.Context, address string) (*models.IssuerInfo, error) {
	var info *models.IssuerInfo
	err := s.view(ctx, func(tx store.Tx) error {
		rec, err := mustReadIssuer(tx, address)
		if err != nil {
			return err
		}
		meta, err := readMetadata(tx, address)
		if err != nil {
			return err
		}
		info = &models.IssuerInfo{Issuer: rec, Active: rec.Active(), Metadata: meta}
		return nil
	})
	return info, err
}

// QueryCredential returns the revocation record; it fails when the credential
// was never revoked.
func (s *Service) QueryCredential(ctx context.Context, credentialID string) (*models.CredentialRevocation, error) {
	var rev *models.CredentialRevocation
	err := s.view(ctx, func(tx store.Tx) error {
		r, found, err := readRevocation(tx, credentialID)
		if err != nil {
			return err
		}
		if !found {
			return dErrors.New(dErrors.CodeNotFound, "credential has no revocation record")
		}
		rev = &r
		return nil
	})
	return rev, err
}

// CredentialStatus combines explicit revocation with issuer-wide revocation of
// prior credentials.
func (s *Service) CredentialStatus(ctx context.Context, credentialID, issuer string, issuedAt time.Time) (*models.CredentialStatus, error) {
	status := &models.CredentialStatus{}
	err := s.view(ctx, func(tx store.Tx) error {
		if _, found, err := readRevocation(tx, credentialID); err != nil {
			return err
		} else if found {
			status.Revoked, status.Reason = true, "credential revoked"
			return nil
		}
		rec, found, err := readIssuer(tx, issuer)
		if err != nil {
			return err
		}
		switch {
		case !found:
			status.Revoked, status.Reason = true, "issuer is not registered"
		case !rec.Active() && rec.RevokeAllPrior && !issuedAt.After(rec.RevokedAt):
			status.Revoked, status.Reason = true, "issuer revoked with all prior credentials"
		}
		return nil
	})
	return status, err
}

// Stats returns the active issuer count and the admin.
func (s *Service) Stats(ctx context.Context) (*models.Stats, error) {
	stats := &models.Stats{}
	err := s.view(ctx, func(tx store.Tx) error {
		admin, ok, err := readAdmin(tx)
		if err != nil {
			return err
		}
		if !ok {
			return errNotBootstrapped
		}
		stats.Admin = admin
		stats.IssuerCount, err = readCount(tx)
		return err
	})
	return stats, err
}

func (s *Service) update(ctx context.Context, op Op, sender, subject string, fn func(store.Tx, time.Time) error) error {
	ctx, span := s.tracer.Start(ctx, tracer.SpanRegistryExecute, tracer.String(tracer.AttrOperation, string(op)))
	now := requesttime.Now(ctx).UTC().Truncate(time.Second)

	err := s.state.Update(ctx, func(tx store.Tx) error { return fn(tx, now) })
	err = translate(err)
	span.End(err)

	outcome := "applied"
	action := audit.ActionRegistryChanged
	if err != nil {
		outcome = "rejected"
		if dErrors.HasCode(err, dErrors.CodeForbidden) {
			outcome = "denied"
			action = audit.ActionRegistryDenied
		}
		s.logger.WarnContext(ctx, "registry operation rejected",
			"operation", op,
			"sender", sender,
			"subject", subject,
			"error", err,
		)
	} else {
		s.logger.InfoContext(ctx, "registry operation applied",
			"operation", op,
			"sender", sender,
			"subject", subject,
		)
	}
	if s.metrics != nil {
		s.metrics.IncrementRegistryOperation(string(op), outcome)
	}
	s.emit(ctx, audit.Event{
		Action:  action,
		Actor:   sender,
		Subject: subject,
		Outcome: outcome,
		Reason:  string(op),
	})
	return err
}

func (s *Service) view(ctx context.Context, fn func(store.Tx) error) error {
	return translate(s.state.View(ctx, fn))
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

var (
	errNotAdmin        = dErrors.New(dErrors.CodeForbidden, "caller is not the registry admin")
	errNotBootstrapped = dErrors.New(dErrors.CodeInvalidState, "registry has no admin yet")
)

func translate(err error) error {
	var domainErr *dErrors.Error
	switch {
	case err == nil:
		return nil
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, store.ErrReadOnly):
		return dErrors.Wrap(err, dErrors.CodeForbidden, "registry backend is read-only; submit changes on-chain")
	case errors.Is(err, models.ErrMalformedBox):
		return dErrors.Wrap(err, dErrors.CodeInternal, "registry state is corrupt")
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "registry unavailable")
	}
}

func invalidAddress(err error) error {
	return dErrors.Wrap(err, dErrors.CodeValidation, "invalid ledger address")
}

func readAdmin(tx store.Tx) (string, bool, error) {
	raw, ok, err := tx.Global(models.GlobalAdmin)
	if err != nil || !ok {
		return "", false, err
	}
	addr, err := models.DecodeAddress(raw)
	return addr, err == nil, err
}

func senderIsAdmin(tx store.Tx, sender string) (bool, error) {
	admin, ok, err := readAdmin(tx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, errNotBootstrapped
	}
	return admin == sender, nil
}

func requireAdmin(tx store.Tx, sender string) error {
	isAdmin, err := senderIsAdmin(tx, sender)
	if err != nil {
		return err
	}
	if !isAdmin {
		return errNotAdmin
	}
	return nil
}

func readCount(tx store.Tx) (uint64, error) {
	raw, ok, err := tx.Global(models.GlobalIssuerCount)
	if err != nil || !ok {
		return 0, err
	}
	return models.DecodeUint(raw)
}

func adjustCount(tx store.Tx, delta int) error {
	n, err := readCount(tx)
	if err != nil {
		return err
	}
	if delta < 0 {
		if n == 0 {
			return dErrors.New(dErrors.CodeInvariantViolation, "issuer count would go negative")
		}
		n--
	} else {
		n++
	}
	return tx.SetGlobal(models.GlobalIssuerCount, models.EncodeUint(n))
}

func readIssuer(tx store.Tx, address string) (models.Issuer, bool, error) {
	key, err := models.IssuerKey(address)
	if err != nil {
		return models.Issuer{}, false, invalidAddress(err)
	}
	raw, ok, err := tx.Box(key)
	if err != nil || !ok {
		return models.Issuer{}, false, err
	}
	rec, err := models.DecodeIssuer(address, raw)
	return rec, err == nil, err
}

func mustReadIssuer(tx store.Tx, address string) (models.Issuer, error) {
	rec, found, err := readIssuer(tx, address)
	if err != nil {
		return models.Issuer{}, err
	}
	if !found {
		return models.Issuer{}, dErrors.New(dErrors.CodeNotFound, fmt.Sprintf("issuer %s is not registered", address))
	}
	return rec, nil
}

func writeIssuer(tx store.Tx, rec models.Issuer) error {
	key, err := models.IssuerKey(rec.Address)
	if err != nil {
		return invalidAddress(err)
	}
	box, err := models.EncodeIssuer(rec)
	if err != nil {
		return invalidAddress(err)
	}
	return tx.SetBox(key, box)
}

func readMetadata(tx store.Tx, address string) (models.Metadata, error) {
	key, err := models.MetadataKey(address)
	if err != nil {
		return models.Metadata{}, invalidAddress(err)
	}
	raw, ok, err := tx.Box(key)
	if err != nil || !ok {
		return models.Metadata{}, err
	}
	return models.DecodeMetadata(raw)
}

func writeMetadata(tx store.Tx, address string, meta models.Metadata) error {
	key, err := models.MetadataKey(address)
	if err != nil {
		return invalidAddress(err)
	}
	box, err := models.EncodeMetadata(meta)
	if err != nil {
		return dErrors.New(dErrors.CodeValidation, err.Error())
	}
	return tx.SetBox(key, box)
}

func readRevocation(tx store.Tx, credentialID string) (models.CredentialRevocation, bool, error) {
	raw, ok, err := tx.Box(models.CredentialKey(credentialID))
	if err != nil || !ok {
		return models.CredentialRevocation{}, false, err
	}
	rev, err := models.DecodeCredential(credentialID, raw)
	return rev, err == nil, err
}
