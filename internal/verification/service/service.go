package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"idmint/internal/audit"
	"idmint/internal/identity/integrity"
	"idmint/internal/platform/metrics"
	"idmint/internal/verification/models"
	"idmint/internal/verification/providers"
	"idmint/internal/verification/store"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
	"idmint/pkg/platform/privacy"
	"idmint/pkg/platform/sentinel"
	"idmint/pkg/requestcontext"
)

// DefaultSessionTTL bounds how long a user has to complete the provider flow.
const DefaultSessionTTL = 30 * time.Minute

// AuditPublisher receives security-relevant events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// Service drives the verification session state machine.
type Service struct {
	store           store.Store
	providers       *providers.Registry
	integrity       *integrity.Service
	defaultProvider string
	ttl             time.Duration
	logger          *slog.Logger
	metrics         *metrics.Metrics
	auditor         AuditPublisher
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

// WithSessionTTL overrides DefaultSessionTTL.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithDefaultProvider selects the provider used when a request names none.
func WithDefaultProvider(id string) Option {
	return func(s *Service) {
		s.defaultProvider = id
	}
}

func New(st store.Store, registry *providers.Registry, integritySvc *integrity.Service, opts ...Option) *Service {
	s := &Service{
		store:     st,
		providers: registry,
		integrity: integritySvc,
		ttl:       DefaultSessionTTL,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartResult is returned to the client after a session is opened.
type StartResult struct {
	Session *models.Session
	Start   *providers.SessionStart
}

// CreateSession opens a provider session and records it as pending.
func (s *Service) CreateSession(ctx context.Context, providerID string) (*StartResult, error) {
	if providerID == "" {
		providerID = s.defaultProvider
	}
	provider, ok := s.providers.Get(providerID)
	if !ok {
		return nil, dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown verification provider %q", providerID))
	}

	id := uuid.NewString()
	start, err := provider.CreateSession(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "provider session creation failed",
			"provider", providerID,
			"category", providers.GetCategory(err),
			"error", err,
		)
		if providers.IsRetryable(err) {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "verification provider unavailable")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "verification provider rejected the session request")
	}

	now := requesttime.Now(ctx)
	session := models.NewSession(id, providerID, start.ProviderSessionID, now, s.ttl)
	if err := s.store.Create(ctx, session); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			return nil, dErrors.Wrap(err, dErrors.CodeConflict, "provider session already registered")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to save session")
	}

	if s.metrics != nil {
		s.metrics.IncrementSessionsCreated(providerID)
	}
	s.emit(ctx, audit.Event{
		Action:    audit.ActionSessionCreated,
		SessionID: id,
		Outcome:   string(models.StatusPending),
		Reason:    providerID,
	})
	s.logger.InfoContext(ctx, "verification session created",
		"session_id", id,
		"provider", providerID,
		"expires_at", session.ExpiresAt,
	)
	return &StartResult{Session: session, Start: start}, nil
}

// SessionView is a session as returned to its owner. Token and Digest are set
// only for approved sessions.
type SessionView struct {
	Session        *models.Session
	DataDigest     string
	IntegrityToken string
	TokenExpiresAt time.Time
}

// GetSession loads a session, applying lazy expiry, and binds approved data to
// a fresh integrity token.
func (s *Service) GetSession(ctx context.Context, id string) (*SessionView, error) {
	session, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	view := &SessionView{Session: session}
	if session.Status != models.StatusApproved || session.VerifiedData == nil || s.integrity == nil {
		return view, nil
	}

	digest, err := s.integrity.ComputeDataDigest(session.VerifiedData.DigestFields())
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to digest verified data")
	}
	token, err := s.integrity.IssueToken(session.ID, digest)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to issue integrity token")
	}
	view.DataDigest = digest
	view.IntegrityToken = token
	view.TokenExpiresAt = requesttime.Now(ctx).Add(s.integrity.TTL())
	return view, nil
}

// Load returns the session after lazy expiry. A pending session read past its
// deadline is persisted as expired before it is returned.
func (s *Service) Load(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, translateStoreError(err, "session")
	}
	now := requesttime.Now(ctx)
	if session.Status != models.StatusPending || !session.IsExpired(now) {
		return session, nil
	}

	updated, err := s.store.Update(ctx, id, func(sess *models.Session) error {
		sess.Refresh(now)
		return nil
	})
	if err != nil {
		return nil, translateStoreError(err, "session")
	}
	s.logger.InfoContext(ctx, "verification session expired", "session_id", id)
	return updated, nil
}

// HandleWebhook authenticates and applies a provider notification. Nothing is
// read or written before the signature check passes.
func (s *Service) HandleWebhook(ctx context.Context, providerID string, req providers.WebhookRequest) error {
	provider, ok := s.providers.Get(providerID)
	if !ok {
		return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown verification provider %q", providerID))
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = requesttime.Now(ctx)
	}
	if !provider.ValidateWebhook(req) {
		s.recordWebhook(providerID, "invalid_signature")
		s.emit(ctx, audit.Event{
			Action: audit.ActionWebhookRejected,
			Reason: providerID,
			Actor:  privacy.AnonymizeIP(requestcontext.ClientIP(ctx)),
		})
		s.logger.WarnContext(ctx, "webhook signature rejected", "provider", providerID)
		return dErrors.New(dErrors.CodeUnauthorized, "invalid webhook signature")
	}

	data, err := provider.ParseWebhookData(req.Body)
	if err != nil {
		s.recordWebhook(providerID, "malformed")
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed webhook payload")
	}
	if data.Decision == providers.DecisionPending {
		s.recordWebhook(providerID, "ignored")
		return nil
	}

	session, err := s.store.FindByProviderSession(ctx, providerID, data.ProviderSessionID)
	if err != nil {
		s.recordWebhook(providerID, "unknown_session")
		return translateStoreError(err, "session")
	}

	now := requesttime.Now(ctx)
	decision, reason := data.Decision, data.Reason
	if decision == providers.DecisionApproved {
		if data.VerifiedData == nil {
			decision, reason = providers.DecisionRejected, "provider approved without identity data"
		} else if verr := data.VerifiedData.Validate(now); verr != nil {
			decision, reason = providers.DecisionRejected, verr.Error()
		}
	}

	updated, err := s.store.Update(ctx, session.ID, func(sess *models.Session) error {
		if replayed(sess, decision) {
			return nil
		}
		for k, v := range data.Metadata {
			if sess.Metadata == nil {
				sess.Metadata = make(map[string]string)
			}
			sess.Metadata[k] = v
		}
		if decision == providers.DecisionApproved {
			return sess.Approve(*data.VerifiedData, now)
		}
		return sess.Reject(reason, now)
	})
	if err != nil {
		s.recordWebhook(providerID, "invalid_state")
		return translateStoreError(err, "session")
	}

	s.recordWebhook(providerID, string(updated.Status))
	s.emit(ctx, audit.Event{
		Action:    audit.ActionSessionDecided,
		SessionID: updated.ID,
		Outcome:   string(updated.Status),
		Reason:    reason,
	})
	s.logger.InfoContext(ctx, "verification session decided",
		"session_id", updated.ID,
		"provider", providerID,
		"status", updated.Status,
	)
	return nil
}

// replayed reports a redelivered webhook for a decision already applied.
func replayed(sess *models.Session, decision providers.Decision) bool {
	switch decision {
	case providers.DecisionApproved:
		return sess.Status == models.StatusApproved
	case providers.DecisionRejected:
		return sess.Status == models.StatusRejected
	}
	return false
}

func (s *Service) recordWebhook(providerID, outcome string) {
	if s.metrics != nil {
		s.metrics.IncrementWebhook(providerID, outcome)
	}
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

func translateStoreError(err error, what string) error {
	var domainErr *dErrors.Error
	switch {
	case errors.As(err, &domainErr):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, what+" not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, what+" was modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to access "+what)
	}
}
