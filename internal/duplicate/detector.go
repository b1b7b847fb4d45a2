// Package duplicate reports prior credentials minted by an issuer for the same
// identity fingerprint. The check reads the ledger and is advisory: two
// concurrent issuances for one fingerprint can both pass it.
package duplicate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"idmint/internal/ledger"
	"idmint/internal/platform/metrics"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/circuit"
	"idmint/pkg/platform/privacy"
	"idmint/pkg/platform/tracer"
)

const maxCacheEntries = 4096

// ErrIssuerMismatch is returned when asked to scan an issuer other than the
// one the ledger client signs for.
var ErrIssuerMismatch = errors.New("duplicate scan is scoped to the configured issuer")

// Result is the outcome of one duplicate check.
type Result struct {
	Exists           bool
	MatchingAssetIDs []uint64
	// Unknown is set when the scan failed and policy let issuance continue.
	Unknown bool
}

// Count returns the number of matching credentials.
func (r Result) Count() int {
	return len(r.MatchingAssetIDs)
}

type cachedResult struct {
	result   Result
	storedAt time.Time
}

// Detector scans issuer mint notes. When enforce is set (production) a duplicate
// or a failed scan blocks issuance; otherwise both are reported only.
type Detector struct {
	ledger   ledger.Client
	enforce  bool
	breaker  *circuit.Breaker
	cacheTTL time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
	tracer   tracer.Tracer

	mu    sync.Mutex
	cache map[string]cachedResult
}

// Option configures a Detector.
type Option func(*Detector)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Detector) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) {
		d.metrics = m
	}
}

func WithTracer(t tracer.Tracer) Option {
	return func(d *Detector) {
		d.tracer = t
	}
}

// WithEnforcement blocks issuance on duplicates and on scan failures.
func WithEnforcement(enforce bool) Option {
	return func(d *Detector) {
		d.enforce = enforce
	}
}

// WithBreaker replaces the default scan circuit breaker.
func WithBreaker(b *circuit.Breaker) Option {
	return func(d *Detector) {
		if b != nil {
			d.breaker = b
		}
	}
}

// WithCacheTTL bounds how stale a fallback result may be while the circuit is open.
func WithCacheTTL(ttl time.Duration) Option {
	return func(d *Detector) {
		d.cacheTTL = ttl
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a detector over the issuer's ledger client.
func New(client ledger.Client, opts ...Option) *Detector {
	d := &Detector{
		ledger:   client,
		breaker:  circuit.New("duplicate_scan"),
		cacheTTL: 5 * time.Minute,
		now:      time.Now,
		logger:   slog.Default(),
		tracer:   tracer.NewNoop(),
		cache:    make(map[string]cachedResult),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Check scans for earlier mints of fingerprint by issuer.
func (d *Detector) Check(ctx context.Context, issuer, fingerprint string) (Result, error) {
	if issuer != d.ledger.IssuerAddress() {
		return Result{}, ErrIssuerMismatch
	}
	ctx, span := d.tracer.Start(ctx, tracer.SpanDuplicateScan,
		tracer.String(tracer.AttrFingerprint, privacy.RedactFingerprint(fingerprint)),
	)

	result, err := d.scan(ctx, fingerprint)
	if err != nil {
		useFallback, change := d.breaker.RecordFailure()
		if change.Opened {
			d.logger.ErrorContext(ctx, "circuit breaker opened",
				"circuit", d.breaker.Name(),
				"error", err,
			)
		}
		if useFallback {
			// Under enforcement only a cached match may stand in for a failed scan.
			if cached, ok := d.cached(fingerprint); ok && (!d.enforce || cached.Exists) {
				d.logger.WarnContext(ctx, "using cached duplicate result after scan failure",
					"fingerprint", privacy.RedactFingerprint(fingerprint),
					"circuit", d.breaker.Name(),
				)
				span.End(nil)
				return cached, nil
			}
		}
		span.End(err)
		return Result{}, err
	}

	if _, change := d.breaker.RecordSuccess(); change.Closed {
		d.logger.InfoContext(ctx, "circuit breaker closed", "circuit", d.breaker.Name())
	}
	d.store(fingerprint, result)
	span.SetAttributes(tracer.Int64(tracer.AttrDuplicates, int64(result.Count())))
	span.End(nil)
	return result, nil
}

// Gate applies the environment policy to Check.
func (d *Detector) Gate(ctx context.Context, issuer, fingerprint string) (Result, error) {
	result, err := d.Check(ctx, issuer, fingerprint)
	if err != nil {
		if errors.Is(err, ErrIssuerMismatch) {
			return Result{}, dErrors.Wrap(err, dErrors.CodeInternal, "duplicate check misconfigured")
		}
		if d.enforce {
			return Result{}, dErrors.Wrap(err, dErrors.CodeUnavailable, "duplicate check unavailable, retry later")
		}
		d.logger.WarnContext(ctx, "duplicate check failed, continuing with unknown result",
			"fingerprint", privacy.RedactFingerprint(fingerprint),
			"error", err,
		)
		return Result{Unknown: true}, nil
	}
	if !result.Exists {
		return result, nil
	}

	if d.metrics != nil {
		d.metrics.IncrementDuplicates()
	}
	d.logger.WarnContext(ctx, "duplicate identity detected",
		"fingerprint", privacy.RedactFingerprint(fingerprint),
		"matching_assets", result.MatchingAssetIDs,
		"enforced", d.enforce,
	)
	if d.enforce {
		return result, dErrors.New(dErrors.CodeDuplicate,
			fmt.Sprintf("a credential for this identity already exists (assets %v)", result.MatchingAssetIDs))
	}
	return result, nil
}

// FindCredential returns the mint of credentialID for fingerprint, or nil when
// none exists. Issuance uses it to recover an asset id lost to a crash.
func (d *Detector) FindCredential(ctx context.Context, fingerprint, credentialID string) (*ledger.NoteRecord, error) {
	var found *ledger.NoteRecord
	err := d.ledger.ScanIssuerNotes(ctx, ledger.FingerprintPrefix(fingerprint), func(rec ledger.NoteRecord) bool {
		note, err := ledger.DecodeMintNote(rec.Note)
		if err != nil || note.CredentialID != credentialID {
			return true
		}
		found = &rec
		return false
	})
	if err != nil {
		return nil, fmt.Errorf("scan for credential %s: %w", credentialID, err)
	}
	return found, nil
}

func (d *Detector) scan(ctx context.Context, fingerprint string) (Result, error) {
	var result Result
	err := d.ledger.ScanIssuerNotes(ctx, ledger.FingerprintPrefix(fingerprint), func(rec ledger.NoteRecord) bool {
		note, err := ledger.DecodeMintNote(rec.Note)
		if err != nil || note.Fingerprint != fingerprint {
			return true
		}
		result.MatchingAssetIDs = append(result.MatchingAssetIDs, rec.AssetID)
		return true
	})
	if err != nil {
		return Result{}, fmt.Errorf("scan issuer notes: %w", err)
	}
	result.Exists = len(result.MatchingAssetIDs) > 0
	return result, nil
}

// RecordMinted adds an asset this service just minted to the cached result
// for fingerprint, so an open circuit still reports it before the indexer
// catches up.
func (d *Detector) RecordMinted(fingerprint string, assetID uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.cache[fingerprint].result
	ids := make([]uint64, 0, len(prev.MatchingAssetIDs)+1)
	for _, id := range prev.MatchingAssetIDs {
		if id != assetID {
			ids = append(ids, id)
		}
	}
	ids = append(ids, assetID)
	d.cache[fingerprint] = cachedResult{
		result:   Result{Exists: true, MatchingAssetIDs: ids},
		storedAt: d.now(),
	}
}

func (d *Detector) cached(fingerprint string) (Result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.cache[fingerprint]
	if !ok || d.now().Sub(c.storedAt) > d.cacheTTL {
		return Result{}, false
	}
	return c.result, true
}

func (d *Detector) store(fingerprint string, r Result) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if len(d.cache) >= maxCacheEntries {
		for k, c := range d.cache {
			if now.Sub(c.storedAt) > d.cacheTTL {
				delete(d.cache, k)
			}
		}
	}
	d.cache[fingerprint] = cachedResult{result: r, storedAt: now}
}
