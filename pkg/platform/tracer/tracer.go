// Package tracer is a thin tracing abstraction so services can emit spans
// without importing OpenTelemetry directly.
//
// Implementations:
//   - NoopTracer for tests
//   - OTelTracer backed by the global OpenTelemetry provider
package tracer

import (
	"context"
	"time"
)

// Span is an active trace span. End must be called exactly once.
type Span interface {
	// End completes the span and marks it failed when err is non-nil.
	End(err error)
	SetAttributes(attrs ...Attribute)
	AddEvent(name string, attrs ...Attribute)
}

// Tracer starts spans. Implementations must be safe for concurrent use.
type Tracer interface {
	Start(ctx context.Context, name string, attrs ...Attribute) (context.Context, Span)
}

// Attribute is a key/value pair attached to spans and events.
type Attribute struct {
	Key   string
	Value any
}

func String(key, value string) Attribute { return Attribute{Key: key, Value: value} }

func Bool(key string, value bool) Attribute { return Attribute{Key: key, Value: value} }

func Uint64(key string, value uint64) Attribute { return Attribute{Key: key, Value: int64(value)} }

func Int64(key string, value int64) Attribute { return Attribute{Key: key, Value: value} }

// Duration records d in milliseconds.
func Duration(key string, d time.Duration) Attribute {
	return Attribute{Key: key, Value: d.Milliseconds()}
}

// Span names for the issuance pipeline.
const (
	SpanIssue           = "issuance.issue"
	SpanContinue        = "issuance.continue"
	SpanPreflight       = "issuance.preflight"
	SpanFundHolder      = "custody.fund_holder"
	SpanMint            = "custody.mint"
	SpanTransfer        = "custody.transfer"
	SpanFreeze          = "custody.freeze"
	SpanDuplicateScan   = "duplicate.scan"
	SpanRegistryExecute = "registry.execute"
)

// Attribute keys. Never attach raw identity fields.
const (
	AttrSessionID   = "session.id"
	AttrAssetID     = "asset.id"
	AttrTxID        = "ledger.txid"
	AttrFingerprint = "identity.fingerprint_prefix"
	AttrNetwork     = "ledger.network"
	AttrOperation   = "registry.operation"
	AttrAttempt     = "retry.attempt"
	AttrDuplicates  = "duplicate.count"
)
