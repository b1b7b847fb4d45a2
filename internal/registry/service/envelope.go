package service

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58"

	"idmint/internal/ledger"
	"idmint/internal/registry/models"
	"idmint/pkg/canonicaljson"
	dErrors "idmint/pkg/domain-errors"
	"idmint/pkg/platform/middleware/requesttime"
)

// Op names a registry state transition.
type Op string

const (
	OpBootstrap        Op = "bootstrap"
	OpAddIssuer        Op = "add_issuer"
	OpRemoveIssuer     Op = "remove_issuer"
	OpReactivateIssuer Op = "reactivate_issuer"
	OpUpdateMetadata   Op = "update_metadata"
	OpTransferAdmin    Op = "transfer_admin"
	OpRevokeCredential Op = "revoke_credential"
)

// DefaultSignatureSkew bounds how far an envelope timestamp may be from now.
const DefaultSignatureSkew = 5 * time.Minute

const multibaseBase58 = "z"

// Envelope is the signed body of an admin request. The signature covers its
// canonical JSON form.
type Envelope struct {
	Op        Op              `json:"op"`
	Params    json.RawMessage `json:"params"`
	Sender    string          `json:"sender"`
	Timestamp int64           `json:"timestamp"`
}

// SignedRequest carries an envelope and the sender's multibase signature.
type SignedRequest struct {
	Envelope  Envelope `json:"envelope"`
	Signature string   `json:"signature"`
}

type AddIssuerParams struct {
	Address  string          `json:"address"`
	Metadata models.Metadata `json:"metadata"`
}

type RemoveIssuerParams struct {
	Address        string `json:"address"`
	RevokeAllPrior bool   `json:"revoke_all_prior"`
}

type AddressParams struct {
	Address string `json:"address"`
}

type UpdateMetadataParams struct {
	Address  string          `json:"address"`
	Metadata models.Metadata `json:"metadata"`
}

type TransferAdminParams struct {
	NewAdmin string `json:"new_admin"`
}

type RevokeCredentialParams struct {
	CredentialID string `json:"credential_id"`
	Issuer       string `json:"issuer"`
}

// SignEnvelope builds a SignedRequest for op. Operators and tests use it to
// produce requests the Executor accepts.
func SignEnvelope(signer *ledger.Signer, op Op, params any, at time.Time) (*SignedRequest, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	env := Envelope{Op: op, Params: raw, Sender: signer.Address, Timestamp: at.Unix()}
	msg, err := canonicaljson.Marshal(env)
	if err != nil {
		return nil, err
	}
	sig := ed25519.Sign(signer.PrivateKey, msg)
	return &SignedRequest{Envelope: env, Signature: multibaseBase58 + base58.Encode(sig)}, nil
}

// Executor authenticates signed envelopes and dispatches them to the Service.
type Executor struct {
	service *Service
	skew    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSignatureSkew overrides DefaultSignatureSkew.
func WithSignatureSkew(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.skew = d
		}
	}
}

func NewExecutor(service *Service, opts ...ExecutorOption) *Executor {
	e := &Executor{
		service: service,
		skew:    DefaultSignatureSkew,
		seen:    make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute verifies req and applies its operation. A signature is accepted once.
func (e *Executor) Execute(ctx context.Context, req SignedRequest) error {
	env := req.Envelope
	if err := e.authenticate(ctx, req); err != nil {
		return err
	}

	switch env.Op {
	case OpAddIssuer:
		var p AddIssuerParams
		if err := decodeParams(env.Params, &p); err != nil {
			return err
		}
		return e.service.AddIssuer(ctx, env.Sender, p.Address, p.Metadata)
	case OpRemoveIssuer:
		var p RemoveIssuerParams
		if err := decodeParams(env.Params, &p); err != nil {
			return err
		}
		return e.service.RemoveIssuer(ctx, env.Sender, p.Address, p.RevokeAllPrior)
	case OpReactivateIssuer:
		var p AddressParams
		if err := decodeParams(env.Params, &p); err != nil {
			return err
		}
		return e.service.ReactivateIssuer(ctx, env.Sender, p.Address)
	case OpUpdateMetadata:
		var p UpdateMetadataParams
		if err := decodeParams(env.Params, &p); err != nil {
			return err
		}
		return e.service.UpdateMetadata(ctx, env.Sender, p.Address, p.Metadata)
	case OpTransferAdmin:
		var p TransferAdminParams
		if err := decodeParams(env.Params, &p); err != nil {
			return err
		}
		return e.service.TransferAdmin(ctx, env.Sender, p.NewAdmin)
	case OpRevokeCredential:
		var p RevokeCredentialParams
		if err := decodeParams(env.Params, &p); err != nil {
			return err
		}
		return e.service.RevokeCredential(ctx, env.Sender, p.CredentialID, p.Issuer)
	default:
		return dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unsupported registry operation %q", env.Op))
	}
}

func (e *Executor) authenticate(ctx context.Context, req SignedRequest) error {
	env := req.Envelope
	pub, err := ledger.PublicKey(env.Sender)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnauthorized, "sender is not a valid ledger address")
	}
	encoded, ok := strings.CutPrefix(req.Signature, multibaseBase58)
	if !ok {
		return dErrors.New(dErrors.CodeUnauthorized, "signature must be base58btc multibase")
	}
	sig, err := base58.Decode(encoded)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return dErrors.New(dErrors.CodeUnauthorized, "malformed signature")
	}
	msg, err := canonicaljson.Marshal(env)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "malformed envelope")
	}
	if !ed25519.Verify(pub, msg, sig) {
		return dErrors.New(dErrors.CodeUnauthorized, "signature does not match sender")
	}

	now := requesttime.Now(ctx)
	signedAt := time.Unix(env.Timestamp, 0)
	if signedAt.Before(now.Add(-e.skew)) || signedAt.After(now.Add(e.skew)) {
		return dErrors.WithHint(dErrors.CodeUnauthorized, "envelope timestamp outside the accepted window",
			fmt.Sprintf("sign with a timestamp within %s of server time", e.skew))
	}
	if !e.remember(req.Signature, signedAt.Add(e.skew), now) {
		return dErrors.New(dErrors.CodeUnauthorized, "envelope was already used")
	}
	return nil
}

func (e *Executor) remember(sig string, until, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, exp := range e.seen {
		if now.After(exp) {
			delete(e.seen, k)
		}
	}
	if _, dup := e.seen[sig]; dup {
		return false
	}
	e.seen[sig] = until
	return true
}

func decodeParams(raw json.RawMessage, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return dErrors.Wrap(err, dErrors.CodeBadRequest, "invalid operation params")
	}
	return nil
}
