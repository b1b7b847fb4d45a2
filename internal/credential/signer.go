// Package credential builds, signs and verifies identity credentials.
// Signatures are Ed25519 over the canonical JSON of the document without its
// proof, so anyone holding the issuer's ledger address can verify them.
package credential

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"time"

	"idmint/internal/identity/fingerprint"
	"idmint/internal/ledger"
	"idmint/pkg/canonicaljson"

	"github.com/mr-tron/base58"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	// ErrKeyMaterial means the signing key is missing or does not belong to
	// the issuer address. Issuance must stop before touching the ledger.
	ErrKeyMaterial = errors.New("issuer key material missing or mismatched")

	// ErrInvalidProof covers every verification failure.
	ErrInvalidProof = errors.New("credential proof is invalid")
)

// Build assembles the unsigned credential.
func Build(p Params) (*Credential, error) {
	if p.ID == "" {
		return nil, errors.New("credential id is required")
	}
	if err := ledger.ValidateAddress(p.IssuerAddress); err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	if err := ledger.ValidateAddress(p.HolderAddress); err != nil {
		return nil, fmt.Errorf("holder: %w", err)
	}
	if !fingerprint.Valid(p.Fingerprint) {
		return nil, errors.New("fingerprint must be 64 lowercase hex characters")
	}
	contexts := []string{ContextW3C}
	if p.SchemaURL != "" {
		contexts = append(contexts, p.SchemaURL)
	}
	return &Credential{
		Context:      contexts,
		ID:           p.ID,
		Type:         []string{TypeVC, TypeIdentity},
		Issuer:       ledger.DID(p.IssuerAddress),
		IssuanceDate: formatTime(p.IssuedAt),
		Subject: Subject{
			ID:          ledger.DID(p.HolderAddress),
			Fingerprint: p.Fingerprint,
			AgeOver18:   true,
		},
		Evidence: p.Evidence,
	}, nil
}

// Signer signs credentials with the issuer account key.
type Signer struct {
	address string
	key     ed25519.PrivateKey
	now     func() time.Time
}

// SignerOption configures a Signer.
type SignerOption func(*Signer)

// WithSignerClock sets the proof creation time source.
func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner checks that the key pair matches the address before any use.
func NewSigner(account *ledger.Signer, opts ...SignerOption) (*Signer, error) {
	if account == nil || len(account.PrivateKey) != ed25519.PrivateKeySize {
		return nil, ErrKeyMaterial
	}
	pub, err := ledger.PublicKey(account.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyMaterial, err)
	}
	if !bytes.Equal(pub, account.PrivateKey.Public().(ed25519.PublicKey)) {
		return nil, ErrKeyMaterial
	}
	s := &Signer{address: account.Address, key: account.PrivateKey, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Address returns the issuer address the signer speaks for.
func (s *Signer) Address() string {
	return s.address
}

// Sign serializes c canonically, signs it and appends the proof as the last field.
func (s *Signer) Sign(c *Credential) (*Signed, error) {
	return s.SignAt(c, s.now())
}

// SignAt is Sign with an explicit proof creation time. Ed25519 is
// deterministic, so the same credential signed at the same time always yields
// the same document and the same document hash.
func (s *Signer) SignAt(c *Credential, created time.Time) (*Signed, error) {
	if c.Issuer != ledger.DID(s.address) {
		return nil, fmt.Errorf("%w: credential issuer %s is not %s", ErrKeyMaterial, c.Issuer, ledger.DID(s.address))
	}
	unsigned := *c
	unsigned.Proof = nil
	body, err := canonicaljson.Marshal(unsigned)
	if err != nil {
		return nil, err
	}

	proof := Proof{
		Type:               ProofType,
		Created:            formatTime(created),
		VerificationMethod: ledger.DID(s.address) + KeyFragment,
		ProofPurpose:       ProofPurpose,
		ProofValue:         multibaseBase58 + base58.Encode(ed25519.Sign(s.key, body)),
	}
	proofJSON, err := canonicaljson.Marshal(proof)
	if err != nil {
		return nil, err
	}
	doc, err := sjson.SetRawBytes(body, "proof", proofJSON)
	if err != nil {
		return nil, fmt.Errorf("attach proof: %w", err)
	}

	unsigned.Proof = &proof
	return &Signed{Credential: unsigned, Document: doc}, nil
}

// Verify checks doc's proof against the public key embedded in the issuer
// address. It accepts any formatting of the same JSON content.
func Verify(doc []byte) error {
	if !gjson.ValidBytes(doc) {
		return ErrInvalidProof
	}
	issuer := gjson.GetBytes(doc, "issuer").String()
	vm := gjson.GetBytes(doc, "proof.verificationMethod").String()
	value := gjson.GetBytes(doc, "proof.proofValue").String()
	if gjson.GetBytes(doc, "proof.type").String() != ProofType || vm != issuer+KeyFragment {
		return ErrInvalidProof
	}
	address, err := ledger.AddressFromDID(issuer)
	if err != nil {
		return ErrInvalidProof
	}
	pub, err := ledger.PublicKey(address)
	if err != nil {
		return ErrInvalidProof
	}
	encoded, ok := strings.CutPrefix(value, multibaseBase58)
	if !ok {
		return ErrInvalidProof
	}
	sig, err := base58.Decode(encoded)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return ErrInvalidProof
	}

	unsigned, err := sjson.DeleteBytes(doc, "proof")
	if err != nil {
		return ErrInvalidProof
	}
	body, err := canonicaljson.Canonicalize(unsigned)
	if err != nil {
		return ErrInvalidProof
	}
	if !ed25519.Verify(pub, body, sig) {
		return ErrInvalidProof
	}
	return nil
}

// DocumentHash is the 32-byte digest stored as the token's metadata hash.
func DocumentHash(doc []byte) []byte {
	sum := sha256.Sum256(doc)
	return sum[:]
}

func formatTime(t time.Time) string {
	return t.UTC().Truncate(time.Second).Format(time.RFC3339)
}
