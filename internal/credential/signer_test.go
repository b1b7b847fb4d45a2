package credential

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"idmint/internal/identity/fingerprint"
	"idmint/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

type SignerSuite struct {
	suite.Suite
	issuer *ledger.Signer
	holder *ledger.Signer
	now    time.Time
	signer *Signer
}

func TestSignerSuite(t *testing.T) {
	suite.Run(t, new(SignerSuite))
}

func (s *SignerSuite) SetupTest() {
	s.issuer = ledger.GenerateSigner()
	s.holder = ledger.GenerateSigner()
	s.now = time.Date(2026, 2, 1, 9, 30, 0, 0, time.UTC)
	signer, err := NewSigner(s.issuer, WithSignerClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	s.signer = signer
}

func (s *SignerSuite) build() *Credential {
	c, err := Build(Params{
		ID:            "urn:uuid:8d1c6f44-7a0e-4a53-9e5e-0d2f3b0c9a11",
		IssuerAddress: s.issuer.Address,
		HolderAddress: s.holder.Address,
		IssuedAt:      s.now,
		Fingerprint:   fingerprint.Compute("John", "Doe", "1990-01-15"),
		SchemaURL:     "https://idmint.example/schema/credential",
		Evidence: []Evidence{{
			Type:       EvidenceType,
			Provider:   "veriff",
			SessionID:  "sess-1",
			VerifiedAt: "2026-02-01T09:00:00Z",
		}},
	})
	s.Require().NoError(err)
	return c
}

func (s *SignerSuite) TestSignAndVerify() {
	signed, err := s.signer.Sign(s.build())
	s.Require().NoError(err)

	s.NoError(Verify(signed.Document))
	s.Require().NotNil(signed.Credential.Proof)
	s.Equal(ProofType, signed.Credential.Proof.Type)
	s.Equal(ledger.DID(s.issuer.Address)+KeyFragment, signed.Credential.Proof.VerificationMethod)
	s.True(strings.HasPrefix(signed.Credential.Proof.ProofValue, "z"))
	s.Equal("2026-02-01T09:30:00Z", signed.Credential.Proof.Created)
	s.Equal(ledger.DID(s.holder.Address), gjson.GetBytes(signed.Document, "credentialSubject.id").String())
}

func (s *SignerSuite) TestProofIsLastField() {
	signed, err := s.signer.Sign(s.build())
	s.Require().NoError(err)

	var keys []string
	gjson.ParseBytes(signed.Document).ForEach(func(k, _ gjson.Result) bool {
		keys = append(keys, k.String())
		return true
	})
	s.Require().NotEmpty(keys)
	s.Equal("proof", keys[len(keys)-1])
}

func (s *SignerSuite) TestVerifyAcceptsReformattedDocument() {
	signed, err := s.signer.Sign(s.build())
	s.Require().NoError(err)

	var v map[string]any
	s.Require().NoError(json.Unmarshal(signed.Document, &v))
	pretty, err := json.MarshalIndent(v, "", "    ")
	s.Require().NoError(err)
	s.NoError(Verify(pretty))
}

func (s *SignerSuite) TestAnyMutationInvalidates() {
	signed, err := s.signer.Sign(s.build())
	s.Require().NoError(err)

	mutations := map[string]func([]byte) ([]byte, error){
		"fingerprint": func(d []byte) ([]byte, error) {
			return sjson.SetBytes(d, "credentialSubject.fingerprint", strings.Repeat("0", 64))
		},
		"holder": func(d []byte) ([]byte, error) {
			return sjson.SetBytes(d, "credentialSubject.id", ledger.DID(ledger.GenerateSigner().Address))
		},
		"issuance date": func(d []byte) ([]byte, error) {
			return sjson.SetBytes(d, "issuanceDate", "2030-01-01T00:00:00Z")
		},
		"added field": func(d []byte) ([]byte, error) {
			return sjson.SetBytes(d, "extra", true)
		},
		"issuer swapped": func(d []byte) ([]byte, error) {
			other := ledger.DID(ledger.GenerateSigner().Address)
			d, err := sjson.SetBytes(d, "issuer", other)
			if err != nil {
				return nil, err
			}
			return sjson.SetBytes(d, "proof.verificationMethod", other+KeyFragment)
		},
		"proof removed": func(d []byte) ([]byte, error) {
			return sjson.DeleteBytes(d, "proof")
		},
		"proof encoding": func(d []byte) ([]byte, error) {
			v := gjson.GetBytes(d, "proof.proofValue").String()
			return sjson.SetBytes(d, "proof.proofValue", "u"+v[1:])
		},
	}
	for name, mutate := range mutations {
		s.Run(name, func() {
			mutated, err := mutate(bytes.Clone(signed.Document))
			s.Require().NoError(err)
			s.ErrorIs(Verify(mutated), ErrInvalidProof)
		})
	}
}

func (s *SignerSuite) TestSignRejectsForeignIssuer() {
	c := s.build()
	c.Issuer = ledger.DID(s.holder.Address)
	_, err := s.signer.Sign(c)
	s.ErrorIs(err, ErrKeyMaterial)
}

func (s *SignerSuite) TestSignAtIsReproducible() {
	created := s.now.Add(-time.Hour)
	first, err := s.signer.SignAt(s.build(), created)
	s.Require().NoError(err)
	second, err := s.signer.SignAt(s.build(), created)
	s.Require().NoError(err)

	s.Equal(first.Document, second.Document)
	s.Equal(DocumentHash(first.Document), DocumentHash(second.Document))
	s.Equal("2026-02-01T08:30:00Z", first.Credential.Proof.Created)
}

func TestNewSignerKeyMaterial(t *testing.T) {
	a, b := ledger.GenerateSigner(), ledger.GenerateSigner()

	_, err := NewSigner(nil)
	assert.ErrorIs(t, err, ErrKeyMaterial)

	_, err = NewSigner(&ledger.Signer{Address: a.Address})
	assert.ErrorIs(t, err, ErrKeyMaterial)

	_, err = NewSigner(&ledger.Signer{Address: a.Address, PrivateKey: b.PrivateKey})
	assert.ErrorIs(t, err, ErrKeyMaterial)

	signer, err := NewSigner(a)
	require.NoError(t, err)
	assert.Equal(t, a.Address, signer.Address())
}

func TestBuildValidatesInputs(t *testing.T) {
	issuer, holder := ledger.GenerateSigner(), ledger.GenerateSigner()
	valid := Params{
		ID:            "urn:uuid:1",
		IssuerAddress: issuer.Address,
		HolderAddress: holder.Address,
		IssuedAt:      time.Now(),
		Fingerprint:   fingerprint.Compute("a", "b", "2000-01-01"),
	}
	_, err := Build(valid)
	require.NoError(t, err)

	for name, mutate := range map[string]func(*Params){
		"missing id":      func(p *Params) { p.ID = "" },
		"bad holder":      func(p *Params) { p.HolderAddress = "nope" },
		"bad issuer":      func(p *Params) { p.IssuerAddress = "" },
		"bad fingerprint": func(p *Params) { p.Fingerprint = "ABC" },
	} {
		p := valid
		mutate(&p)
		_, err := Build(p)
		assert.Error(t, err, name)
	}
}
