package models

import (
	"strings"
	"testing"
	"time"

	"idmint/internal/ledger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataValidate(t *testing.T) {
	valid := Metadata{Name: "Acme ID", URL: "https://acme.example"}
	require.NoError(t, valid.Validate())

	cases := map[string]Metadata{
		"short name":    {Name: "ab", URL: "https://acme.example"},
		"long name":     {Name: strings.Repeat("n", 65), URL: "https://acme.example"},
		"no scheme":     {Name: "Acme ID", URL: "acme.example/about"},
		"ftp scheme":    {Name: "Acme ID", URL: "ftp://acme.example"},
		"short url":     {Name: "Acme ID", URL: "http://a"},
		"long url":      {Name: "Acme ID", URL: "https://" + strings.Repeat("a", 250)},
		"long optional": {Name: "Acme ID", URL: "https://acme.example", Jurisdiction: strings.Repeat("j", 300)},
	}
	for name, m := range cases {
		assert.Error(t, m.Validate(), name)
	}

	edge := Metadata{Name: "abc", URL: "http://a.b"}
	assert.NoError(t, edge.Validate(), "both lower bounds are inclusive")
}

func TestIssuerBoxRoundTrip(t *testing.T) {
	issuer, voucher := ledger.GenerateSigner().Address, ledger.GenerateSigner().Address
	in := Issuer{
		Address:        issuer,
		AddedAt:        time.Unix(1_700_000_000, 0).UTC(),
		RevokedAt:      time.Unix(1_700_000_500, 0).UTC(),
		RevokeAllPrior: true,
		VouchedBy:      voucher,
	}
	b, err := EncodeIssuer(in)
	require.NoError(t, err)
	assert.Len(t, b, 56)

	out, err := DecodeIssuer(issuer, b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.False(t, out.Active())

	in.RevokedAt, in.RevokeAllPrior = time.Time{}, false
	b, err = EncodeIssuer(in)
	require.NoError(t, err)
	out, err = DecodeIssuer(issuer, b)
	require.NoError(t, err)
	assert.True(t, out.Active())

	_, err = DecodeIssuer(issuer, b[:40])
	assert.ErrorIs(t, err, ErrMalformedBox)
}

func TestMetadataBoxRoundTrip(t *testing.T) {
	in := Metadata{
		Name:             "Acme ID",
		FullName:         "Acme Identity Services Ltd",
		URL:              "https://acme.example",
		OrganizationType: "company",
		Jurisdiction:     "US-CA",
		UpdatedAt:        time.Unix(1_700_000_000, 0).UTC(),
	}
	b, err := EncodeMetadata(in)
	require.NoError(t, err)
	out, err := DecodeMetadata(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = DecodeMetadata(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedBox)
	_, err = DecodeMetadata(append(b, 0))
	assert.ErrorIs(t, err, ErrMalformedBox)
}

func TestCredentialBoxRoundTrip(t *testing.T) {
	in := CredentialRevocation{
		CredentialID: "urn:uuid:1",
		RevokedAt:    time.Unix(1_700_000_000, 0).UTC(),
		Issuer:       ledger.GenerateSigner().Address,
	}
	b, err := EncodeCredential(in)
	require.NoError(t, err)
	out, err := DecodeCredential("urn:uuid:1", b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestKeys(t *testing.T) {
	addr := ledger.GenerateSigner().Address
	k, err := IssuerKey(addr)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	mk, err := MetadataKey(addr)
	require.NoError(t, err)
	assert.Equal(t, append([]byte("meta:"), k...), mk)

	assert.Equal(t, []byte("cred:abc"), CredentialKey("abc"))

	_, err = IssuerKey("bogus")
	assert.ErrorIs(t, err, ledger.ErrInvalidAddress)

	decoded, err := DecodeAddress(k)
	require.NoError(t, err)
	assert.Equal(t, addr, decoded)
}
