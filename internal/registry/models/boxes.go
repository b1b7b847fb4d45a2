package models

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"idmint/internal/ledger"
)

// Global state keys.
const (
	GlobalAdmin       = "admin"
	GlobalIssuerCount = "issuer_count"
)

const (
	issuerBoxLen     = 8 + 8 + 8 + 32
	credentialBoxLen = 8 + 32
	maxStringLen     = 1<<16 - 1
)

var (
	metadataPrefix   = []byte("meta:")
	credentialPrefix = []byte("cred:")

	ErrMalformedBox = errors.New("malformed registry box")
)

// IssuerKey is the box name of an issuer record: the raw 32-byte address.
func IssuerKey(address string) ([]byte, error) {
	raw, err := ledger.AddressBytes(address)
	if err != nil {
		return nil, err
	}
	return raw[:], nil
}

// MetadataKey is "meta:" followed by the raw address.
func MetadataKey(address string) ([]byte, error) {
	raw, err := ledger.AddressBytes(address)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, metadataPrefix...), raw[:]...), nil
}

// CredentialKey is "cred:" followed by the credential id.
func CredentialKey(credentialID string) []byte {
	return append(append([]byte{}, credentialPrefix...), credentialID...)
}

// EncodeAddress returns the raw form of an address for global state.
func EncodeAddress(address string) ([]byte, error) {
	return IssuerKey(address)
}

// DecodeAddress reverses EncodeAddress.
func DecodeAddress(b []byte) (string, error) {
	if len(b) != 32 {
		return "", fmt.Errorf("%w: address is %d bytes", ErrMalformedBox, len(b))
	}
	return ledger.AddressFromBytes([32]byte(b)), nil
}

func EncodeUint(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func DecodeUint(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: integer is %d bytes", ErrMalformedBox, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// EncodeIssuer lays out addedAt | revokedAt | revokeAllPrior | vouchedBy.
func EncodeIssuer(i Issuer) ([]byte, error) {
	voucher, err := ledger.AddressBytes(i.VouchedBy)
	if err != nil {
		return nil, fmt.Errorf("vouched_by: %w", err)
	}
	b := make([]byte, 0, issuerBoxLen)
	b = binary.BigEndian.AppendUint64(b, unixSeconds(i.AddedAt))
	b = binary.BigEndian.AppendUint64(b, unixSeconds(i.RevokedAt))
	var flag uint64
	if i.RevokeAllPrior {
		flag = 1
	}
	b = binary.BigEndian.AppendUint64(b, flag)
	return append(b, voucher[:]...), nil
}

func DecodeIssuer(address string, b []byte) (Issuer, error) {
	if len(b) != issuerBoxLen {
		return Issuer{}, fmt.Errorf("%w: issuer box is %d bytes", ErrMalformedBox, len(b))
	}
	return Issuer{
		Address:        address,
		AddedAt:        fromUnix(binary.BigEndian.Uint64(b[0:8])),
		RevokedAt:      fromUnix(binary.BigEndian.Uint64(b[8:16])),
		RevokeAllPrior: binary.BigEndian.Uint64(b[16:24]) != 0,
		VouchedBy:      ledger.AddressFromBytes([32]byte(b[24:56])),
	}, nil
}

// EncodeMetadata lays out updatedAt followed by five length-prefixed strings.
func EncodeMetadata(m Metadata) ([]byte, error) {
	b := binary.BigEndian.AppendUint64(nil, unixSeconds(m.UpdatedAt))
	for _, s := range []string{m.Name, m.FullName, m.URL, m.OrganizationType, m.Jurisdiction} {
		if len(s) > maxStringLen {
			return nil, fmt.Errorf("metadata field exceeds %d bytes", maxStringLen)
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
		b = append(b, s...)
	}
	return b, nil
}

func DecodeMetadata(b []byte) (Metadata, error) {
	if len(b) < 8 {
		return Metadata{}, fmt.Errorf("%w: metadata box is %d bytes", ErrMalformedBox, len(b))
	}
	m := Metadata{UpdatedAt: fromUnix(binary.BigEndian.Uint64(b[:8]))}
	rest := b[8:]
	for _, dst := range []*string{&m.Name, &m.FullName, &m.URL, &m.OrganizationType, &m.Jurisdiction} {
		if len(rest) < 2 {
			return Metadata{}, fmt.Errorf("%w: truncated metadata", ErrMalformedBox)
		}
		n := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		if len(rest) < n {
			return Metadata{}, fmt.Errorf("%w: truncated metadata", ErrMalformedBox)
		}
		*dst = string(rest[:n])
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return Metadata{}, fmt.Errorf("%w: trailing metadata bytes", ErrMalformedBox)
	}
	return m, nil
}

// EncodeCredential lays out revokedAt | issuer.
func EncodeCredential(c CredentialRevocation) ([]byte, error) {
	issuer, err := ledger.AddressBytes(c.Issuer)
	if err != nil {
		return nil, fmt.Errorf("issuer: %w", err)
	}
	b := binary.BigEndian.AppendUint64(make([]byte, 0, credentialBoxLen), unixSeconds(c.RevokedAt))
	return append(b, issuer[:]...), nil
}

func DecodeCredential(credentialID string, b []byte) (CredentialRevocation, error) {
	if len(b) != credentialBoxLen {
		return CredentialRevocation{}, fmt.Errorf("%w: credential box is %d bytes", ErrMalformedBox, len(b))
	}
	return CredentialRevocation{
		CredentialID: credentialID,
		RevokedAt:    fromUnix(binary.BigEndian.Uint64(b[:8])),
		Issuer:       ledger.AddressFromBytes([32]byte(b[8:40])),
	}, nil
}

func unixSeconds(t time.Time) uint64 {
	if t.IsZero() || t.Unix() < 0 {
		return 0
	}
	return uint64(t.Unix())
}

func fromUnix(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(int64(v), 0).UTC()
}
