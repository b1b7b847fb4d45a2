// Package fingerprint derives the composite identity hash anchored on the ledger.
//
// The field order and delimiter are frozen: changing either makes every
// previously issued fingerprint unreproducible and defeats duplicate detection.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// delimiter never appears in a trimmed name or an ISO date.
const delimiter = "|"

// Size is the length of a fingerprint in hex characters.
const Size = sha256.Size * 2

// Normalize trims surrounding whitespace and case-folds a field.
func Normalize(field string) string {
	return strings.ToLower(strings.TrimSpace(field))
}

// Compute returns the lowercase hex SHA-256 of "first|last|birthDate" after
// normalization. birthDate must already be validated as YYYY-MM-DD.
func Compute(firstName, lastName, birthDate string) string {
	joined := Normalize(firstName) + delimiter + Normalize(lastName) + delimiter + strings.TrimSpace(birthDate)
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s has the shape of a fingerprint.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
