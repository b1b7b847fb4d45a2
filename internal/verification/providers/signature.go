package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// HMACHex returns the lowercase hex HMAC-SHA256 of the concatenated parts.
func HMACHex(secret []byte, parts ...[]byte) string {
	mac := hmac.New(sha256.New, secret)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// EqualHex compares two hex signatures in constant time, ignoring case.
func EqualHex(expected, got string) bool {
	a, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(expected)))
	if err != nil {
		return false
	}
	b, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(got)))
	if err != nil || len(b) == 0 {
		return false
	}
	return hmac.Equal(a, b)
}
