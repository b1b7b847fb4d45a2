package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompute_KnownVector(t *testing.T) {
	sum := sha256.Sum256([]byte("john|doe|1990-01-15"))
	assert.Equal(t, hex.EncodeToString(sum[:]), Compute("John", "Doe", "1990-01-15"))
}

func TestCompute_CaseAndWhitespaceInvariant(t *testing.T) {
	want := Compute("john", "doe", "1990-01-15")
	variants := [][3]string{
		{"JOHN", "DOE", "1990-01-15"},
		{"  John ", "\tDoe\n", "1990-01-15"},
		{"jOhN", "dOE", " 1990-01-15 "},
	}
	for _, v := range variants {
		assert.Equal(t, want, Compute(v[0], v[1], v[2]), v)
	}
}

func TestCompute_FieldsAreNotInterchangeable(t *testing.T) {
	base := Compute("John", "Doe", "1990-01-15")
	assert.NotEqual(t, base, Compute("John", "Doh", "1990-01-15"))
	assert.NotEqual(t, base, Compute("Doe", "John", "1990-01-15"))
	assert.NotEqual(t, base, Compute("John", "Doe", "1990-01-16"))
	assert.NotEqual(t, Compute("ab", "c", "2000-01-01"), Compute("a", "bc", "2000-01-01"))
}

func TestValid(t *testing.T) {
	assert.True(t, Valid(Compute("a", "b", "2000-01-01")))
	assert.False(t, Valid("abc"))
	assert.False(t, Valid(string(make([]byte, Size))))
}
