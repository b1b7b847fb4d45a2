package ledger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintNoteRoundTrip(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	n := NewMintNote("ab12", "urn:uuid:1", issuedAt)

	raw, err := n.Encode()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(raw, []byte(NotePrefix)))

	decoded, err := DecodeMintNote(raw)
	require.NoError(t, err)
	assert.Equal(t, n, decoded)
	assert.Equal(t, issuedAt.Unix(), decoded.IssuedAt)
}

func TestFingerprintPrefixSelectsOnlyThatFingerprint(t *testing.T) {
	now := time.Now()
	a, err := NewMintNote("ab12", "c1", now).Encode()
	require.NoError(t, err)
	b, err := NewMintNote("ab123", "c2", now).Encode()
	require.NoError(t, err)

	prefix := FingerprintPrefix("ab12")
	assert.True(t, bytes.HasPrefix(a, prefix))
	assert.False(t, bytes.HasPrefix(b, prefix), "closing quote keeps longer fingerprints out")
}

func TestDecodeMintNoteRejectsForeignNotes(t *testing.T) {
	_, err := DecodeMintNote([]byte(`{"fp":"ab"}`))
	assert.Error(t, err)
	_, err = DecodeMintNote([]byte(NotePrefix + "not json"))
	assert.Error(t, err)
}
