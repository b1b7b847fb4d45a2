package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// NotePrefix marks credential mint notes and versions their layout.
const NotePrefix = "idmint:v1:"

// MintNote is the immutable metadata written into a credential mint.
// Field order is part of the format: Fingerprint comes first so an indexer
// note-prefix query can select all mints for one fingerprint.
type MintNote struct {
	Fingerprint  string `json:"fp"`
	CredentialID string `json:"cid"`
	IssuedAt     int64  `json:"iat"`
}

// NewMintNote builds a note for a credential issued at issuedAt.
func NewMintNote(fingerprint, credentialID string, issuedAt time.Time) MintNote {
	return MintNote{Fingerprint: fingerprint, CredentialID: credentialID, IssuedAt: issuedAt.Unix()}
}

// Encode returns the prefixed JSON note.
func (n MintNote) Encode() ([]byte, error) {
	body, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode mint note: %w", err)
	}
	return append([]byte(NotePrefix), body...), nil
}

// FingerprintPrefix is the note prefix matching every mint of fingerprint.
func FingerprintPrefix(fingerprint string) []byte {
	return []byte(NotePrefix + `{"fp":"` + fingerprint + `"`)
}

// DecodeMintNote parses a note written by Encode.
func DecodeMintNote(note []byte) (MintNote, error) {
	if !bytes.HasPrefix(note, []byte(NotePrefix)) {
		return MintNote{}, fmt.Errorf("note does not carry the %q prefix", NotePrefix)
	}
	var n MintNote
	if err := json.Unmarshal(note[len(NotePrefix):], &n); err != nil {
		return MintNote{}, fmt.Errorf("decode mint note: %w", err)
	}
	return n, nil
}
