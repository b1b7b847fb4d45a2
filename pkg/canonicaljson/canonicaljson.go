// Package canonicaljson produces the byte-stable JSON form that signatures are computed over.
package canonicaljson

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonicalize re-encodes a JSON document with object keys sorted, no
// insignificant whitespace, no HTML escaping and numbers kept verbatim. Two
// documents with the same content always canonicalize to the same bytes.
func Canonicalize(doc []byte) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("parse document: trailing data")
	}
	return encodeCanonical(v)
}

// Marshal marshals v and canonicalizes the result.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return Canonicalize(raw)
}

func encodeCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// map keys are emitted in sorted order by encoding/json
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode canonical document: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
