// Package schema publishes the credential JSON schema and validates documents against it.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// CredentialSchemaID is the $id of the embedded schema.
const CredentialSchemaID = "https://idmint.example/schema/credential/v1"

//go:embed credential.schema.json
var credentialSchema []byte

// CredentialSchema returns the raw schema document.
func CredentialSchema() []byte {
	return credentialSchema
}

// Validator compiles the schema once and reuses it.
type Validator struct {
	once   sync.Once
	schema *gojsonschema.Schema
	err    error
}

// NewValidator returns a lazily compiled credential validator.
func NewValidator() *Validator {
	return &Validator{}
}

func (v *Validator) compile() (*gojsonschema.Schema, error) {
	v.once.Do(func() {
		v.schema, v.err = gojsonschema.NewSchemaLoader().Compile(gojsonschema.NewBytesLoader(credentialSchema))
		if v.err != nil {
			v.err = fmt.Errorf("compile credential schema: %w", v.err)
		}
	})
	return v.schema, v.err
}

// Validate checks a serialized credential against the schema.
func (v *Validator) Validate(doc []byte) error {
	s, err := v.compile()
	if err != nil {
		return err
	}
	result, err := s.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("load credential: %w", err)
	}
	if !result.Valid() {
		return validationErrors(result.Errors())
	}
	return nil
}

type validationErrors []gojsonschema.ResultError

func (e validationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, re := range e {
		msgs[i] = re.String()
	}
	return "credential does not match schema: " + strings.Join(msgs, "; ")
}
