package credential

import "time"

const (
	ContextW3C      = "https://www.w3.org/2018/credentials/v1"
	TypeVC          = "VerifiableCredential"
	TypeIdentity    = "IdentityCredential"
	ProofType       = "Ed25519Signature2020"
	ProofPurpose    = "assertionMethod"
	KeyFragment     = "#key-1"
	EvidenceType    = "DocumentVerification"
	multibaseBase58 = "z"
)

// Credential is the signed identity document. It carries the fingerprint and
// issuer/holder identifiers only, never personal data.
type Credential struct {
	Context      []string   `json:"@context"`
	ID           string     `json:"id"`
	Type         []string   `json:"type"`
	Issuer       string     `json:"issuer"`
	IssuanceDate string     `json:"issuanceDate"`
	Subject      Subject    `json:"credentialSubject"`
	Evidence     []Evidence `json:"evidence,omitempty"`
	Proof        *Proof     `json:"proof,omitempty"`
}

// Subject identifies the holder and anchors the identity fingerprint.
type Subject struct {
	ID          string `json:"id"`
	Fingerprint string `json:"fingerprint"`
	AgeOver18   bool   `json:"ageOver18"`
}

// Evidence records how the identity was verified.
type Evidence struct {
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	SessionID  string `json:"verificationSessionId"`
	VerifiedAt string `json:"verifiedAt"`
}

// Proof is the detached signature over the canonical form of every other field.
type Proof struct {
	Type               string `json:"type"`
	Created            string `json:"created"`
	VerificationMethod string `json:"verificationMethod"`
	ProofPurpose       string `json:"proofPurpose"`
	ProofValue         string `json:"proofValue"`
}

// Params are the inputs to Build.
type Params struct {
	ID            string
	IssuerAddress string
	HolderAddress string
	IssuedAt      time.Time
	Fingerprint   string
	SchemaURL     string
	Evidence      []Evidence
}

// Signed is an issued credential with its exact serialized bytes.
type Signed struct {
	Credential Credential
	// Document is the canonical unsigned body with the proof appended last.
	Document []byte
}
