package audit

import "time"

// Event captures a security-relevant action. It never carries raw identity
// fields; identities are referenced by fingerprint prefix only.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Action      Action    `json:"action"`
	SessionID   string    `json:"session_id,omitempty"`
	Subject     string    `json:"subject,omitempty"` // holder or issuer address
	Actor       string    `json:"actor,omitempty"`   // registry caller
	AssetID     uint64    `json:"asset_id,omitempty"`
	TxID        string    `json:"tx_id,omitempty"`
	Fingerprint string    `json:"fingerprint_prefix,omitempty"`
	Outcome     string    `json:"outcome,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	RequestID   string    `json:"request_id,omitempty"`
}

type Action string

const (
	ActionSessionCreated      Action = "verification_session_created"
	ActionSessionDecided      Action = "verification_session_decided"
	ActionWebhookRejected     Action = "verification_webhook_rejected"
	ActionDuplicateDetected   Action = "duplicate_detected"
	ActionHolderFunded        Action = "holder_funded"
	ActionCredentialMinted    Action = "credential_minted"
	ActionCredentialDelivered Action = "credential_delivered"
	ActionCustodyFailed       Action = "custody_step_failed"
	ActionRegistryChanged     Action = "registry_changed"
	ActionRegistryDenied      Action = "registry_denied"
)
