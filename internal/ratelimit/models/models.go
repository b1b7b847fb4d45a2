package models

import (
	"strings"
	"time"
)

// Scope names a limited operation. Counters for different scopes never mix.
type Scope string

const (
	ScopeIssuance Scope = "issuance"
)

// Key identifies one counter: a caller within a scope for one window.
type Key struct {
	Scope    Scope
	Identity string
}

// String renders the key for storage backends.
func (k Key) String() string {
	return string(k.Scope) + ":" + strings.ToLower(k.Identity)
}

// Window is one fixed counting period.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowAt returns the window of the given size containing now.
func WindowAt(now time.Time, size time.Duration) Window {
	start := now.Truncate(size)
	return Window{Start: start, End: start.Add(size)}
}

// Result is the outcome of one limit check.
type Result struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	// RetryAfter is in seconds and only set when not allowed.
	RetryAfter int `json:"retry_after,omitempty"`
}
