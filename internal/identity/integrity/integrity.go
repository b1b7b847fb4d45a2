// Package integrity binds verified identity data to a verification session so
// the data cannot be altered between extraction and credential issuance.
package integrity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

const (
	// DefaultTTL is how long an issued token verifies.
	DefaultTTL = 10 * time.Minute

	// MinSecretLength is the shortest accepted master secret in bytes.
	MinSecretLength = 32

	tokenIssuer   = "idmint"
	digestInfo    = "idmint/data-digest"
	tokenInfo     = "idmint/session-token"
	derivedKeyLen = 32
)

// ErrInvalidToken is returned for every verification failure. Callers never
// learn whether the signature, the expiry or the encoding was at fault.
var ErrInvalidToken = errors.New("invalid integrity token")

// Fields is the identity record covered by the data digest. JSON field order
// follows struct order, which keeps the serialization stable across releases.
type Fields struct {
	FirstName      string `json:"first_name"`
	MiddleName     string `json:"middle_name"`
	LastName       string `json:"last_name"`
	BirthDate      string `json:"birth_date"`
	GovernmentID   string `json:"government_id"`
	IDType         string `json:"id_type"`
	State          string `json:"state"`
	ExpirationDate string `json:"expiration_date"`
}

// Binding is the verified content of a token.
type Binding struct {
	SessionID string
	Digest    string
	IssuedAt  time.Time
}

type tokenClaims struct {
	SessionID string `json:"sid"`
	Digest    string `json:"dgst"`
	jwt.RegisteredClaims
}

// Service computes data digests and issues session binding tokens.
type Service struct {
	digestKey []byte
	tokenKey  []byte
	ttl       time.Duration
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock sets the time source used for issuing and verifying tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// New derives independent digest and token keys from the master secret.
func New(secret []byte, opts ...Option) (*Service, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("integrity secret must be at least %d bytes", MinSecretLength)
	}
	digestKey, err := deriveKey(secret, digestInfo)
	if err != nil {
		return nil, err
	}
	tokenKey, err := deriveKey(secret, tokenInfo)
	if err != nil {
		return nil, err
	}
	s := &Service{
		digestKey: digestKey,
		tokenKey:  tokenKey,
		ttl:       DefaultTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s key: %w", info, err)
	}
	return key, nil
}

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration {
	return s.ttl
}

// ComputeDataDigest returns the hex HMAC-SHA256 of the JSON form of fields.
func (s *Service) ComputeDataDigest(fields Fields) (string, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("serialize identity fields: %w", err)
	}
	mac := hmac.New(sha256.New, s.digestKey)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// IssueToken signs the pair (sessionID, digest) together with the current time.
func (s *Service) IssueToken(sessionID, digest string) (string, error) {
	if sessionID == "" || digest == "" {
		return "", errors.New("session id and digest are required")
	}
	now := s.now()
	claims := tokenClaims{
		SessionID: sessionID,
		Digest:    digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.tokenKey)
	if err != nil {
		return "", fmt.Errorf("sign integrity token: %w", err)
	}
	return signed, nil
}

// VerifyToken checks signature and age and returns the bound values.
func (s *Service) VerifyToken(token string) (Binding, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithStrictDecoding(),
	)
	claims := &tokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.tokenKey, nil
	})
	if err != nil || !parsed.Valid {
		return Binding{}, ErrInvalidToken
	}
	if claims.SessionID == "" || claims.Digest == "" || claims.IssuedAt == nil {
		return Binding{}, ErrInvalidToken
	}
	// Age is bounded by this verifier's TTL as well as the exp claim.
	if s.now().Sub(claims.IssuedAt.Time) > s.ttl {
		return Binding{}, ErrInvalidToken
	}
	return Binding{
		SessionID: claims.SessionID,
		Digest:    claims.Digest,
		IssuedAt:  claims.IssuedAt.Time,
	}, nil
}

// VerifyBinding verifies token and requires it to bind exactly sessionID and digest.
func (s *Service) VerifyBinding(token, sessionID, digest string) error {
	b, err := s.VerifyToken(token)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(b.SessionID), []byte(sessionID)) || !hmac.Equal([]byte(b.Digest), []byte(digest)) {
		return ErrInvalidToken
	}
	return nil
}
