package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newService(t *testing.T, clock *fakeClock) *Service {
	t.Helper()
	s, err := New(testSecret, WithClock(clock.Now))
	require.NoError(t, err)
	return s
}

func johnDoe() Fields {
	return Fields{
		FirstName:    "John",
		LastName:     "Doe",
		BirthDate:    "1990-01-15",
		GovernmentID: "D1234567",
		IDType:       "drivers_license",
		State:        "CA",
	}
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestComputeDataDigest(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clock)

	d1, err := s.ComputeDataDigest(johnDoe())
	require.NoError(t, err)
	d2, err := s.ComputeDataDigest(johnDoe())
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Len(t, d1, 64)

	t.Run("field boundaries are not ambiguous", func(t *testing.T) {
		a := johnDoe()
		a.FirstName, a.MiddleName = "Jo", "hn"
		b := johnDoe()
		b.FirstName, b.MiddleName = "Joh", "n"
		da, err := s.ComputeDataDigest(a)
		require.NoError(t, err)
		db, err := s.ComputeDataDigest(b)
		require.NoError(t, err)
		assert.NotEqual(t, da, db)
	})

	t.Run("different secrets give different digests", func(t *testing.T) {
		other, err := New([]byte("fedcba9876543210fedcba9876543210"))
		require.NoError(t, err)
		d3, err := other.ComputeDataDigest(johnDoe())
		require.NoError(t, err)
		assert.NotEqual(t, d1, d3)
	})
}

func TestTokenRoundTrip(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clock)

	token, err := s.IssueToken("sess-1", "abc123")
	require.NoError(t, err)

	b, err := s.VerifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "sess-1", b.SessionID)
	assert.Equal(t, "abc123", b.Digest)
	assert.True(t, b.IssuedAt.Equal(clock.t))

	assert.NoError(t, s.VerifyBinding(token, "sess-1", "abc123"))
	assert.ErrorIs(t, s.VerifyBinding(token, "sess-2", "abc123"), ErrInvalidToken)
	assert.ErrorIs(t, s.VerifyBinding(token, "sess-1", "abc124"), ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clock)

	token, err := s.IssueToken("sess-1", "abc123")
	require.NoError(t, err)

	clock.t = clock.t.Add(DefaultTTL - time.Second)
	_, err = s.VerifyToken(token)
	require.NoError(t, err)

	clock.t = clock.t.Add(2 * time.Second)
	_, err = s.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestShorterTTLRetiresOlderTokens(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	long, err := New(testSecret, WithClock(clock.Now), WithTTL(time.Hour))
	require.NoError(t, err)
	short, err := New(testSecret, WithClock(clock.Now), WithTTL(5*time.Minute))
	require.NoError(t, err)

	token, err := long.IssueToken("sess-1", "abc123")
	require.NoError(t, err)

	clock.t = clock.t.Add(10 * time.Minute)
	_, err = long.VerifyToken(token)
	require.NoError(t, err)
	_, err = short.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenMutation(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clock)

	token, err := s.IssueToken("sess-1", "abc123")
	require.NoError(t, err)

	flip := func(tok string, i int) string {
		b := []byte(tok)
		if b[i] == 'A' {
			b[i] = 'B'
		} else {
			b[i] = 'A'
		}
		return string(b)
	}

	sigStart := strings.LastIndex(token, ".") + 1
	payloadMid := strings.Index(token, ".") + 5

	for name, mutated := range map[string]string{
		"signature": flip(token, sigStart),
		"payload":   flip(token, payloadMid),
		"header":    flip(token, 2),
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.VerifyToken(mutated)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestTokenFromOtherKeyIsInvalid(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := newService(t, clock)
	other, err := New([]byte("fedcba9876543210fedcba9876543210"), WithClock(clock.Now))
	require.NoError(t, err)

	token, err := other.IssueToken("sess-1", "abc123")
	require.NoError(t, err)

	_, err = s.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMalformedTokens(t *testing.T) {
	s := newService(t, &fakeClock{t: time.Now()})
	for _, tok := range []string{"", "a.b", "a.b.c", "not a token"} {
		_, err := s.VerifyToken(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, tok)
	}
}
