package circuit

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := New("indexer", WithFailureThreshold(3), WithSuccessThreshold(2))

	fallback, change := b.RecordFailure()
	assert.False(t, fallback)
	assert.False(t, change.Opened)

	b.RecordFailure()
	fallback, change = b.RecordFailure()
	assert.True(t, fallback)
	assert.True(t, change.Opened)
	assert.True(t, b.IsOpen())
	assert.Equal(t, "open", b.State().String())

	fallback, change = b.RecordFailure()
	assert.True(t, fallback)
	assert.False(t, change.Opened, "already open")
}

func TestSuccessResetsFailureRunWhileClosed(t *testing.T) {
	b := New("indexer", WithFailureThreshold(2))

	b.RecordFailure()
	primary, _ := b.RecordSuccess()
	assert.True(t, primary)
	fallback, _ := b.RecordFailure()
	assert.False(t, fallback, "the run was broken by a success")
}

func TestBreakerClosesAfterConsecutiveSuccesses(t *testing.T) {
	b := New("indexer", WithFailureThreshold(1), WithSuccessThreshold(2))
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	primary, change := b.RecordSuccess()
	assert.False(t, primary)
	assert.False(t, change.Closed)

	b.RecordFailure()
	primary, _ = b.RecordSuccess()
	assert.False(t, primary, "a failure restarts the success run")

	primary, change = b.RecordSuccess()
	assert.True(t, primary)
	assert.True(t, change.Closed)
	assert.Equal(t, StateClosed, b.State())
}

func TestReset(t *testing.T) {
	b := New("indexer", WithFailureThreshold(1))
	b.RecordFailure()
	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Equal(t, "indexer", b.Name())
}
