package circuit

import (
	"testing"
	"time"

	"github.com/ailinux/llmesh/internal/meshtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBreakerStartsClosedAndAvailable(t *testing.T) {
	r := New(Config{}, nil)
	assert.True(t, r.IsAvailable("gemini"))
	assert.Equal(t, meshtypes.CircuitClosed.String(), r.Status("gemini").State)
}

func TestRecordFailureOpensAtThreshold(t *testing.T) {
	r := New(Config{FailureThreshold: 2}, nil)

	r.RecordFailure("gemini")
	assert.True(t, r.IsAvailable("gemini"), "one failure below threshold must still be available")

	r.RecordFailure("gemini")
	assert.False(t, r.IsAvailable("gemini"), "reaching the failure threshold must open the circuit")
	assert.Equal(t, meshtypes.CircuitOpen.String(), r.Status("gemini").State)
}

func TestOpenCircuitFallsBackToPairedEndpoint(t *testing.T) {
	r := New(Config{FailureThreshold: 1}, nil)
	r.RecordFailure("gemini")
	require.False(t, r.IsAvailable("gemini"))

	fb, ok := r.AvailableFallback("gemini")
	require.True(t, ok)
	assert.Equal(t, "kimi", fb)
}

func TestUnavailableFallbackIsNotOffered(t *testing.T) {
	r := New(Config{FailureThreshold: 1}, nil)
	r.RecordFailure("gemini")
	r.RecordFailure("kimi")

	_, ok := r.AvailableFallback("gemini")
	assert.False(t, ok, "a fallback whose own circuit is open must not be offered")
}

func TestOpenCircuitTransitionsToHalfOpenAfterRecovery(t *testing.T) {
	r := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	r.RecordFailure("gemini")
	require.False(t, r.IsAvailable("gemini"))

	time.Sleep(5 * time.Millisecond)

	assert.True(t, r.IsAvailable("gemini"), "circuit must allow a probe call once the recovery timeout elapses")
	assert.Equal(t, meshtypes.CircuitHalfOpen.String(), r.Status("gemini").State)
}

func TestHalfOpenClosesAfterEnoughSuccesses(t *testing.T) {
	r := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 2}, nil)
	r.RecordFailure("gemini")
	time.Sleep(5 * time.Millisecond)
	require.True(t, r.IsAvailable("gemini"))

	r.RecordSuccess("gemini")
	assert.Equal(t, meshtypes.CircuitHalfOpen.String(), r.Status("gemini").State)

	r.RecordSuccess("gemini")
	assert.Equal(t, meshtypes.CircuitClosed.String(), r.Status("gemini").State)
}

func TestHalfOpenFailureReopensImmediately(t *testing.T) {
	r := New(Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond}, nil)
	r.RecordFailure("gemini")
	time.Sleep(5 * time.Millisecond)
	require.True(t, r.IsAvailable("gemini"))

	r.RecordFailure("gemini")
	assert.Equal(t, meshtypes.CircuitOpen.String(), r.Status("gemini").State)
}

func TestResetForcesClosedState(t *testing.T) {
	r := New(Config{FailureThreshold: 1}, nil)
	r.RecordFailure("gemini")
	require.Equal(t, meshtypes.CircuitOpen.String(), r.Status("gemini").State)

	r.Reset("gemini")
	assert.Equal(t, meshtypes.CircuitClosed.String(), r.Status("gemini").State)
	assert.Equal(t, 0, r.Status("gemini").FailureCount)
}

func TestEndpointNameNormalizedCaseInsensitive(t *testing.T) {
	r := New(Config{FailureThreshold: 1}, nil)
	r.RecordFailure("Gemini")
	assert.False(t, r.IsAvailable("gemini"), "endpoint lookups must be case-insensitive")
}
