package meshtypes

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMeshErrorFormatsWithOpAndID(t *testing.T) {
	err := &MeshError{Op: "mesh.Call", ID: "trace-1", Err: ErrCircuitOpen}
	assert.Equal(t, "mesh.Call [trace-1]: circuit breaker open", err.Error())
}

func TestMeshErrorFormatsWithOpOnly(t *testing.T) {
	err := &MeshError{Op: "queue.Enqueue", Err: ErrQueueFull}
	assert.Equal(t, "queue.Enqueue: queue full", err.Error())
}

func TestMeshErrorFallsBackToMessage(t *testing.T) {
	err := &MeshError{Message: "something went sideways"}
	assert.Equal(t, "something went sideways", err.Error())
}

func TestMeshErrorFallsBackToKind(t *testing.T) {
	err := &MeshError{Kind: "validation"}
	assert.Equal(t, "validation error", err.Error())
}

func TestMeshErrorUnwrapReturnsWrappedErr(t *testing.T) {
	err := &MeshError{Op: "x", Err: ErrRBACDenied}
	assert.ErrorIs(t, err, ErrRBACDenied)
}

func TestNewMeshErrorWrapsWithOpAndKind(t *testing.T) {
	wrapped := errors.New("boom")
	err := NewMeshError("mesh.Call", "transport", wrapped)
	assert.Equal(t, "mesh.Call", err.Op)
	assert.Equal(t, "transport", err.Kind)
	assert.Equal(t, wrapped, err.Err)
}

func TestIsRejectionRecognizesEveryGuardError(t *testing.T) {
	for _, err := range []error{ErrRBACDenied, ErrCycleDetected, ErrRateLimited, ErrCircuitOpen, ErrNoFallback} {
		assert.True(t, IsRejection(err), "%v must be classified as a rejection", err)
	}
	assert.False(t, IsRejection(ErrCommandNotFound))
}

func TestIsNotFoundRecognizesEveryMissingEntityError(t *testing.T) {
	for _, err := range []error{ErrCommandNotFound, ErrAgentNotFound, ErrChainNotFound, ErrEntryNotFound, ErrUnknownTool} {
		assert.True(t, IsNotFound(err), "%v must be classified as not-found", err)
	}
	assert.False(t, IsNotFound(ErrCircuitOpen))
}
