package meshlog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNoOpLoggerMethodsNeverPanic(t *testing.T) {
	log := NoOp()
	fields := map[string]interface{}{"key": "value"}

	assert.NotPanics(t, func() {
		log.Info("info", fields)
		log.Warn("warn", fields)
		log.Error("error", fields)
		log.Debug("debug", fields)
	})
}

func TestWithContextVariantsNeverPanicOnNilFields(t *testing.T) {
	log := NoOp()
	ctx := WithTraceID(context.Background(), "trace-1")

	assert.NotPanics(t, func() {
		log.InfoWithContext(ctx, "info", nil)
		log.WarnWithContext(ctx, "warn", nil)
		log.ErrorWithContext(ctx, "error", nil)
		log.DebugWithContext(ctx, "debug", nil)
	})
}

func TestWithContextWithoutTraceIDLeavesFieldsUntouched(t *testing.T) {
	log := NoOp()
	assert.NotPanics(t, func() {
		log.InfoWithContext(context.Background(), "info", nil)
	})
}

func TestWithComponentReturnsIndependentLogger(t *testing.T) {
	log := New()
	scoped := log.(ComponentAwareLogger).WithComponent("mesh")
	assert.NotNil(t, scoped)
	assert.NotPanics(t, func() {
		scoped.Info("scoped message", map[string]interface{}{"x": 1})
	})
}
