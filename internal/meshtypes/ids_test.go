package meshtypes

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIDPrefixesAndVariesPerCall(t *testing.T) {
	a := NewID("chain")
	b := NewID("chain")
	assert.True(t, strings.HasPrefix(a, "chain-"))
	assert.NotEqual(t, a, b)
}
