package uid

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReceipt(t *testing.T) {
	a := NewReceipt()
	b := NewReceipt()

	require.True(t, IsValid(a))
	assert.NotEqual(t, a, b)
	assert.Equal(t, uuid.Version(7), uuid.MustParse(a).Version())
}

func TestIsValid(t *testing.T) {
	assert.True(t, IsValid(New()))
	assert.False(t, IsValid("receipt-1"))
}
