package id

import (
	"testing"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUniqueKSUID(t *testing.T) {
	a, b := New(), New()
	assert.NotEqual(t, a, b)

	_, err := ksuid.Parse(a)
	require.NoError(t, err)
}

func TestNewRequestIsUUID(t *testing.T) {
	_, err := uuid.Parse(NewRequest())
	require.NoError(t, err)
}
