package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	a, err := Address([]byte("bundle"))
	require.NoError(t, err)
	b, err := Address([]byte("bundle"))
	require.NoError(t, err)
	c, err := Address([]byte("other"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, strings.HasPrefix(a.String(), "bafk"), "CIDv1 raw addresses start with bafk: %s", a)
}

func TestVerify(t *testing.T) {
	data := []byte("encrypted bundle")
	addr, err := Address(data)
	require.NoError(t, err)

	assert.NoError(t, Verify(addr, data))
	assert.ErrorIs(t, Verify(addr, []byte("tampered bundle")), ErrCorrupt)
	assert.ErrorIs(t, Verify("not-a-cid", data), ErrCorrupt)
}
