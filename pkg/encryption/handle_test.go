package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealHandle(t *testing.T) {
	alice, _ := testHandles(t)

	kek, err := DeriveDeviceKEK([]byte("device-secret-0123456789"), "keyx")
	require.NoError(t, err)
	binding := []byte("0x1111111111111111111111111111111111111111")

	sealed, err := SealHandle(alice, kek, binding)
	require.NoError(t, err)

	t.Run("open restores the same key pair", func(t *testing.T) {
		opened, err := OpenHandle(sealed, kek, binding)
		require.NoError(t, err)
		assert.Equal(t, alice.Fingerprint(), opened.Fingerprint())

		ok, err := NewKeyWrapper().Probe(alice.PublicMaterial(), opened)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("wrong binding", func(t *testing.T) {
		_, err := OpenHandle(sealed, kek, []byte("0x2222222222222222222222222222222222222222"))
		assert.ErrorIs(t, err, ErrSealedHandle)
	})

	t.Run("wrong device key", func(t *testing.T) {
		other, err := DeriveDeviceKEK([]byte("another-device-secret-xyz"), "keyx")
		require.NoError(t, err)
		_, err = OpenHandle(sealed, other, binding)
		assert.ErrorIs(t, err, ErrSealedHandle)
	})

	t.Run("unknown version", func(t *testing.T) {
		tampered := append([]byte{9}, sealed[1:]...)
		_, err := OpenHandle(tampered, kek, binding)
		assert.ErrorIs(t, err, ErrSealedHandle)
	})
}

func TestDeriveDeviceKEK(t *testing.T) {
	_, err := DeriveDeviceKEK([]byte("short"), "keyx")
	assert.Error(t, err)

	a, err := DeriveDeviceKEK([]byte("device-secret-0123456789"), "keyx")
	require.NoError(t, err)
	b, err := DeriveDeviceKEK([]byte("device-secret-0123456789"), "keyx")
	require.NoError(t, err)
	c, err := DeriveDeviceKEK([]byte("device-secret-0123456789"), "other")
	require.NoError(t, err)

	assert.Len(t, a, 32)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
