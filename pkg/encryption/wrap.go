package encryption

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"

	"github.com/medrex/dlt-keyx/pkg/types"
)

// WrappedKeySize is the exact ciphertext length of a wrapped content key
const WrappedKeySize = ModulusBits / 8

// ErrEmptyContentKey is returned when asked to wrap a zero content key
var ErrEmptyContentKey = errors.New("encryption: content key is not set")

// KeyWrapper wraps content keys for recipients with RSA-OAEP (SHA-256).
// OAEP is randomized, so two wrappings of the same content key never correlate.
type KeyWrapper struct {
	decrypt func(h *PrivateHandle, ciphertext []byte) ([]byte, error)
}

// NewKeyWrapper creates a new key wrapper
func NewKeyWrapper() *KeyWrapper {
	return &KeyWrapper{
		decrypt: func(h *PrivateHandle, ciphertext []byte) ([]byte, error) {
			return h.decrypt(ciphertext)
		},
	}
}

// Wrap encrypts the content key under the recipient's public material
func (w *KeyWrapper) Wrap(key ContentKey, recipient PublicMaterial) ([]byte, error) {
	if key.IsZero() {
		return nil, ErrEmptyContentKey
	}

	pub, err := ParsePublicMaterial(recipient)
	if err != nil {
		return nil, types.NewErrorWithCause(types.KindInvalidRecipientKey, "recipient public key is invalid", err)
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key.b[:], nil)
	if err != nil {
		return nil, types.NewErrorWithCause(types.KindInvalidRecipientKey, "failed to wrap content key", err)
	}
	return ciphertext, nil
}

// Unwrap decrypts a wrapped content key with the holder's private handle.
// The length is checked before the decrypt primitive is invoked.
func (w *KeyWrapper) Unwrap(ciphertext []byte, h *PrivateHandle) (ContentKey, error) {
	if err := CheckWrappedLength(ciphertext); err != nil {
		return ContentKey{}, err
	}
	if h == nil {
		return ContentKey{}, types.NewError(types.KindUnwrapFailed, "no private handle supplied")
	}

	plaintext, err := w.decrypt(h, ciphertext)
	if err != nil {
		return ContentKey{}, types.NewErrorWithCause(types.KindUnwrapFailed, "content key could not be unwrapped", err)
	}
	defer wipe(plaintext)

	key, ok := contentKeyFromBytes(plaintext)
	if !ok {
		return ContentKey{}, types.NewError(types.KindUnwrapFailed, "unwrapped content key has wrong size").
			WithDetail("size", len(plaintext))
	}
	return key, nil
}

// CheckWrappedLength fails with MalformedCiphertext unless len(ciphertext) is WrappedKeySize
func CheckWrappedLength(ciphertext []byte) error {
	if len(ciphertext) != WrappedKeySize {
		return types.NewError(types.KindMalformedCiphertext, "wrapped key has invalid length").
			WithDetail("expected", WrappedKeySize).
			WithDetail("actual", len(ciphertext))
	}
	return nil
}

// Probe performs the round-trip proof used by the consistency verifier:
// a random value is wrapped under registered and unwrapped with h.
func (w *KeyWrapper) Probe(registered PublicMaterial, h *PrivateHandle) (bool, error) {
	probe, err := NewContentKey()
	if err != nil {
		return false, err
	}
	defer probe.Zero()

	ciphertext, err := w.Wrap(probe, registered)
	if err != nil {
		return false, err
	}
	got, err := w.Unwrap(ciphertext, h)
	if err != nil {
		if types.KindOf(err) == types.KindUnwrapFailed {
			return false, nil
		}
		return false, err
	}
	defer got.Zero()
	return got.Equal(probe), nil
}
