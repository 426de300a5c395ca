package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ModulusBits is the RSA modulus size of every identity key pair
const ModulusBits = 2048

const (
	sealedHandleVersion byte = 2
	kekInfo                  = "medrex-keyx device kek v2"
)

// ErrSealedHandle is returned when a persisted handle cannot be opened
var ErrSealedHandle = errors.New("encryption: sealed private handle is invalid")

// PrivateHandle is the non-extractable private half of an identity key pair.
// It exposes no byte accessor and no marshalling; the only operations are
// unwrapping (through KeyWrapper) and sealing for device-local persistence.
type PrivateHandle struct {
	key         *rsa.PrivateKey
	public      PublicMaterial
	fingerprint string
}

// GenerateHandle creates a fresh RSA-2048 key pair and returns its private handle
func GenerateHandle() (*PrivateHandle, error) {
	key, err := rsa.GenerateKey(rand.Reader, ModulusBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newHandle(key)
}

func newHandle(key *rsa.PrivateKey) (*PrivateHandle, error) {
	if key.N.BitLen() != ModulusBits {
		return nil, fmt.Errorf("unsupported modulus size: %d", key.N.BitLen())
	}
	key.Precompute()

	public, err := EncodePublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	fp, err := public.Fingerprint()
	if err != nil {
		return nil, err
	}

	return &PrivateHandle{key: key, public: public, fingerprint: fp}, nil
}

// PublicMaterial returns the transport encoding of the matching public key
func (h *PrivateHandle) PublicMaterial() PublicMaterial {
	out := make(PublicMaterial, len(h.public))
	copy(out, h.public)
	return out
}

// Fingerprint returns the SHA-256 fingerprint of the matching public key
func (h *PrivateHandle) Fingerprint() string {
	return h.fingerprint
}

func (h *PrivateHandle) String() string {
	return fmt.Sprintf("PrivateHandle(%s)", shortFingerprint(h.fingerprint))
}

func (h *PrivateHandle) GoString() string {
	return h.String()
}

// decrypt is safe for concurrent use: rsa.DecryptOAEP keeps no shared scratch state.
func (h *PrivateHandle) decrypt(ciphertext []byte) ([]byte, error) {
	return rsa.DecryptOAEP(sha256.New(), rand.Reader, h.key, ciphertext, nil)
}

// DeriveDeviceKEK derives the key-encryption key used to seal private handles at rest.
func DeriveDeviceKEK(deviceSecret []byte, salt string) ([]byte, error) {
	if len(deviceSecret) < 16 {
		return nil, fmt.Errorf("device secret must be at least 16 bytes")
	}
	kek := make([]byte, 32)
	r := hkdf.New(sha256.New, deviceSecret, []byte(salt), []byte(kekInfo))
	if _, err := io.ReadFull(r, kek); err != nil {
		return nil, fmt.Errorf("failed to derive device key: %w", err)
	}
	return kek, nil
}

// SealHandle encrypts the handle under the device KEK. binding (normally the
// identity) is authenticated so a sealed blob cannot be moved to another identity.
func SealHandle(h *PrivateHandle, kek, binding []byte) ([]byte, error) {
	gcm, err := kekCipher(kek)
	if err != nil {
		return nil, err
	}

	der, err := x509.MarshalPKCS8PrivateKey(h.key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	defer wipe(der)

	sealed, err := sealGCM(gcm, der, binding)
	if err != nil {
		return nil, err
	}
	return append([]byte{sealedHandleVersion}, sealed...), nil
}

// OpenHandle reverses SealHandle
func OpenHandle(sealed, kek, binding []byte) (*PrivateHandle, error) {
	if len(sealed) < 1 || sealed[0] != sealedHandleVersion {
		return nil, fmt.Errorf("%w: unsupported format", ErrSealedHandle)
	}
	gcm, err := kekCipher(kek)
	if err != nil {
		return nil, err
	}

	der, err := openGCM(gcm, sealed[1:], binding)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedHandle, err)
	}
	defer wipe(der)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealedHandle, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrSealedHandle)
	}
	return newHandle(key)
}

func kekCipher(kek []byte) (cipher.AEAD, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("device key must be 32 bytes, got %d", len(kek))
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	return cipher.NewGCM(block)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func shortFingerprint(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
