package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"io"
)

// ContentKeySize is the size of a document content key (AES-256)
const ContentKeySize = 32

// ContentKey is the per-document symmetric key. It only lives in memory.
type ContentKey struct {
	b   [ContentKeySize]byte
	set bool
}

// NewContentKey generates a fresh random content key
func NewContentKey() (ContentKey, error) {
	var k ContentKey
	if _, err := io.ReadFull(rand.Reader, k.b[:]); err != nil {
		return ContentKey{}, fmt.Errorf("failed to generate content key: %w", err)
	}
	k.set = true
	return k, nil
}

func contentKeyFromBytes(b []byte) (ContentKey, bool) {
	if len(b) != ContentKeySize {
		return ContentKey{}, false
	}
	var k ContentKey
	copy(k.b[:], b)
	k.set = true
	return k, true
}

// IsZero reports whether the key was never set or has been wiped
func (k ContentKey) IsZero() bool {
	return !k.set
}

// Equal compares two keys in constant time
func (k ContentKey) Equal(other ContentKey) bool {
	if k.set != other.set {
		return false
	}
	return subtle.ConstantTimeCompare(k.b[:], other.b[:]) == 1
}

// Zero wipes the key
func (k *ContentKey) Zero() {
	for i := range k.b {
		k.b[i] = 0
	}
	k.set = false
}

func (k ContentKey) String() string   { return "ContentKey(redacted)" }
func (k ContentKey) GoString() string { return "ContentKey(redacted)" }

// AESEncryption handles AES-256-GCM encryption of document parts under a content key
type AESEncryption struct {
	gcm cipher.AEAD
}

// NewAESEncryption creates a new AES encryption instance for the content key
func NewAESEncryption(key ContentKey) (*AESEncryption, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("content key is not set")
	}

	block, err := aes.NewCipher(key.b[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &AESEncryption{gcm: gcm}, nil
}

// Encrypt encrypts plaintext and returns nonce||ciphertext. ad is authenticated but not encrypted.
func (a *AESEncryption) Encrypt(plaintext, ad []byte) ([]byte, error) {
	return sealGCM(a.gcm, plaintext, ad)
}

// Decrypt opens nonce||ciphertext produced by Encrypt with the same ad
func (a *AESEncryption) Decrypt(ciphertext, ad []byte) ([]byte, error) {
	return openGCM(a.gcm, ciphertext, ad)
}

func sealGCM(gcm cipher.AEAD, plaintext, ad []byte) ([]byte, error) {
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, ad), nil
}

func openGCM(gcm cipher.AEAD, ciphertext, ad []byte) ([]byte, error) {
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
