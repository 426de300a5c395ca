package encryption

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
)

// PublicKeyPEMType is the PEM block type of the transport format (SPKI DER)
const PublicKeyPEMType = "PUBLIC KEY"

// PublicMaterial is a PEM-encoded SubjectPublicKeyInfo. It is the only key
// material that crosses the registry boundary.
type PublicMaterial []byte

// EncodePublicKey encodes an RSA public key into the transport format
func EncodePublicKey(pub *rsa.PublicKey) (PublicMaterial, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: PublicKeyPEMType, Bytes: der}), nil
}

// ParsePublicMaterial decodes the transport format into an RSA-2048 public key
func ParsePublicMaterial(m PublicMaterial) (*rsa.PublicKey, error) {
	der, err := m.der()
	if err != nil {
		return nil, err
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	if pub.N.BitLen() != ModulusBits {
		return nil, fmt.Errorf("unsupported modulus size: %d", pub.N.BitLen())
	}
	return pub, nil
}

func (m PublicMaterial) der() ([]byte, error) {
	block, _ := pem.Decode(m)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}
	if block.Type != PublicKeyPEMType {
		return nil, fmt.Errorf("unexpected PEM block type %q", block.Type)
	}
	return block.Bytes, nil
}

// Fingerprint returns the hex SHA-256 of the DER encoding, so two PEM
// renderings of the same key share a fingerprint.
func (m PublicMaterial) Fingerprint() (string, error) {
	der, err := m.der()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:]), nil
}

// SameKey reports whether both materials encode the same public key
func (m PublicMaterial) SameKey(other PublicMaterial) bool {
	a, err := m.Fingerprint()
	if err != nil {
		return false
	}
	b, err := other.Fingerprint()
	if err != nil {
		return false
	}
	return a == b
}

func (m PublicMaterial) String() string {
	return string(m)
}
