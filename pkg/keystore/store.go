// Package keystore persists private key handles on the holder's device.
//
// Every entry is scoped to one identity. Durable backends never see raw
// private key bytes: handles are sealed with the device key-encryption key
// before they are written.
package keystore

import (
	"context"
	"fmt"

	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/types"
)

const keyPrefix = "keyx/v2/"

// Store is the address-keyed local store for private handles
type Store interface {
	Put(ctx context.Context, identity types.Identity, handle *encryption.PrivateHandle) error
	// Get returns ok=false when no handle is stored for identity
	Get(ctx context.Context, identity types.Identity) (*encryption.PrivateHandle, bool, error)
	// Delete is a no-op for an absent identity
	Delete(ctx context.Context, identity types.Identity) error
	Has(ctx context.Context, identity types.Identity) (bool, error)
}

// LegacyCleaner is implemented by stores that may still hold key artifacts
// written by earlier releases.
type LegacyCleaner interface {
	CleanupLegacy(ctx context.Context, identity types.Identity) (int, error)
}

// legacyKeys lists the storage keys used by earlier releases for identity
func legacyKeys(identity types.Identity) []string {
	id := identity.Normalize().String()
	return []string{"rsa:" + id, "keyx/v1/" + id}
}

func storageKey(identity types.Identity) string {
	return keyPrefix + identity.Normalize().String()
}

// sealer binds sealed handles to their identity
type sealer struct {
	kek []byte
}

func newSealer(kek []byte) (*sealer, error) {
	if len(kek) != 32 {
		return nil, fmt.Errorf("device key must be 32 bytes, got %d", len(kek))
	}
	return &sealer{kek: kek}, nil
}

func (s *sealer) seal(identity types.Identity, h *encryption.PrivateHandle) ([]byte, error) {
	return encryption.SealHandle(h, s.kek, []byte(identity.Normalize()))
}

func (s *sealer) open(identity types.Identity, blob []byte) (*encryption.PrivateHandle, error) {
	return encryption.OpenHandle(blob, s.kek, []byte(identity.Normalize()))
}

func checkIdentity(identity types.Identity) error {
	return identity.Validate()
}
