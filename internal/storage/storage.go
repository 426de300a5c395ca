// Package storage is the boundary to the content-addressed store holding
// encrypted document bundles. Addresses are CIDv1 (raw codec, sha2-256), so
// every fetch can be checked against the address it was requested by.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

var (
	// ErrNotFound is returned when no content is stored under an address
	ErrNotFound = errors.New("storage: content not found")
	// ErrCorrupt is returned when content does not hash to its address
	ErrCorrupt = errors.New("storage: content does not match its address")
)

// ContentAddress is the string form of a content identifier
type ContentAddress string

func (a ContentAddress) String() string {
	return string(a)
}

// Gateway uploads and fetches immutable blobs
type Gateway interface {
	Upload(ctx context.Context, data []byte) (ContentAddress, error)
	Fetch(ctx context.Context, addr ContentAddress) ([]byte, error)
	Ping(ctx context.Context) error
}

// Address computes the content address of data
func Address(data []byte) (ContentAddress, error) {
	hash, err := multihash.Sum(data, multihash.SHA2_256, -1)
	if err != nil {
		return "", fmt.Errorf("failed to compute multihash: %w", err)
	}
	return ContentAddress(cid.NewCidV1(cid.Raw, hash).String()), nil
}

// ParseAddress decodes addr into a CID
func ParseAddress(addr ContentAddress) (cid.Cid, error) {
	id, err := cid.Decode(string(addr))
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: invalid content address %q: %v", ErrCorrupt, addr, err)
	}
	return id, nil
}

// Verify checks that data hashes to addr using the address's own hash function
func Verify(addr ContentAddress, data []byte) error {
	id, err := ParseAddress(addr)
	if err != nil {
		return err
	}

	prefix := id.Prefix()
	hash, err := multihash.Sum(data, prefix.MhType, prefix.MhLength)
	if err != nil {
		return fmt.Errorf("failed to compute multihash for verification: %w", err)
	}
	if !bytes.Equal(id.Hash(), hash) {
		return fmt.Errorf("%w: %s", ErrCorrupt, addr)
	}
	return nil
}
