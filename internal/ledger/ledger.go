// Package ledger is the boundary to the external ledger that acts as the
// public-key registry and the access-list oracle. Implementations perform no
// cryptography and no caching; callers own staleness handling.
package ledger

import (
	"context"

	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/types"
)

// Chaincode function names shared by every implementation
const (
	FnRegisterPublicKey = "RegisterPublicKey"
	FnGetPublicKey      = "GetPublicKey"
	FnGrantAccess       = "GrantAccess"
	FnRevokeAccess      = "RevokeAccess"
	FnGetGrant          = "GetGrant"
	FnStoreWrappedKey   = "StoreWrappedKey"
	FnGetWrappedKey     = "GetWrappedKey"
	FnGetSharedRecords  = "GetSharedRecords"
	FnRegisterDocument  = "RegisterDocument"
	FnGetDocument       = "GetDocument"
)

// Registry is the public-key registry surface
type Registry interface {
	// GetPublicKey returns ok=false when nothing is registered for identity
	GetPublicKey(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, bool, error)
	// RegisterPublicKey submits the material on behalf of identity
	RegisterPublicKey(ctx context.Context, identity types.Identity, material encryption.PublicMaterial) (types.Receipt, error)
	// WaitForConfirmation blocks until the write reaches the ledger's confirmation point
	WaitForConfirmation(ctx context.Context, receipt types.Receipt) error
}

// AccessLedger is the access-list surface. Writes are submitted on behalf of caller.
type AccessLedger interface {
	GrantAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error)
	RevokeAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error)
	// GetGrant returns nil when the tuple was never granted
	GetGrant(ctx context.Context, tuple types.GrantTuple) (*types.AccessGrant, error)
	StoreWrappedKey(ctx context.Context, caller types.Identity, key types.WrappedKey) (types.Receipt, error)
	GetWrappedKey(ctx context.Context, tuple types.GrantTuple) ([]byte, bool, error)
	// GetSharedRecords reads the recipient's "shared with me" index
	GetSharedRecords(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error)
	RegisterDocument(ctx context.Context, caller types.Identity, record types.DocumentRecord) (types.Receipt, error)
	GetDocument(ctx context.Context, owner types.Identity, documentID string) (*types.DocumentRecord, bool, error)
	WaitForConfirmation(ctx context.Context, receipt types.Receipt) error
}

// Ledger is the full collaborator surface
type Ledger interface {
	Registry
	AccessLedger
	Ping(ctx context.Context) error
}

// Submit runs a write and waits for its confirmation
func Submit(ctx context.Context, l interface {
	WaitForConfirmation(ctx context.Context, receipt types.Receipt) error
}, write func(ctx context.Context) (types.Receipt, error)) (types.Receipt, error) {
	receipt, err := write(ctx)
	if err != nil {
		return types.Receipt{}, err
	}
	if err := l.WaitForConfirmation(ctx, receipt); err != nil {
		return receipt, err
	}
	return receipt, nil
}
