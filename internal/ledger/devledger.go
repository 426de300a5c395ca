package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/medrex/dlt-keyx/pkg/encryption"
	"github.com/medrex/dlt-keyx/pkg/logger"
	"github.com/medrex/dlt-keyx/pkg/retry"
	"github.com/medrex/dlt-keyx/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// State key namespaces
const (
	nsPublicKey   = "pk"
	nsGrant       = "grant"
	nsWrappedKey  = "wk"
	nsShared      = "shared"
	nsDocument    = "doc"
	nsTransaction = "tx"
)

// DevOptions configures a DevLedger
type DevOptions struct {
	// Path of the LevelDB directory; empty keeps state in memory
	Path string
	// ConfirmationLatency is the time from submission to confirmation of a write
	ConfirmationLatency time.Duration
	// PropagationLag delays visibility of a registered public key after confirmation
	PropagationLag time.Duration
	Clock          retry.Clock
	Logger         *logger.Logger
}

// DevLedger is an embedded single-node ledger enforcing the same access state
// machine as the key-registry chaincode. It simulates confirmation latency and
// registry read lag so callers can be exercised against eventual consistency.
type DevLedger struct {
	db    *leveldb.DB
	mu    sync.Mutex
	opts  DevOptions
	clock retry.Clock
	log   *logrus.Entry
}

type versionedKey struct {
	Material  []byte    `json:"material"`
	VisibleAt time.Time `json:"visible_at"`
}

type publicKeyRecord struct {
	Current  versionedKey  `json:"current"`
	Previous *versionedKey `json:"previous,omitempty"`
}

type txRecord struct {
	ID          string    `json:"id"`
	Function    string    `json:"function"`
	Submitter   string    `json:"submitter"`
	SubmittedAt time.Time `json:"submitted_at"`
	ConfirmAt   time.Time `json:"confirm_at"`
}

// NewDevLedger opens the ledger state
func NewDevLedger(opts DevOptions) (*DevLedger, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if opts.Path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(opts.Path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger state: %w", err)
	}

	clock := opts.Clock
	if clock == nil {
		clock = retry.RealClock{}
	}
	log := opts.Logger
	if log == nil {
		log = logger.Discard()
	}

	return &DevLedger{
		db:    db,
		opts:  opts,
		clock: clock,
		log:   log.WithComponent("dev-ledger"),
	}, nil
}

// Close closes the ledger state
func (d *DevLedger) Close() error {
	return d.db.Close()
}

// Ping reports whether the state database is open
func (d *DevLedger) Ping(ctx context.Context) error {
	_, err := d.db.Has([]byte(nsTransaction), nil)
	return err
}

func stateKey(parts ...string) []byte {
	return []byte(strings.Join(parts, "\x00"))
}

func tupleKey(ns string, t types.GrantTuple) []byte {
	return stateKey(ns, t.Owner.String(), t.Recipient.String(), t.DocumentID)
}

func (d *DevLedger) getJSON(key []byte, v interface{}) (bool, error) {
	data, err := d.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt ledger state: %w", err)
	}
	return true, nil
}

func putJSON(batch *leveldb.Batch, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	batch.Put(key, data)
	return nil
}

// commit records the transaction alongside the state changes in one batch
func (d *DevLedger) commit(batch *leveldb.Batch, function string, submitter types.Identity, now time.Time) (types.Receipt, error) {
	tx := txRecord{
		ID:          uuid.New().String(),
		Function:    function,
		Submitter:   submitter.String(),
		SubmittedAt: now,
		ConfirmAt:   now.Add(d.opts.ConfirmationLatency),
	}
	if err := putJSON(batch, stateKey(nsTransaction, tx.ID), tx); err != nil {
		return types.Receipt{}, err
	}
	if err := d.db.Write(batch, nil); err != nil {
		return types.Receipt{}, fmt.Errorf("failed to write ledger state: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"function":       function,
		"submitter":      submitter,
		"transaction_id": tx.ID,
	}).Debug("Transaction submitted")

	return types.Receipt{TxID: tx.ID, Function: function, SubmittedAt: now}, nil
}

// WaitForConfirmation blocks until the transaction's confirmation time
func (d *DevLedger) WaitForConfirmation(ctx context.Context, receipt types.Receipt) error {
	var tx txRecord
	found, err := d.getJSON(stateKey(nsTransaction, receipt.TxID), &tx)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unknown transaction %q", receipt.TxID)
	}

	for {
		remaining := tx.ConfirmAt.Sub(d.clock.Now())
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.clock.After(remaining):
		}
	}
}

// RegisterPublicKey stores the material for identity. The new key becomes
// readable after confirmation plus the propagation lag; until then readers
// see the previously visible key.
func (d *DevLedger) RegisterPublicKey(ctx context.Context, identity types.Identity, material encryption.PublicMaterial) (types.Receipt, error) {
	if err := identity.Validate(); err != nil {
		return types.Receipt{}, err
	}
	if _, err := encryption.ParsePublicMaterial(material); err != nil {
		return types.Receipt{}, types.NewErrorWithCause(types.KindInvalidRecipientKey, "public key material is invalid", err).
			WithIdentity(identity)
	}
	identity = identity.Normalize()

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	key := stateKey(nsPublicKey, identity.String())

	var rec publicKeyRecord
	found, err := d.getJSON(key, &rec)
	if err != nil {
		return types.Receipt{}, err
	}
	if found && !rec.Current.VisibleAt.After(now) {
		prev := rec.Current
		rec.Previous = &prev
	}
	rec.Current = versionedKey{
		Material:  material,
		VisibleAt: now.Add(d.opts.ConfirmationLatency + d.opts.PropagationLag),
	}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, key, rec); err != nil {
		return types.Receipt{}, err
	}
	return d.commit(batch, FnRegisterPublicKey, identity, now)
}

// GetPublicKey returns the currently visible material for identity
func (d *DevLedger) GetPublicKey(ctx context.Context, identity types.Identity) (encryption.PublicMaterial, bool, error) {
	var rec publicKeyRecord
	found, err := d.getJSON(stateKey(nsPublicKey, identity.Normalize().String()), &rec)
	if err != nil || !found {
		return nil, false, err
	}

	now := d.clock.Now()
	if !rec.Current.VisibleAt.After(now) {
		return encryption.PublicMaterial(rec.Current.Material), true, nil
	}
	if rec.Previous != nil && !rec.Previous.VisibleAt.After(now) {
		return encryption.PublicMaterial(rec.Previous.Material), true, nil
	}
	return nil, false, nil
}

func (d *DevLedger) requireOwner(caller types.Identity, tuple types.GrantTuple) error {
	if !caller.Equal(tuple.Owner) {
		return types.NewError(types.KindNotOwner, "only the document owner may change access").
			WithTuple(tuple).WithDetail("caller", caller.Normalize().String())
	}
	return nil
}

// GrantAccess activates the tuple and adds it to the recipient's shared index
func (d *DevLedger) GrantAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error) {
	if err := tuple.Validate(); err != nil {
		return types.Receipt{}, err
	}
	tuple = tuple.Normalize()
	if err := d.requireOwner(caller, tuple); err != nil {
		return types.Receipt{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	known, err := d.db.Has(stateKey(nsPublicKey, tuple.Recipient.String()), nil)
	if err != nil {
		return types.Receipt{}, err
	}
	if !known {
		return types.Receipt{}, types.NewError(types.KindUnknownRecipient, "recipient has no registered public key").WithTuple(tuple)
	}

	var grant types.AccessGrant
	found, err := d.getJSON(tupleKey(nsGrant, tuple), &grant)
	if err != nil {
		return types.Receipt{}, err
	}
	if found && !grant.Revoked {
		return types.Receipt{}, types.NewError(types.KindAlreadyGranted, "access is already granted").WithTuple(tuple)
	}

	now := d.clock.Now()
	grant = types.AccessGrant{
		Owner:      tuple.Owner,
		Recipient:  tuple.Recipient,
		DocumentID: tuple.DocumentID,
		GrantedAt:  now,
	}
	shared := types.SharedRecord{Owner: tuple.Owner, DocumentID: tuple.DocumentID, GrantedAt: now}

	batch := new(leveldb.Batch)
	if err := putJSON(batch, tupleKey(nsGrant, tuple), grant); err != nil {
		return types.Receipt{}, err
	}
	if err := putJSON(batch, stateKey(nsShared, tuple.Recipient.String(), tuple.Owner.String(), tuple.DocumentID), shared); err != nil {
		return types.Receipt{}, err
	}
	return d.commit(batch, FnGrantAccess, caller.Normalize(), now)
}

// RevokeAccess marks an active grant revoked, drops it from the shared index
// and discards the delivered wrapped key. Revoking an inactive tuple is a no-op.
func (d *DevLedger) RevokeAccess(ctx context.Context, caller types.Identity, tuple types.GrantTuple) (types.Receipt, error) {
	if err := tuple.Validate(); err != nil {
		return types.Receipt{}, err
	}
	tuple = tuple.Normalize()
	if err := d.requireOwner(caller, tuple); err != nil {
		return types.Receipt{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	batch := new(leveldb.Batch)

	var grant types.AccessGrant
	found, err := d.getJSON(tupleKey(nsGrant, tuple), &grant)
	if err != nil {
		return types.Receipt{}, err
	}
	if found && !grant.Revoked {
		grant.Revoked = true
		grant.RevokedAt = &now
		if err := putJSON(batch, tupleKey(nsGrant, tuple), grant); err != nil {
			return types.Receipt{}, err
		}
		batch.Delete(stateKey(nsShared, tuple.Recipient.String(), tuple.Owner.String(), tuple.DocumentID))
		batch.Delete(tupleKey(nsWrappedKey, tuple))
	}
	return d.commit(batch, FnRevokeAccess, caller.Normalize(), now)
}

// GetGrant returns the stored grant or nil
func (d *DevLedger) GetGrant(ctx context.Context, tuple types.GrantTuple) (*types.AccessGrant, error) {
	var grant types.AccessGrant
	found, err := d.getJSON(tupleKey(nsGrant, tuple.Normalize()), &grant)
	if err != nil || !found {
		return nil, err
	}
	return &grant, nil
}

// StoreWrappedKey stores or overwrites the wrapped key of an active tuple
func (d *DevLedger) StoreWrappedKey(ctx context.Context, caller types.Identity, key types.WrappedKey) (types.Receipt, error) {
	tuple := types.GrantTuple{Owner: key.Owner, Recipient: key.Recipient, DocumentID: key.DocumentID}
	if err := tuple.Validate(); err != nil {
		return types.Receipt{}, err
	}
	tuple = tuple.Normalize()
	if err := d.requireOwner(caller, tuple); err != nil {
		return types.Receipt{}, err
	}
	if err := encryption.CheckWrappedLength(key.Ciphertext); err != nil {
		return types.Receipt{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var grant types.AccessGrant
	found, err := d.getJSON(tupleKey(nsGrant, tuple), &grant)
	if err != nil {
		return types.Receipt{}, err
	}
	if !found || grant.Revoked {
		return types.Receipt{}, types.NewError(types.KindAccessDenied, "wrapped keys can only be stored for an active grant").WithTuple(tuple)
	}

	batch := new(leveldb.Batch)
	batch.Put(tupleKey(nsWrappedKey, tuple), key.Ciphertext)
	return d.commit(batch, FnStoreWrappedKey, caller.Normalize(), d.clock.Now())
}

// GetWrappedKey returns the stored ciphertext for the tuple
func (d *DevLedger) GetWrappedKey(ctx context.Context, tuple types.GrantTuple) ([]byte, bool, error) {
	data, err := d.db.Get(tupleKey(nsWrappedKey, tuple.Normalize()), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// GetSharedRecords lists the recipient's index in key order
func (d *DevLedger) GetSharedRecords(ctx context.Context, recipient types.Identity) ([]types.SharedRecord, error) {
	prefix := append(stateKey(nsShared, recipient.Normalize().String()), 0)
	iter := d.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	records := []types.SharedRecord{}
	for iter.Next() {
		var rec types.SharedRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("corrupt shared index: %w", err)
		}
		records = append(records, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	return records, nil
}

// RegisterDocument records the bundle's content address. Re-registering the
// same address is a no-op; a different address is rejected.
func (d *DevLedger) RegisterDocument(ctx context.Context, caller types.Identity, record types.DocumentRecord) (types.Receipt, error) {
	if err := record.Owner.Validate(); err != nil {
		return types.Receipt{}, err
	}
	if record.DocumentID == "" || record.ContentAddress == "" {
		return types.Receipt{}, types.NewError(types.KindDocumentNotFound, "document id and content address are required")
	}
	record.Owner = record.Owner.Normalize()
	if !caller.Equal(record.Owner) {
		return types.Receipt{}, types.NewError(types.KindNotOwner, "only the owner may register a document").
			WithIdentity(caller.Normalize())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	key := stateKey(nsDocument, record.Owner.String(), record.DocumentID)
	var existing types.DocumentRecord
	found, err := d.getJSON(key, &existing)
	if err != nil {
		return types.Receipt{}, err
	}
	if found && existing.ContentAddress != record.ContentAddress {
		return types.Receipt{}, types.NewError(types.KindDocumentExists, "document is already registered with another content address").
			WithIdentity(record.Owner).WithDetail("document_id", record.DocumentID)
	}

	now := d.clock.Now()
	batch := new(leveldb.Batch)
	if !found {
		record.RegisteredAt = now
		if err := putJSON(batch, key, record); err != nil {
			return types.Receipt{}, err
		}
	}
	return d.commit(batch, FnRegisterDocument, record.Owner, now)
}

// GetDocument returns the registered document pointer
func (d *DevLedger) GetDocument(ctx context.Context, owner types.Identity, documentID string) (*types.DocumentRecord, bool, error) {
	var rec types.DocumentRecord
	found, err := d.getJSON(stateKey(nsDocument, owner.Normalize().String(), documentID), &rec)
	if err != nil || !found {
		return nil, false, err
	}
	return &rec, true, nil
}
