package keyregistry

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// SmartContract keeps the public key registry, the access grant state
// machine and the wrapped content keys of the document key exchange.
type SmartContract struct {
	contractapi.Contract
}

// AddressAttribute is the client certificate attribute carrying the caller's
// wallet address
const AddressAttribute = "keyx.address"

const (
	modulusBits    = 2048
	wrappedKeySize = modulusBits / 8
)

// Composite key object types
const (
	objPublicKey  = "pubkey"
	objGrant      = "grant"
	objWrappedKey = "wrapped"
	objShared     = "shared"
	objDocument   = "document"
	objAudit      = "audit"
)

// Rejection kinds relayed by the gateway to clients
const (
	KindInvalidIdentity     = "invalid_identity"
	KindInvalidRecipientKey = "invalid_recipient_key"
	KindMalformedCiphertext = "malformed_ciphertext"
	KindNotOwner            = "not_owner"
	KindUnknownRecipient    = "unknown_recipient"
	KindAlreadyGranted      = "already_granted"
	KindAccessDenied        = "access_denied"
	KindDocumentExists      = "document_exists"
	KindDocumentNotFound    = "document_not_found"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// ContractError is a rejection the gateway maps back to an error kind
type ContractError struct {
	Kind    string
	Message string
}

func (e *ContractError) Error() string {
	return e.Kind + ": " + e.Message
}

func reject(kind, format string, args ...interface{}) error {
	return &ContractError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// PublicKeyRecord is an identity's registered public key
type PublicKeyRecord struct {
	Identity     string    `json:"identity"`
	Material     string    `json:"material"`
	RegisteredAt time.Time `json:"registered_at"`
	TxID         string    `json:"tx_id"`
}

// AccessGrant is the state of one (owner, recipient, document) tuple
type AccessGrant struct {
	Owner      string     `json:"owner"`
	Recipient  string     `json:"recipient"`
	DocumentID string     `json:"document_id"`
	GrantedAt  time.Time  `json:"granted_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// SharedRecord is one entry of a recipient's shared index
type SharedRecord struct {
	Owner      string    `json:"owner"`
	DocumentID string    `json:"document_id"`
	GrantedAt  time.Time `json:"granted_at"`
}

// DocumentRecord points at the encrypted bundle of a document
type DocumentRecord struct {
	Owner          string    `json:"owner"`
	DocumentID     string    `json:"document_id"`
	ContentAddress string    `json:"content_address"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// AuditEntry records one accepted write against a document
type AuditEntry struct {
	Action     string    `json:"action"`
	Caller     string    `json:"caller"`
	Owner      string    `json:"owner"`
	Recipient  string    `json:"recipient,omitempty"`
	DocumentID string    `json:"document_id"`
	TxID       string    `json:"tx_id"`
	Timestamp  time.Time `json:"timestamp"`
	Digest     string    `json:"digest"`
}

// RegisterPublicKey publishes the caller's public key, replacing any
// previous registration
func (s *SmartContract) RegisterPublicKey(ctx contractapi.TransactionContextInterface, identity, material string) error {
	identity, err := parseAddress(identity)
	if err != nil {
		return err
	}
	if err := s.requireCaller(ctx, identity); err != nil {
		return err
	}
	if err := checkPublicKey(material); err != nil {
		return reject(KindInvalidRecipientKey, "public key for %s is invalid: %v", identity, err)
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	record := PublicKeyRecord{
		Identity:     identity,
		Material:     material,
		RegisteredAt: now,
		TxID:         ctx.GetStub().GetTxID(),
	}
	return putJSON(ctx, objPublicKey, []string{identity}, record)
}

// GetPublicKey returns the registered PEM material, or an empty string
func (s *SmartContract) GetPublicKey(ctx contractapi.TransactionContextInterface, identity string) (string, error) {
	identity, err := parseAddress(identity)
	if err != nil {
		return "", err
	}
	var record PublicKeyRecord
	found, err := getJSON(ctx, objPublicKey, []string{identity}, &record)
	if err != nil || !found {
		return "", err
	}
	return record.Material, nil
}

// GrantAccess activates a tuple and indexes it for the recipient
func (s *SmartContract) GrantAccess(ctx contractapi.TransactionContextInterface, owner, recipient, documentID string) error {
	t, err := s.ownerTuple(ctx, owner, recipient, documentID)
	if err != nil {
		return err
	}

	var key PublicKeyRecord
	known, err := getJSON(ctx, objPublicKey, []string{t.recipient}, &key)
	if err != nil {
		return err
	}
	if !known {
		return reject(KindUnknownRecipient, "recipient %s has no registered public key", t.recipient)
	}

	var grant AccessGrant
	found, err := getJSON(ctx, objGrant, t.attrs(), &grant)
	if err != nil {
		return err
	}
	if found && !grant.Revoked {
		return reject(KindAlreadyGranted, "access to %s is already granted to %s", t.documentID, t.recipient)
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	grant = AccessGrant{Owner: t.owner, Recipient: t.recipient, DocumentID: t.documentID, GrantedAt: now}
	if err := putJSON(ctx, objGrant, t.attrs(), grant); err != nil {
		return err
	}
	shared := SharedRecord{Owner: t.owner, DocumentID: t.documentID, GrantedAt: now}
	if err := putJSON(ctx, objShared, t.sharedAttrs(), shared); err != nil {
		return err
	}
	return s.audit(ctx, "grant_access", t, now)
}

// RevokeAccess revokes an active tuple and discards its wrapped key.
// Revoking a tuple that is not active changes nothing.
func (s *SmartContract) RevokeAccess(ctx contractapi.TransactionContextInterface, owner, recipient, documentID string) error {
	t, err := s.ownerTuple(ctx, owner, recipient, documentID)
	if err != nil {
		return err
	}

	var grant AccessGrant
	found, err := getJSON(ctx, objGrant, t.attrs(), &grant)
	if err != nil {
		return err
	}
	if !found || grant.Revoked {
		return nil
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	grant.Revoked = true
	grant.RevokedAt = &now
	if err := putJSON(ctx, objGrant, t.attrs(), grant); err != nil {
		return err
	}
	if err := delState(ctx, objShared, t.sharedAttrs()); err != nil {
		return err
	}
	if err := delState(ctx, objWrappedKey, t.attrs()); err != nil {
		return err
	}
	return s.audit(ctx, "revoke_access", t, now)
}

// GetGrant returns the tuple's grant, or nil when it was never granted
func (s *SmartContract) GetGrant(ctx contractapi.TransactionContextInterface, owner, recipient, documentID string) (*AccessGrant, error) {
	t, err := parseTuple(owner, recipient, documentID)
	if err != nil {
		return nil, err
	}
	var grant AccessGrant
	found, err := getJSON(ctx, objGrant, t.attrs(), &grant)
	if err != nil || !found {
		return nil, err
	}
	return &grant, nil
}

// StoreWrappedKey stores the base64 ciphertext for an active tuple,
// replacing any earlier delivery
func (s *SmartContract) StoreWrappedKey(ctx contractapi.TransactionContextInterface, owner, recipient, documentID, ciphertext string) error {
	t, err := s.ownerTuple(ctx, owner, recipient, documentID)
	if err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return reject(KindMalformedCiphertext, "wrapped key is not base64: %v", err)
	}
	if len(raw) != wrappedKeySize {
		return reject(KindMalformedCiphertext, "wrapped key must be %d bytes, got %d", wrappedKeySize, len(raw))
	}

	var grant AccessGrant
	found, err := getJSON(ctx, objGrant, t.attrs(), &grant)
	if err != nil {
		return err
	}
	if !found || grant.Revoked {
		return reject(KindAccessDenied, "wrapped keys can only be stored for an active grant")
	}

	key, err := ctx.GetStub().CreateCompositeKey(objWrappedKey, t.attrs())
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to put wrapped key: %v", err)
	}
	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	return s.audit(ctx, "store_wrapped_key", t, now)
}

// GetWrappedKey returns the base64 ciphertext, or an empty string
func (s *SmartContract) GetWrappedKey(ctx contractapi.TransactionContextInterface, owner, recipient, documentID string) (string, error) {
	t, err := parseTuple(owner, recipient, documentID)
	if err != nil {
		return "", err
	}
	key, err := ctx.GetStub().CreateCompositeKey(objWrappedKey, t.attrs())
	if err != nil {
		return "", err
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return "", fmt.Errorf("failed to read wrapped key: %v", err)
	}
	if raw == nil {
		return "", nil
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// GetSharedRecords lists the active grants held by recipient
func (s *SmartContract) GetSharedRecords(ctx contractapi.TransactionContextInterface, recipient string) ([]*SharedRecord, error) {
	recipient, err := parseAddress(recipient)
	if err != nil {
		return nil, err
	}
	iter, err := ctx.GetStub().GetStateByPartialCompositeKey(objShared, []string{recipient})
	if err != nil {
		return nil, fmt.Errorf("failed to query shared index: %v", err)
	}
	defer iter.Close()

	records := []*SharedRecord{}
	for iter.HasNext() {
		kv, err := iter.Next()
		if err != nil {
			return nil, err
		}
		var record SharedRecord
		if err := json.Unmarshal(kv.Value, &record); err != nil {
			return nil, fmt.Errorf("corrupt shared index entry %s: %v", kv.Key, err)
		}
		records = append(records, &record)
	}
	return records, nil
}

// RegisterDocument binds a document id to its bundle address. Repeating the
// same registration is accepted; rebinding to another address is not.
func (s *SmartContract) RegisterDocument(ctx contractapi.TransactionContextInterface, owner, documentID, contentAddress string) error {
	owner, err := parseAddress(owner)
	if err != nil {
		return err
	}
	if documentID == "" || contentAddress == "" {
		return reject(KindDocumentNotFound, "document id and content address are required")
	}
	if err := s.requireCaller(ctx, owner); err != nil {
		return err
	}

	attrs := []string{owner, documentID}
	var existing DocumentRecord
	found, err := getJSON(ctx, objDocument, attrs, &existing)
	if err != nil {
		return err
	}
	if found {
		if existing.ContentAddress != contentAddress {
			return reject(KindDocumentExists, "document %s is already registered with another content address", documentID)
		}
		return nil
	}

	now, err := txTime(ctx)
	if err != nil {
		return err
	}
	record := DocumentRecord{Owner: owner, DocumentID: documentID, ContentAddress: contentAddress, RegisteredAt: now}
	if err := putJSON(ctx, objDocument, attrs, record); err != nil {
		return err
	}
	return s.audit(ctx, "register_document", tuple{owner: owner, documentID: documentID}, now)
}

// GetDocument returns the document pointer, or nil
func (s *SmartContract) GetDocument(ctx contractapi.TransactionContextInterface, owner, documentID string) (*DocumentRecord, error) {
	owner, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	var record DocumentRecord
	found, err := getJSON(ctx, objDocument, []string{owner, documentID}, &record)
	if err != nil || !found {
		return nil, err
	}
	return &record, nil
}

// GetAuditTrail lists the accepted writes against one of the caller's
// documents in commit order
func (s *SmartContract) GetAuditTrail(ctx contractapi.TransactionContextInterface, owner, documentID string) ([]*AuditEntry, error) {
	owner, err := parseAddress(owner)
	if err != nil {
		return nil, err
	}
	if err := s.requireCaller(ctx, owner); err != nil {
		return nil, err
	}
	iter, err := ctx.GetStub().GetStateByPartialCompositeKey(objAudit, []string{owner, documentID})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit trail: %v", err)
	}
	defer iter.Close()

	entries := []*AuditEntry{}
	for iter.HasNext() {
		kv, err := iter.Next()
		if err != nil {
			return nil, err
		}
		var entry AuditEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			return nil, fmt.Errorf("corrupt audit entry %s: %v", kv.Key, err)
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}

// VerifyAuditEntry recomputes the digest of one audit entry
func (s *SmartContract) VerifyAuditEntry(ctx contractapi.TransactionContextInterface, owner, documentID, txID string) (bool, error) {
	owner, err := parseAddress(owner)
	if err != nil {
		return false, err
	}
	var entry AuditEntry
	found, err := getJSON(ctx, objAudit, []string{owner, documentID, txID}, &entry)
	if err != nil {
		return false, err
	}
	if !found {
		return false, reject(KindDocumentNotFound, "no audit entry for transaction %s", txID)
	}
	return entry.Digest == auditDigest(entry), nil
}

// Helper functions

type tuple struct {
	owner, recipient, documentID string
}

func (t tuple) attrs() []string {
	return []string{t.owner, t.recipient, t.documentID}
}

// sharedAttrs keys the index by recipient first so it can be listed by prefix
func (t tuple) sharedAttrs() []string {
	return []string{t.recipient, t.owner, t.documentID}
}

func parseAddress(address string) (string, error) {
	if !addressPattern.MatchString(address) {
		return "", reject(KindInvalidIdentity, "%q is not a wallet address", address)
	}
	return strings.ToLower(address), nil
}

func parseTuple(owner, recipient, documentID string) (tuple, error) {
	var t tuple
	var err error
	if t.owner, err = parseAddress(owner); err != nil {
		return t, err
	}
	if t.recipient, err = parseAddress(recipient); err != nil {
		return t, err
	}
	if documentID == "" {
		return t, reject(KindInvalidIdentity, "document id is required")
	}
	t.documentID = documentID
	return t, nil
}

func (s *SmartContract) ownerTuple(ctx contractapi.TransactionContextInterface, owner, recipient, documentID string) (tuple, error) {
	t, err := parseTuple(owner, recipient, documentID)
	if err != nil {
		return t, err
	}
	return t, s.requireCaller(ctx, t.owner)
}

// callerAddress reads the wallet address bound to the client certificate
func (s *SmartContract) callerAddress(ctx contractapi.TransactionContextInterface) (string, error) {
	value, found, err := ctx.GetClientIdentity().GetAttributeValue(AddressAttribute)
	if err != nil {
		return "", fmt.Errorf("failed to read client identity: %v", err)
	}
	if !found {
		return "", reject(KindNotOwner, "client certificate carries no %s attribute", AddressAttribute)
	}
	return parseAddress(value)
}

func (s *SmartContract) requireCaller(ctx contractapi.TransactionContextInterface, owner string) error {
	caller, err := s.callerAddress(ctx)
	if err != nil {
		return err
	}
	if caller != owner {
		return reject(KindNotOwner, "caller %s does not own records of %s", caller, owner)
	}
	return nil
}

func (s *SmartContract) audit(ctx contractapi.TransactionContextInterface, action string, t tuple, now time.Time) error {
	entry := AuditEntry{
		Action:     action,
		Caller:     t.owner,
		Owner:      t.owner,
		Recipient:  t.recipient,
		DocumentID: t.documentID,
		TxID:       ctx.GetStub().GetTxID(),
		Timestamp:  now,
	}
	entry.Digest = auditDigest(entry)
	return putJSON(ctx, objAudit, []string{t.owner, t.documentID, entry.TxID}, entry)
}

func auditDigest(entry AuditEntry) string {
	input := strings.Join([]string{
		entry.Action,
		entry.Caller,
		entry.Owner,
		entry.Recipient,
		entry.DocumentID,
		entry.TxID,
		entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}, "|")
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:])
}

func checkPublicKey(material string) error {
	block, _ := pem.Decode([]byte(material))
	if block == nil || block.Type != "PUBLIC KEY" {
		return fmt.Errorf("expected a PUBLIC KEY PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return err
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("not an RSA public key")
	}
	if pub.N.BitLen() != modulusBits {
		return fmt.Errorf("unsupported modulus size %d", pub.N.BitLen())
	}
	return nil
}

// txTime is the transaction timestamp, identical on every endorser
func txTime(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to read transaction timestamp: %v", err)
	}
	return ts.AsTime().UTC(), nil
}

func getJSON(ctx contractapi.TransactionContextInterface, objectType string, attrs []string, v interface{}) (bool, error) {
	key, err := ctx.GetStub().CreateCompositeKey(objectType, attrs)
	if err != nil {
		return false, err
	}
	data, err := ctx.GetStub().GetState(key)
	if err != nil {
		return false, fmt.Errorf("failed to read %s from world state: %v", objectType, err)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("corrupt %s state: %v", objectType, err)
	}
	return true, nil
}

func putJSON(ctx contractapi.TransactionContextInterface, objectType string, attrs []string, v interface{}) error {
	key, err := ctx.GetStub().CreateCompositeKey(objectType, attrs)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := ctx.GetStub().PutState(key, data); err != nil {
		return fmt.Errorf("failed to put %s: %v", objectType, err)
	}
	return nil
}

func delState(ctx contractapi.TransactionContextInterface, objectType string, attrs []string) error {
	key, err := ctx.GetStub().CreateCompositeKey(objectType, attrs)
	if err != nil {
		return err
	}
	return ctx.GetStub().DelState(key)
}
