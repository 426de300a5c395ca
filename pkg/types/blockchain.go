package types

import "time"

// GrantState is the state of an access grant tuple on the ledger
type GrantState string

const (
	GrantStateUngranted GrantState = "ungranted"
	GrantStateActive    GrantState = "active"
	GrantStateRevoked   GrantState = "revoked"
)

// GrantTuple identifies one (owner, recipient, documentId) authorization
type GrantTuple struct {
	Owner      Identity `json:"owner"`
	Recipient  Identity `json:"recipient"`
	DocumentID string   `json:"document_id"`
}

// Normalize returns the tuple with both identities normalized
func (t GrantTuple) Normalize() GrantTuple {
	return GrantTuple{
		Owner:      t.Owner.Normalize(),
		Recipient:  t.Recipient.Normalize(),
		DocumentID: t.DocumentID,
	}
}

// Validate checks both identities and the document identifier
func (t GrantTuple) Validate() error {
	if err := t.Owner.Validate(); err != nil {
		return err
	}
	if err := t.Recipient.Validate(); err != nil {
		return err
	}
	if t.DocumentID == "" {
		return NewError(KindInvalidIdentity, "document id is required").WithTuple(t)
	}
	return nil
}

// AccessGrant represents an authorization record kept on the ledger
type AccessGrant struct {
	Owner      Identity   `json:"owner"`
	Recipient  Identity   `json:"recipient"`
	DocumentID string     `json:"document_id"`
	GrantedAt  time.Time  `json:"granted_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Tuple returns the grant's identifying tuple
func (g *AccessGrant) Tuple() GrantTuple {
	return GrantTuple{Owner: g.Owner, Recipient: g.Recipient, DocumentID: g.DocumentID}
}

// State derives the state machine position from the stored grant
func (g *AccessGrant) State() GrantState {
	if g == nil {
		return GrantStateUngranted
	}
	if g.Revoked {
		return GrantStateRevoked
	}
	return GrantStateActive
}

// WrappedKey is a content key encrypted for one recipient
type WrappedKey struct {
	Owner      Identity `json:"owner"`
	Recipient  Identity `json:"recipient"`
	DocumentID string   `json:"document_id"`
	Ciphertext []byte   `json:"ciphertext"`
}

// SharedRecord is one entry of a recipient's "shared with me" index
type SharedRecord struct {
	Owner      Identity  `json:"owner"`
	DocumentID string    `json:"document_id"`
	GrantedAt  time.Time `json:"granted_at"`
}

// DocumentRecord points from (owner, documentId) to the bundle's content address
type DocumentRecord struct {
	Owner          Identity  `json:"owner"`
	DocumentID     string    `json:"document_id"`
	ContentAddress string    `json:"content_address"`
	RegisteredAt   time.Time `json:"registered_at"`
}

// Receipt identifies a submitted ledger write
type Receipt struct {
	TxID        string    `json:"tx_id"`
	Function    string    `json:"function"`
	SubmittedAt time.Time `json:"submitted_at"`
}
