package types

import (
	"errors"
	"fmt"
)

// ErrorKind identifies a failure class of the key-exchange protocol
type ErrorKind string

const (
	KindInvalidRecipientKey      ErrorKind = "invalid_recipient_key"
	KindMalformedCiphertext      ErrorKind = "malformed_ciphertext"
	KindUnwrapFailed             ErrorKind = "unwrap_failed"
	KindContentDecryptFailed     ErrorKind = "content_decrypt_failed"
	KindAccessDenied             ErrorKind = "access_denied"
	KindKeyNotStored             ErrorKind = "key_not_stored"
	KindAlreadyGranted           ErrorKind = "already_granted"
	KindRegistrationNotConfirmed ErrorKind = "registration_not_confirmed"
	KindKeyDivergence            ErrorKind = "key_divergence"
	KindCollaboratorUnavailable  ErrorKind = "collaborator_unavailable"
	KindNotOwner                 ErrorKind = "not_owner"
	KindUnknownRecipient         ErrorKind = "unknown_recipient"
	KindInvalidIdentity          ErrorKind = "invalid_identity"
	KindDocumentNotFound         ErrorKind = "document_not_found"
	KindKeyNotFound              ErrorKind = "key_not_found"
	KindDocumentExists           ErrorKind = "document_exists"
)

// Sentinels for errors.Is checks. A *ProtocolError matches the sentinel of its kind.
var (
	ErrInvalidRecipientKey      = &ProtocolError{Kind: KindInvalidRecipientKey, Message: "recipient public key is invalid"}
	ErrMalformedCiphertext      = &ProtocolError{Kind: KindMalformedCiphertext, Message: "wrapped key has invalid length"}
	ErrUnwrapFailed             = &ProtocolError{Kind: KindUnwrapFailed, Message: "content key could not be unwrapped"}
	ErrContentDecryptFailed     = &ProtocolError{Kind: KindContentDecryptFailed, Message: "document payload could not be decrypted"}
	ErrAccessDenied             = &ProtocolError{Kind: KindAccessDenied, Message: "no active access grant"}
	ErrKeyNotStored             = &ProtocolError{Kind: KindKeyNotStored, Message: "grant is active but no wrapped key was delivered"}
	ErrAlreadyGranted           = &ProtocolError{Kind: KindAlreadyGranted, Message: "access is already granted"}
	ErrRegistrationNotConfirmed = &ProtocolError{Kind: KindRegistrationNotConfirmed, Message: "public key registration was not confirmed"}
	ErrKeyDivergence            = &ProtocolError{Kind: KindKeyDivergence, Message: "local private key does not match the registered public key"}
	ErrCollaboratorUnavailable  = &ProtocolError{Kind: KindCollaboratorUnavailable, Message: "external collaborator unavailable"}
	ErrNotOwner                 = &ProtocolError{Kind: KindNotOwner, Message: "caller is not the document owner"}
	ErrUnknownRecipient         = &ProtocolError{Kind: KindUnknownRecipient, Message: "recipient has no registered public key"}
	ErrInvalidIdentity          = &ProtocolError{Kind: KindInvalidIdentity, Message: "identity is not a valid address"}
	ErrDocumentNotFound         = &ProtocolError{Kind: KindDocumentNotFound, Message: "document is not registered"}
	ErrKeyNotFound              = &ProtocolError{Kind: KindKeyNotFound, Message: "no local private key for identity"}
	ErrDocumentExists           = &ProtocolError{Kind: KindDocumentExists, Message: "document is already registered with another content address"}
)

// ProtocolError is the structured error returned by every protocol operation.
// It carries the tuple identifiers so callers can decide whether to retry the
// outer user action.
type ProtocolError struct {
	Kind       ErrorKind              `json:"kind"`
	Message    string                 `json:"message"`
	Owner      Identity               `json:"owner,omitempty"`
	Recipient  Identity               `json:"recipient,omitempty"`
	DocumentID string                 `json:"document_id,omitempty"`
	Identity   Identity               `json:"identity,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.DocumentID != "" {
		msg = fmt.Sprintf("%s (owner=%s recipient=%s document=%s)", msg, e.Owner, e.Recipient, e.DocumentID)
	} else if e.Identity != "" {
		msg = fmt.Sprintf("%s (identity=%s)", msg, e.Identity)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: caused by: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *ProtocolError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a ProtocolError of the same kind.
func (e *ProtocolError) Is(target error) bool {
	t, ok := target.(*ProtocolError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// WithTuple attaches the (owner, recipient, documentId) identifiers.
func (e *ProtocolError) WithTuple(t GrantTuple) *ProtocolError {
	e.Owner = t.Owner
	e.Recipient = t.Recipient
	e.DocumentID = t.DocumentID
	return e
}

// WithIdentity attaches the identity the failure concerns.
func (e *ProtocolError) WithIdentity(id Identity) *ProtocolError {
	e.Identity = id
	return e
}

// WithDetail adds a single detail entry.
func (e *ProtocolError) WithDetail(key string, value interface{}) *ProtocolError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewError creates a new protocol error of the given kind
func NewError(kind ErrorKind, message string) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message}
}

// NewErrorWithCause creates a new protocol error wrapping cause
func NewErrorWithCause(kind ErrorKind, message string, cause error) *ProtocolError {
	return &ProtocolError{Kind: kind, Message: message, Cause: cause}
}

// KindOf returns the kind of the first ProtocolError in err's chain, or "".
func KindOf(err error) ErrorKind {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// IsCryptographic reports whether err is a deterministic cryptographic failure
// that must not be retried.
func IsCryptographic(err error) bool {
	switch KindOf(err) {
	case KindUnwrapFailed, KindContentDecryptFailed, KindMalformedCiphertext, KindInvalidRecipientKey:
		return true
	}
	return false
}
