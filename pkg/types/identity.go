package types

import (
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Identity is a wallet address acting as a principal of the protocol
type Identity string

// Normalize lower-cases the address so comparisons are case-insensitive
func (id Identity) Normalize() Identity {
	return Identity(strings.ToLower(strings.TrimSpace(string(id))))
}

// Validate checks the address format
func (id Identity) Validate() error {
	if err := validate.Var(string(id), "required,eth_addr"); err != nil {
		return NewErrorWithCause(KindInvalidIdentity, "identity is not a valid address", err).WithIdentity(id)
	}
	return nil
}

// Equal compares two identities ignoring case
func (id Identity) Equal(other Identity) bool {
	return id.Normalize() == other.Normalize()
}

func (id Identity) String() string {
	return string(id)
}

// ParseIdentity validates and normalizes an address
func ParseIdentity(s string) (Identity, error) {
	id := Identity(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id.Normalize(), nil
}
