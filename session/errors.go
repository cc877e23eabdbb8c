package session

import (
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/wire"
)

var ErrNoLocalIdentity = errors.New("session: local identity not set up")

// Kind classifies why an envelope could not be decrypted. The set is closed.
type Kind uint8

const (
	InvalidVersion Kind = iota + 1
	Corrupt
	NoSession
	Legacy
	UntrustedIdentity
	Duplicate
)

func (k Kind) String() string {
	switch k {
	case InvalidVersion:
		return "invalid version"
	case Corrupt:
		return "corrupt"
	case NoSession:
		return "no session"
	case Legacy:
		return "legacy"
	case UntrustedIdentity:
		return "untrusted identity"
	case Duplicate:
		return "duplicate"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

type DecryptError struct {
	Kind    Kind
	Address wire.Address
	// IdentityKey is the offending key for UntrustedIdentity.
	IdentityKey []byte
	Err         error
}

func newDecryptError(kind Kind, addr wire.Address, err error) *DecryptError {
	return &DecryptError{Kind: kind, Address: addr, Err: err}
}

func (e *DecryptError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: %s envelope from %s: %v", e.Kind, e.Address, e.Err)
	}
	return fmt.Sprintf("session: %s envelope from %s", e.Kind, e.Address)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// recorded reports whether the transaction that produced e should still commit, keeping the replay digest.
func (e *DecryptError) recorded() bool {
	return e.Kind == UntrustedIdentity || e.Kind == Duplicate
}

type UntrustedIdentityError struct {
	Address     wire.Address
	IdentityKey []byte
}

func (e *UntrustedIdentityError) Error() string {
	return fmt.Sprintf("session: untrusted identity for %s", e.Address)
}

type KeyAgreementError struct {
	Address wire.Address
	Reason  string
	Err     error
}

func (e *KeyAgreementError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("session: key agreement with %s failed: %s: %v", e.Address, e.Reason, e.Err)
	}
	return fmt.Sprintf("session: key agreement with %s failed: %s", e.Address, e.Reason)
}

func (e *KeyAgreementError) Unwrap() error {
	return e.Err
}

type NoSessionError struct {
	Address wire.Address
}

func (e *NoSessionError) Error() string {
	return fmt.Sprintf("session: no session for %s", e.Address)
}
