package dispatch

import (
	"errors"

	"github.com/meow-io/go-courier/push"
	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/wire"
)

// UntrustedFailure is a device whose identity key no longer matches the pinned one.
type UntrustedFailure struct {
	Address     wire.Address
	IdentityKey []byte
}

type NetworkFailure struct {
	Address wire.Address
	Err     error
}

// SendOutcome is the result of one logical send across every recipient.
type SendOutcome struct {
	Untrusted    []UntrustedFailure
	Unregistered []wire.Address
	Network      []NetworkFailure
	// NeedsSync is set when a transcript to our own devices was due but could not be sent.
	NeedsSync bool
	Succeeded []string
}

// Success is true only when no recipient failed.
func (o *SendOutcome) Success() bool {
	return len(o.Untrusted) == 0 && len(o.Unregistered) == 0 && len(o.Network) == 0
}

func (o *SendOutcome) Failures() int {
	return len(o.Untrusted) + len(o.Unregistered) + len(o.Network)
}

// Failed lists the names of every recipient that failed.
func (o *SendOutcome) Failed() []string {
	var out []string
	for _, u := range o.Untrusted {
		out = append(out, u.Address.Name)
	}
	for _, u := range o.Unregistered {
		out = append(out, u.Name)
	}
	for _, n := range o.Network {
		out = append(out, n.Address.Name)
	}
	return out
}

// onlyNetwork reports whether nothing succeeded and every failure is a transport failure.
func (o *SendOutcome) onlyNetwork() bool {
	return len(o.Succeeded) == 0 && len(o.Network) != 0 && len(o.Untrusted) == 0 && len(o.Unregistered) == 0
}

// result is what sending to one base identity produced.
type result struct {
	address wire.Address
	err     error
}

// foldOutcome classifies every result into the outcome. It does not touch any state.
func foldOutcome(results []result) *SendOutcome {
	o := &SendOutcome{}
	for _, r := range results {
		var untrusted *session.UntrustedIdentityError
		var unregistered *push.UnregisteredUserError
		var agreement *session.KeyAgreementError
		switch {
		case r.err == nil:
			o.Succeeded = append(o.Succeeded, r.address.Name)
		case errors.As(r.err, &untrusted):
			o.Untrusted = append(o.Untrusted, UntrustedFailure{Address: untrusted.Address, IdentityKey: untrusted.IdentityKey})
		case errors.As(r.err, &unregistered):
			o.Unregistered = append(o.Unregistered, r.address)
		case errors.As(r.err, &agreement):
			o.Network = append(o.Network, NetworkFailure{Address: agreement.Address, Err: r.err})
		default:
			o.Network = append(o.Network, NetworkFailure{Address: r.address, Err: r.err})
		}
	}
	return o
}
