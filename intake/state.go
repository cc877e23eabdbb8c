package intake

import (
	"fmt"

	"github.com/meow-io/go-courier/session"
	"github.com/meow-io/go-courier/store"
)

// State is the branch an envelope took through intake.
type State uint8

const (
	Dropped State = iota
	EndSession
	GroupUpdate
	GroupKick
	GroupQuit
	Media
	Text
	SyncSent
	SyncRequest
	SyncRead
	InvalidVersion
	Corrupt
	NoSession
	Legacy
	UntrustedIdentity
)

func (s State) String() string {
	switch s {
	case Dropped:
		return "dropped"
	case EndSession:
		return "end session"
	case GroupUpdate:
		return "group update"
	case GroupKick:
		return "group kick"
	case GroupQuit:
		return "group quit"
	case Media:
		return "media"
	case Text:
		return "text"
	case SyncSent:
		return "sync sent"
	case SyncRequest:
		return "sync request"
	case SyncRead:
		return "sync read"
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
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Failed is true for the decrypt failure states.
func (s State) Failed() bool {
	return s >= InvalidVersion
}

// failure maps a decrypt classification to its terminal state and the marker stored on the placeholder.
func failure(k session.Kind) (State, uint64) {
	switch k {
	case session.InvalidVersion:
		return InvalidVersion, store.TypeInvalidVersion
	case session.Corrupt:
		return Corrupt, store.TypeDecryptFailed
	case session.NoSession:
		return NoSession, store.TypeNoSession
	case session.Legacy:
		return Legacy, store.TypeLegacy
	case session.UntrustedIdentity:
		return UntrustedIdentity, store.TypePreKeyBundle
	case session.Duplicate:
		return Dropped, 0
	default:
		panic(fmt.Sprintf("intake: unknown decrypt failure %s", k))
	}
}
