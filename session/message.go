package session

import (
	"fmt"

	"github.com/meow-io/go-courier/bencode"
)

// MessageVersion is the first byte of every ciphertext body.
const MessageVersion = 3

type ratchetMessage struct {
	Dh   []byte `bencode:"dh"`
	N    uint32 `bencode:"n"`
	Pn   uint32 `bencode:"pn"`
	Body []byte `bencode:"b"`
}

// preKeyMessage carries a ratchet message plus what the receiver needs to build the session.
type preKeyMessage struct {
	RegistrationID uint32 `bencode:"r"`
	PreKeyID       uint32 `bencode:"p,omitempty"`
	SignedPreKeyID uint32 `bencode:"s"`
	BaseKey        []byte `bencode:"bk"`
	IdentityKey    []byte `bencode:"ik"`
	Message        []byte `bencode:"m"`
}

func versioned(v interface{}) ([]byte, error) {
	b, err := bencode.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("session: error encoding message: %w", err)
	}
	return append([]byte{MessageVersion}, b...), nil
}

// unversioned checks the version byte and decodes the rest into v.
func unversioned(body []byte, v interface{}) (Kind, error) {
	if len(body) == 0 {
		return Corrupt, fmt.Errorf("empty body")
	}
	switch {
	case body[0] < MessageVersion:
		return Legacy, fmt.Errorf("version %d", body[0])
	case body[0] > MessageVersion:
		return InvalidVersion, fmt.Errorf("version %d", body[0])
	}
	if err := bencode.Deserialize(body[1:], v); err != nil {
		return Corrupt, err
	}
	return 0, nil
}
