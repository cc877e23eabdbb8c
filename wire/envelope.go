package wire

import "github.com/meow-io/go-courier/bencode"

const (
	TypeUnknown      uint8 = 0
	TypeCiphertext   uint8 = 1
	TypePreKeyBundle uint8 = 3
	TypeReceipt      uint8 = 5
	TypeRead         uint8 = 6
)

// Envelope is one inbound delivery. Exactly one of LegacyMessage and Content carries ciphertext
// for the message types; receipts carry neither.
type Envelope struct {
	Type            uint8  `bencode:"t"`
	Source          string `bencode:"s"`
	SourceDevice    uint32 `bencode:"sd"`
	Relay           string `bencode:"r,omitempty"`
	Timestamp       uint64 `bencode:"ts"`
	ServerTimestamp uint64 `bencode:"st,omitempty"`
	ServerGUID      string `bencode:"g,omitempty"`
	LegacyMessage   []byte `bencode:"l,omitempty"`
	Content         []byte `bencode:"c,omitempty"`
}

func (e *Envelope) SourceAddress() Address {
	return Address{Name: e.Source, Relay: e.Relay, DeviceID: e.SourceDevice}
}

func (e *Envelope) IsReceipt() bool {
	return e.Type == TypeReceipt
}

func (e *Envelope) IsRead() bool {
	return e.Type == TypeRead
}

func (e *Envelope) IsPreKeyBundle() bool {
	return e.Type == TypePreKeyBundle
}

func (e *Envelope) HasContent() bool {
	return len(e.Content) != 0
}

func (e *Envelope) Ciphertext() []byte {
	if e.HasContent() {
		return e.Content
	}
	return e.LegacyMessage
}

func (e *Envelope) Marshal() ([]byte, error) {
	return bencode.Serialize(e)
}

func UnmarshalEnvelope(b []byte) (*Envelope, error) {
	e := &Envelope{}
	if err := bencode.Deserialize(b, e); err != nil {
		return nil, err
	}
	return e, nil
}
