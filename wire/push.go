package wire

const ContentType = "application/x-courier"

// OutgoingMessage is one ciphertext for one device of the destination.
type OutgoingMessage struct {
	Type                      uint8  `bencode:"t"`
	DestinationDeviceID       uint32 `bencode:"d"`
	DestinationRegistrationID uint32 `bencode:"r"`
	Body                      []byte `bencode:"b"`
	Legacy                    bool   `bencode:"l,omitempty"`
}

type OutgoingMessageList struct {
	Destination string            `bencode:"d"`
	Relay       string            `bencode:"r,omitempty"`
	Timestamp   uint64            `bencode:"t"`
	Messages    []OutgoingMessage `bencode:"m"`
}

type MismatchedDevices struct {
	Missing []uint32 `bencode:"m,omitempty"`
	Extra   []uint32 `bencode:"e,omitempty"`
}

type StaleDevices struct {
	Stale []uint32 `bencode:"s"`
}

type PreKeyEntry struct {
	ID        uint32 `bencode:"i"`
	PublicKey []byte `bencode:"k"`
}

type SignedPreKeyEntry struct {
	ID        uint32 `bencode:"i"`
	PublicKey []byte `bencode:"k"`
	Signature []byte `bencode:"s"`
}

// PreKeyState is what a device uploads so others can start sessions with it.
type PreKeyState struct {
	IdentityKey    []byte            `bencode:"i"`
	RegistrationID uint32            `bencode:"r"`
	SignedPreKey   SignedPreKeyEntry `bencode:"s"`
	PreKeys        []PreKeyEntry     `bencode:"p,omitempty"`
}

// PreKeyBundle is what a sender fetches for one device. PreKeyID 0 means no one-time prekey was left.
type PreKeyBundle struct {
	DeviceID              uint32 `bencode:"d"`
	RegistrationID        uint32 `bencode:"r"`
	IdentityKey           []byte `bencode:"i"`
	SignedPreKeyID        uint32 `bencode:"sid"`
	SignedPreKey          []byte `bencode:"spk"`
	SignedPreKeySignature []byte `bencode:"sig"`
	PreKeyID              uint32 `bencode:"pid,omitempty"`
	PreKey                []byte `bencode:"pk,omitempty"`
}

type PreKeyResponse struct {
	Devices []PreKeyBundle `bencode:"d"`
}

type PreKeyCount struct {
	Count uint32 `bencode:"c"`
}

type Registration struct {
	RegistrationID uint32 `bencode:"r"`
}

type RegistrationResponse struct {
	Token string `bencode:"t"`
}

type AttachmentResponse struct {
	ID string `bencode:"i"`
}

// Ack confirms a piped envelope, identified by its server GUID.
type Ack struct {
	GUID string `bencode:"g"`
}
