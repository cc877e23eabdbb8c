package wire

import (
	"github.com/meow-io/go-courier/bencode"
	"github.com/meow-io/go-courier/ids"
)

const (
	FlagEndSession            uint32 = 1
	FlagExpirationTimerUpdate uint32 = 2
)

const (
	GroupUnknown uint8 = 0
	GroupUpdate  uint8 = 1
	GroupDeliver uint8 = 2
	GroupQuit    uint8 = 3
	GroupKick    uint8 = 4
)

const (
	AnswersBubbles uint32 = 1
	AnswersMenu    uint32 = 2
)

const (
	SyncRequestContacts uint8 = 1
	SyncRequestGroups   uint8 = 2
	SyncRequestBlocked  uint8 = 3
)

type Content struct {
	DataMessage *DataMessage `bencode:"d,omitempty"`
	SyncMessage *SyncMessage `bencode:"s,omitempty"`
}

type DataMessage struct {
	Body        string              `bencode:"b,omitempty"`
	Attachments []AttachmentPointer `bencode:"a,omitempty"`
	Group       *GroupContext       `bencode:"g,omitempty"`
	Flags       uint32              `bencode:"f,omitempty"`
	ExpireTimer uint32              `bencode:"e,omitempty"`
	Timestamp   uint64              `bencode:"t"`
	Answers     *PredefinedAnswers  `bencode:"p,omitempty"`
}

func (dm *DataMessage) IsEndSession() bool {
	return dm.Flags&FlagEndSession != 0
}

func (dm *DataMessage) IsGroupUpdate() bool {
	return dm.Group != nil && dm.Group.Type != GroupDeliver
}

type GroupContext struct {
	ID      ids.ID             `bencode:"i"`
	Type    uint8              `bencode:"t"`
	Name    string             `bencode:"n,omitempty"`
	Members []string           `bencode:"m,omitempty"`
	Kicked  []string           `bencode:"k,omitempty"`
	Admin   string             `bencode:"a,omitempty"`
	Version uint64             `bencode:"v,omitempty"`
	Avatar  *AttachmentPointer `bencode:"av,omitempty"`
}

type AttachmentPointer struct {
	ID          string `bencode:"i"`
	ContentType string `bencode:"c"`
	Key         []byte `bencode:"k"`
	Size        uint64 `bencode:"s,omitempty"`
	Digest      []byte `bencode:"d,omitempty"`
	FileName    string `bencode:"f,omitempty"`
}

type PredefinedAnswers struct {
	Type uint32 `bencode:"t"`
	Data string `bencode:"d,omitempty"`
}

type SyncMessage struct {
	Sent    *SentTranscript `bencode:"s,omitempty"`
	Request *SyncRequest    `bencode:"q,omitempty"`
	Read    []ReadMessage   `bencode:"r,omitempty"`
}

type SentTranscript struct {
	Destination string      `bencode:"d,omitempty"`
	Timestamp   uint64      `bencode:"t"`
	Message     DataMessage `bencode:"m"`
}

type SyncRequest struct {
	Type uint8 `bencode:"t"`
}

type ReadMessage struct {
	Sender    string `bencode:"s"`
	Timestamp uint64 `bencode:"t"`
}

func (c *Content) Marshal() ([]byte, error) {
	return bencode.Serialize(c)
}

func UnmarshalContent(b []byte) (*Content, error) {
	c := &Content{}
	if err := bencode.Deserialize(b, c); err != nil {
		return nil, err
	}
	return c, nil
}

func UnmarshalDataMessage(b []byte) (*DataMessage, error) {
	dm := &DataMessage{}
	if err := bencode.Deserialize(b, dm); err != nil {
		return nil, err
	}
	return dm, nil
}
