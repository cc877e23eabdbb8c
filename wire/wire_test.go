package wire

import (
	"testing"

	"github.com/meow-io/go-courier/ids"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	require := require.New(t)
	a, err := ParseAddress("+1555.0001.2")
	require.Nil(err)
	require.Equal(NewAddress("+1555.0001", 2), a)
	require.Equal("+1555.0001.2", a.String())
	require.Equal(uint32(3), a.WithDevice(3).DeviceID)

	_, err = ParseAddress("nodevice")
	require.NotNil(err)
	_, err = ParseAddress("name.x")
	require.NotNil(err)
}

func TestEnvelopeCiphertextSelection(t *testing.T) {
	require := require.New(t)
	e := &Envelope{Type: TypeCiphertext, Source: "a", SourceDevice: 1, Timestamp: 10, LegacyMessage: []byte("legacy")}
	require.False(e.HasContent())
	require.Equal([]byte("legacy"), e.Ciphertext())
	e.Content = []byte("content")
	require.Equal([]byte("content"), e.Ciphertext())

	b, err := e.Marshal()
	require.Nil(err)
	decoded, err := UnmarshalEnvelope(b)
	require.Nil(err)
	require.Equal(e, decoded)
}

func TestGroupMessageFlags(t *testing.T) {
	require := require.New(t)
	dm := &DataMessage{Timestamp: 1, Flags: FlagEndSession}
	require.True(dm.IsEndSession())
	require.False(dm.IsGroupUpdate())

	dm = &DataMessage{Timestamp: 1, Group: &GroupContext{ID: ids.NewID(), Type: GroupDeliver}}
	require.False(dm.IsGroupUpdate())
	dm.Group.Type = GroupKick
	require.True(dm.IsGroupUpdate())
}
