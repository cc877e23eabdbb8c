package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseID(t *testing.T) {
	require := require.New(t)
	id := NewID()
	parsed, err := ParseID(id.String())
	require.Nil(err)
	require.Equal(id, parsed)
	require.False(parsed.IsZero())

	_, err = ParseID("abcd")
	require.NotNil(err)
	_, err = ParseID("zz")
	require.NotNil(err)
}
