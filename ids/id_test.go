package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRoundTrip(t *testing.T) {
	require := require.New(t)

	id := NewID()
	parsed, err := ParseID(id.String())
	require.Nil(err)
	require.Equal(id, parsed)
	require.False(parsed.IsZero())
}

func TestParseRejectsShortInput(t *testing.T) {
	require := require.New(t)

	_, err := ParseID("abcd")
	require.ErrorContains(err, "expected 16 bytes")
	_, err = ParseID("zz")
	require.Error(err)
}

func TestIDAsJSONKey(t *testing.T) {
	require := require.New(t)

	id := NewID()
	b, err := json.Marshal(map[ID]int{id: 1})
	require.Nil(err)
	out := map[ID]int{}
	require.Nil(json.Unmarshal(b, &out))
	require.Equal(1, out[id])
}
