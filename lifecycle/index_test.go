package lifecycle

import (
	"testing"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
	"github.com/stretchr/testify/require"
)

func TestIndexEvictsOldest(t *testing.T) {
	require := require.New(t)
	i := NewIndex(2)

	var msgIDs []ids.ID
	for ts := uint64(1); ts <= 3; ts++ {
		m := &message.Message{ID: ids.NewID(), ConversationID: "c", Source: alice, SentAt: ts}
		msgIDs = append(msgIDs, m.ID)
		i.Register(m)
	}
	require.Equal(2, i.Len())
	require.Nil(i.ByID(msgIDs[0]))
	require.Nil(i.Lookup(alice, 1))
	require.Equal(msgIDs[2], i.Lookup(message.Identity{ServiceID: "alice", Device: 7}, 3).ID)
}

func TestIndexHandsOutCopies(t *testing.T) {
	require := require.New(t)
	i := NewIndex(10)

	m := &message.Message{ID: ids.NewID(), ConversationID: "c", Source: alice, SentAt: 1, Body: "original"}
	i.Register(m)
	m.Body = "changed after register"

	found := i.ByID(m.ID)
	require.Equal("original", found.Body)
	found.Body = "changed by reader"
	require.Equal("original", i.Lookup(alice, 1).Body)

	m.Body = "refreshed"
	i.Refresh(m)
	require.Equal("refreshed", i.ByID(m.ID).Body)

	i.Remove(m.ID)
	require.Equal(0, i.Len())
	i.Refresh(m)
	require.Equal(0, i.Len())
}
