package message

import (
	"errors"
	"fmt"
	"testing"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/sendstate"
	"github.com/stretchr/testify/require"
)

func fullMessage() *Message {
	return &Message{
		ID:                   ids.NewID(),
		ConversationID:       "c1",
		Source:               Identity{ServiceID: "alice", Device: 2},
		SentAt:               100,
		Body:                 "hello",
		Attachments:          []*Attachment{{ID: "a1", ContentType: "image/png"}},
		Quote:                &Quote{Author: Identity{ServiceID: "bob"}, OriginalTimestamp: 50},
		Contact:              []*Contact{{Name: "carol"}},
		Sticker:              &Sticker{PackID: "p", StickerID: 1},
		Reactions:            []*Reaction{{FromID: "bob", Emoji: "x", Timestamp: 1}},
		SendStateByRecipient: sendstate.Map{"bob": {Status: sendstate.Delivered}},
	}
}

func TestEraseKeepsIdentityAndSendState(t *testing.T) {
	require := require.New(t)

	m := fullMessage()
	id := m.ID
	m.Erase()
	require.True(m.Erased)
	require.Empty(m.Body)
	require.Nil(m.Attachments)
	require.Nil(m.Quote)
	require.Nil(m.Sticker)
	require.Nil(m.Contact)
	require.Equal(id, m.ID)
	require.Equal(uint64(100), m.SentAt)
	require.Equal(sendstate.Delivered, m.SendStateByRecipient["bob"].Status)
	require.Len(m.Reactions, 1)
}

func TestDeleteForEveryoneClearsReactions(t *testing.T) {
	require := require.New(t)

	m := fullMessage()
	m.MarkDeletedForEveryone()
	require.True(m.Erased)
	require.True(m.DeletedForEveryone)
	require.Nil(m.Reactions)
}

func TestEmptiness(t *testing.T) {
	require := require.New(t)

	m := &Message{}
	require.True(m.IsEmpty())

	m.Flags = FlagExpirationTimerUpdate
	require.False(m.IsEmpty())

	m = &Message{Sticker: &Sticker{PackID: "p"}}
	require.False(m.IsEmpty())

	m = &Message{Quote: &Quote{Text: "quoted only"}}
	require.True(m.IsEmpty())
}

func TestIdentityMatches(t *testing.T) {
	require := require.New(t)

	require.True(Identity{ServiceID: "a", Device: 1}.Matches(Identity{ServiceID: "a", Device: 3}))
	require.False(Identity{ServiceID: "a"}.Matches(Identity{ServiceID: "b"}))
	require.True(Identity{Number: "+1"}.Matches(Identity{Number: "+1"}))
	require.False(Identity{}.Matches(Identity{}))
	require.Equal("+1", Identity{Number: "+1"}.Key())
}

func TestCloneIsDeep(t *testing.T) {
	require := require.New(t)

	m := fullMessage()
	c := m.Clone()
	require.Equal(m, c)
	c.Attachments[0].ID = "changed"
	c.SendStateByRecipient["bob"] = sendstate.State{Status: sendstate.Failed}
	require.Equal("a1", m.Attachments[0].ID)
	require.Equal(sendstate.Delivered, m.SendStateByRecipient["bob"].Status)
}

func TestExpiresAt(t *testing.T) {
	require := require.New(t)

	m := &Message{ExpireTimer: 10}
	require.Equal(uint64(0), m.ExpiresAt())
	m.ExpirationStartTimestamp = 1000
	require.Equal(uint64(11000), m.ExpiresAt())
}

func TestSendErrorClassification(t *testing.T) {
	require := require.New(t)

	se, ok := ToSendError(fmt.Errorf("wrapped: %w", &TransientSendError{RecipientID: "a", Err: errors.New("timeout")}))
	require.True(ok)
	require.Equal(ErrorKindTransient, se.Kind)
	require.True(se.Retryable)

	se, ok = ToSendError(&UnregisteredRecipientError{RecipientID: "b"})
	require.True(ok)
	require.False(se.Retryable)
	require.Equal("b", se.RecipientID)

	_, ok = ToSendError(errors.New("other"))
	require.False(ok)

	reason, ok := IsDrop(fmt.Errorf("x: %w", Drop(DropDuplicate)))
	require.True(ok)
	require.Equal(DropDuplicate, reason)
}
