package reactions

import (
	"testing"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/sendstate"
	"github.com/stretchr/testify/require"
)

func event(from, emoji string, ts uint64, p Provenance) *Event {
	return &Event{
		TargetAuthor:    message.Identity{ServiceID: "author"},
		TargetTimestamp: 10,
		FromID:          from,
		Emoji:           emoji,
		Timestamp:       ts,
		ReceivedAt:      ts,
		Provenance:      p,
	}
}

func emojis(rs []*message.Reaction) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.FromID+":"+r.Emoji)
	}
	return out
}

func TestAddReplacesPriorReactionFromSameSender(t *testing.T) {
	require := require.New(t)

	res := Apply(nil, event("a", "x", 1, SomeoneElse))
	require.True(res.Changed)
	res = Apply(res.Reactions, event("b", "y", 2, SomeoneElse))
	res = Apply(res.Reactions, event("a", "z", 3, SomeoneElse))
	require.True(res.Changed)
	require.Equal([]string{"b:y", "a:z"}, emojis(res.Reactions))
	require.Len(res.Removed, 1)
	require.Equal("x", res.Removed[0].Emoji)
	require.Equal("z", res.Added.Emoji)
}

func TestAddIsIdempotent(t *testing.T) {
	require := require.New(t)

	e := event("a", "x", 1, SomeoneElse)
	first := Apply(nil, e)
	second := Apply(first.Reactions, e)
	require.False(second.Changed)
	require.Len(second.Reactions, len(first.Reactions))
	require.Nil(second.Added)
}

func TestRemove(t *testing.T) {
	require := require.New(t)

	res := Apply(nil, event("a", "x", 1, SomeoneElse))
	res = Apply(res.Reactions, event("b", "y", 2, SomeoneElse))

	rm := event("a", "x", 3, SomeoneElse)
	rm.Remove = true
	res = Apply(res.Reactions, rm)
	require.True(res.Changed)
	require.Equal([]string{"b:y"}, emojis(res.Reactions))

	res = Apply(res.Reactions, rm)
	require.False(res.Changed)
}

func TestOlderSyncRemoveIsIgnored(t *testing.T) {
	require := require.New(t)

	existing := Apply(nil, event("me", "x", 20, ThisDevice)).Reactions

	rm := event("me", "x", 10, Sync)
	rm.Remove = true
	res := Apply(existing, rm)
	require.False(res.Changed)
	require.Equal([]string{"me:x"}, emojis(res.Reactions))

	rm.Timestamp = 30
	res = Apply(existing, rm)
	require.True(res.Changed)
	require.Empty(res.Reactions)
}

func TestOlderNonSyncRemoveStillRemoves(t *testing.T) {
	require := require.New(t)

	existing := Apply(nil, event("a", "x", 20, SomeoneElse)).Reactions
	rm := event("a", "x", 10, SomeoneElse)
	rm.Remove = true
	require.Empty(Apply(existing, rm).Reactions)
}

func TestSyncAddKeepsNewestOwnReaction(t *testing.T) {
	require := require.New(t)

	existing := Apply(nil, event("me", "new", 50, ThisDevice)).Reactions
	res := Apply(existing, event("me", "old", 40, Sync))
	require.False(res.Changed)
	require.Equal([]string{"me:new"}, emojis(res.Reactions))

	res = Apply(existing, event("me", "newer", 60, Sync))
	require.True(res.Changed)
	require.Equal([]string{"me:newer"}, emojis(res.Reactions))
	require.True(res.Added.FromSync)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	require := require.New(t)

	existing := Apply(nil, event("a", "x", 1, SomeoneElse)).Reactions
	Apply(existing, event("a", "y", 2, SomeoneElse))
	require.Equal([]string{"a:x"}, emojis(existing))
}

func TestStoryReactionMessage(t *testing.T) {
	require := require.New(t)

	story := &message.Message{ID: ids.NewID(), Type: message.Story, ExpireTimer: 60}
	e := event("me", "x", 5, ThisDevice)
	m := StoryReactionMessage(&StoryReactionParams{
		Story:          story,
		Event:          e,
		ConversationID: "author-conv",
		Source:         message.Identity{ServiceID: "me"},
	})
	require.Equal(message.Outgoing, m.Type)
	require.Equal(story.ID, *m.StoryID)
	require.Equal("x", m.StoryReaction.Emoji)
	require.Equal(sendstate.Pending, m.SendStateByRecipient["author"].Status)
	require.False(m.IsEmpty())
	require.Empty(story.Reactions)

	e = event("bob", "y", 6, SomeoneElse)
	m = StoryReactionMessage(&StoryReactionParams{Story: story, Event: e, ConversationID: "bob", Source: message.Identity{ServiceID: "bob"}})
	require.Equal(message.Incoming, m.Type)
	require.Nil(m.SendStateByRecipient)
}
