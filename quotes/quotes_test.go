package quotes

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/test"
	"github.com/meow-io/go-courier/message"
	"github.com/stretchr/testify/require"
)

var (
	alice     = message.Identity{ServiceID: "alice", Device: 1}
	pngHeader = []byte{0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0, 0, 0, 0x0d, 0x49, 0x48, 0x44, 0x52}
)

type mapIndex map[uint64]*message.Message

func (mi mapIndex) Lookup(author message.Identity, sentAt uint64) *message.Message {
	m, ok := mi[sentAt]
	if !ok || !m.Source.Matches(author) {
		return nil
	}
	return m
}

type sliceStore struct {
	messages []*message.Message
	err      error
}

func (s *sliceStore) MessagesBySentAt(sentAt uint64) ([]*message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []*message.Message
	for _, m := range s.messages {
		if m.SentAt == sentAt {
			out = append(out, m)
		}
	}
	return out, nil
}

func original(body string) *message.Message {
	return &message.Message{ID: ids.NewID(), ConversationID: "c1", Source: alice, SentAt: 10, Body: body}
}

func ref() *message.Quote {
	return &message.Quote{Author: message.Identity{ServiceID: "alice"}, OriginalTimestamp: 10, Text: "from sender"}
}

func TestResolveFromIndex(t *testing.T) {
	require := require.New(t)

	r := NewResolver(test.Config("quotes"), mapIndex{10: original("hello")}, &sliceStore{err: errors.New("store should not be used")})
	q, err := r.Resolve("c1", ref())
	require.Nil(err)
	require.True(q.Resolved)
	require.Equal("hello", q.Text)
}

func TestResolveFallsBackToStoreAndFiltersConversation(t *testing.T) {
	require := require.New(t)

	other := original("elsewhere")
	other.ConversationID = "c2"
	r := NewResolver(test.Config("quotes"), mapIndex{10: other}, &sliceStore{messages: []*message.Message{other, original("stored")}})
	q, err := r.Resolve("c1", ref())
	require.Nil(err)
	require.Equal("stored", q.Text)
}

func TestResolveNotFound(t *testing.T) {
	require := require.New(t)

	r := NewResolver(test.Config("quotes"), mapIndex{}, &sliceStore{})
	q, err := r.Resolve("c1", ref())
	require.Nil(err)
	require.False(q.Resolved)
	require.True(q.ReferencedMessageNotFound)
	require.Equal("from sender", q.Text)

	r = NewResolver(test.Config("quotes"), nil, &sliceStore{err: errors.New("boom")})
	_, err = r.Resolve("c1", ref())
	require.NotNil(err)
}

func TestHydrateSpecializations(t *testing.T) {
	require := require.New(t)

	viewOnce := original("secret")
	viewOnce.IsViewOnce = true
	gift := original("")
	gift.GiftBadge = &message.GiftBadge{Level: 1}
	payment := original("")
	payment.Payment = &message.Payment{Kind: "notification", Note: "private note"}
	erased := original("gone")
	erased.Erase()

	for _, tc := range []struct {
		m     *message.Message
		check func(q *message.Quote)
	}{
		{viewOnce, func(q *message.Quote) { require.True(q.IsViewOnce); require.Empty(q.Text) }},
		{gift, func(q *message.Quote) { require.True(q.IsGiftBadge) }},
		{payment, func(q *message.Quote) { require.Equal("notification", q.Payment.Kind); require.Empty(q.Payment.Note) }},
		{erased, func(q *message.Quote) { require.True(q.ReferencedMessageNotFound); require.Empty(q.Text) }},
	} {
		r := NewResolver(test.Config("quotes"), mapIndex{10: tc.m}, &sliceStore{})
		q, err := r.Resolve("c1", ref())
		require.Nil(err)
		require.True(q.Resolved)
		tc.check(q)
	}
}

func TestQuoteAttachmentSniffsContentType(t *testing.T) {
	require := require.New(t)

	m := original("")
	m.Attachments = []*message.Attachment{{ID: "a", Thumbnail: pngHeader}}
	r := NewResolver(test.Config("quotes"), mapIndex{10: m}, &sliceStore{})
	q, err := r.Resolve("c1", ref())
	require.Nil(err)
	require.Len(q.Attachments, 1)
	require.Equal("image/png", q.Attachments[0].ContentType)

	path := filepath.Join(t.TempDir(), "photo")
	require.Nil(os.WriteFile(path, pngHeader, 0o600))
	m.Attachments = []*message.Attachment{{ID: "b", Path: path}}
	q, err = r.Resolve("c1", ref())
	require.Nil(err)
	require.Equal("image/png", q.Attachments[0].ContentType)
}

func TestFindStory(t *testing.T) {
	require := require.New(t)

	story := original("")
	story.Type = message.Story
	story.ConversationID = "stories"
	r := NewResolver(test.Config("quotes"), mapIndex{}, &sliceStore{messages: []*message.Message{original("not a story"), story}})
	found, err := r.FindStory(alice, 10)
	require.Nil(err)
	require.Equal(story.ID, found.ID)

	found, err = r.FindStory(message.Identity{ServiceID: "bob"}, 10)
	require.Nil(err)
	require.Nil(found)
}
