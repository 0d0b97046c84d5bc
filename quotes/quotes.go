// Package quotes resolves quote and story references to the messages they point at.
package quotes

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/meow-io/go-courier/config"
	"github.com/meow-io/go-courier/message"
	"go.uber.org/zap"
)

// Index is the in-memory lookup consulted before the store.
type Index interface {
	Lookup(author message.Identity, sentAt uint64) *message.Message
}

type Store interface {
	MessagesBySentAt(sentAt uint64) ([]*message.Message, error)
}

type Resolver struct {
	log   *zap.SugaredLogger
	index Index
	store Store
}

func NewResolver(c *config.Config, index Index, store Store) *Resolver {
	return &Resolver{
		log:   c.Logger("quotes/resolver"),
		index: index,
		store: store,
	}
}

// Resolve returns a copy of q hydrated from the quoted message. When the original cannot be found the copy is
// unresolved and flagged ReferencedMessageNotFound so a later attempt can try again.
func (r *Resolver) Resolve(conversationID string, q *message.Quote) (*message.Quote, error) {
	out := &message.Quote{
		Author:            q.Author,
		OriginalTimestamp: q.OriginalTimestamp,
		Text:              q.Text,
		Attachments:       q.Attachments,
	}

	original, err := r.find(q.Author, q.OriginalTimestamp, func(m *message.Message) bool {
		return m.ConversationID == conversationID && !m.IsStory()
	})
	if err != nil {
		return nil, err
	}
	if original == nil {
		r.log.Debugf("quoted message %s@%d not found in %s", q.Author.Key(), q.OriginalTimestamp, conversationID)
		out.ReferencedMessageNotFound = true
		return out, nil
	}

	hydrate(out, original)
	return out, nil
}

// FindStory looks up a story by author and sent timestamp. Stories are matched regardless of conversation.
func (r *Resolver) FindStory(author message.Identity, sentAt uint64) (*message.Message, error) {
	return r.find(author, sentAt, func(m *message.Message) bool {
		return m.IsStory()
	})
}

func (r *Resolver) find(author message.Identity, sentAt uint64, accept func(*message.Message) bool) (*message.Message, error) {
	if r.index != nil {
		if m := r.index.Lookup(author, sentAt); m != nil && accept(m) {
			return m, nil
		}
	}
	candidates, err := r.store.MessagesBySentAt(sentAt)
	if err != nil {
		return nil, fmt.Errorf("quotes: error looking up %s@%d: %w", author.Key(), sentAt, err)
	}
	for _, m := range candidates {
		if m.Source.Matches(author) && accept(m) {
			return m, nil
		}
	}
	return nil, nil
}

func hydrate(q *message.Quote, original *message.Message) {
	q.Resolved = true
	q.ReferencedMessageNotFound = false
	q.Text = ""
	q.Attachments = nil
	q.IsViewOnce = false
	q.IsGiftBadge = false
	q.Payment = nil

	switch {
	case original.Erased:
		q.ReferencedMessageNotFound = true
	case original.IsViewOnce:
		q.IsViewOnce = true
	case original.GiftBadge != nil:
		q.IsGiftBadge = true
	case original.Payment != nil:
		q.Payment = &message.Payment{Kind: original.Payment.Kind}
	default:
		q.Text = original.Body
		if len(original.Attachments) != 0 {
			q.Attachments = []*message.QuoteAttachment{quoteAttachment(original.Attachments[0])}
		} else if original.Sticker != nil {
			q.Attachments = []*message.QuoteAttachment{{ContentType: "image/webp"}}
		}
	}
}

func quoteAttachment(a *message.Attachment) *message.QuoteAttachment {
	qa := &message.QuoteAttachment{
		ContentType: a.ContentType,
		FileName:    a.FileName,
		Thumbnail:   a.Thumbnail,
	}
	if qa.ContentType != "" {
		return qa
	}
	if len(a.Thumbnail) != 0 {
		qa.ContentType = mimetype.Detect(a.Thumbnail).String()
	} else if a.Path != "" && !a.Pending {
		if mt, err := mimetype.DetectFile(a.Path); err == nil {
			qa.ContentType = mt.String()
		}
	}
	return qa
}
