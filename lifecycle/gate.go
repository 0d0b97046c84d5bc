package lifecycle

import (
	"context"
	"fmt"

	"github.com/meow-io/go-courier/message"
)

// findDuplicate returns the message already stored for the same author, sent timestamp and conversation.
func (c *Coordinator) findDuplicate(m *message.Message) (*message.Message, error) {
	if existing := c.index.Lookup(m.Source, m.SentAt); existing != nil && existing.ConversationID == m.ConversationID && existing.Source.Matches(m.Source) {
		return existing, nil
	}
	candidates, err := c.db.messagesBySentAt(m.SentAt)
	if err != nil {
		return nil, err
	}
	for _, o := range candidates {
		if o.ConversationID == m.ConversationID && o.Source.Matches(m.Source) {
			return o, nil
		}
	}
	return nil, nil
}

// checkGroup applies any embedded group change and decides whether the message may enter the group.
func (c *Coordinator) checkGroup(ctx context.Context, p *Payload, m *message.Message) (message.DropReason, error) {
	if p.Group == nil || c.groups == nil {
		return "", nil
	}

	if p.Group.Version == GroupV2 && p.Group.Change != nil {
		if err := c.groups.ApplyGroupChange(ctx, m.ConversationID, p.Group.Change); err != nil {
			return "", fmt.Errorf("lifecycle: error applying group change for %s: %w", m.ConversationID, err)
		}
	}
	membership, err := c.groups.Membership(ctx, m.ConversationID)
	if err != nil {
		return "", fmt.Errorf("lifecycle: error loading membership of %s: %w", m.ConversationID, err)
	}
	if membership == nil {
		return "", nil
	}

	self := c.self.Key()
	sender := m.Source.Key()
	switch p.Group.Version {
	case GroupV2:
		if !membership.IsMember(self) {
			return message.DropNotGroupMember, nil
		}
		if m.IsIncoming() && !membership.IsMember(sender) {
			return message.DropSenderNotGroupMember, nil
		}
	default:
		if len(membership.Members) != 0 && !membership.IsMember(self) {
			return message.DropNotGroupMember, nil
		}
	}

	if membership.AnnouncementsOnly && m.IsIncoming() && !membership.IsAdmin(sender) {
		return message.DropAnnouncementsOnly, nil
	}
	return "", nil
}

// checkStory links a story reply to its story. A nil outcome lets the message continue.
func (c *Coordinator) checkStory(p *Payload, conv *Conversation, m *message.Message) (*Outcome, error) {
	if p.Story == nil {
		return nil, nil
	}

	story, err := c.resolver.FindStory(p.Story.Author, p.Story.SentAt)
	if err != nil {
		return nil, err
	}
	if story == nil {
		warning := &message.DataIntegrityWarning{What: fmt.Sprintf("story %s@%d for %s", p.Story.Author.Key(), p.Story.SentAt, m.SenderKey())}
		if p.Group != nil || (conv != nil && conv.Group) {
			c.log.Warnf("%s, dropping group reply", warning)
			return dropped(message.DropStoryNotFound), nil
		}
		c.log.Warnf("%s, deferring", warning)
		return deferred(), nil
	}

	if story.Distribution != nil && !story.Distribution.AllowsReplies {
		return dropped(message.DropStoryRepliesDisabled), nil
	}
	if state, ok := story.SendStateByRecipient[m.Source.Key()]; ok && state.IsAllowedToReplyToStory != nil && !*state.IsAllowedToReplyToStory {
		return dropped(message.DropStoryRepliesDisabled), nil
	}
	storyID := story.ID
	m.StoryID = &storyID
	return nil, nil
}
