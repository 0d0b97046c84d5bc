package lifecycle

import (
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/pending"
	"github.com/meow-io/go-courier/reactions"
	"github.com/meow-io/go-courier/receipts"
)

// Reconciliation runs in two phases. The immediate phase applies modifiers inside the transaction that loads or
// creates the message. The durable phase is queued once that transaction has committed: it drains modifiers
// that arrived in between and performs the mark-older-read cascade, which writes other messages.

type pass struct {
	changed    bool
	markReadAt uint64
}

// applyModifiers mutates m. Must be called inside a transaction; the caller saves m when changed is reported.
func (c *Coordinator) applyModifiers(m *message.Message, mods []*pending.Modifier) (*pass, error) {
	p := &pass{}
	if len(mods) == 0 {
		return p, nil
	}
	now := c.clock.CurrentTimeMs()

	var receiptMods []*pending.Modifier
	for _, mod := range mods {
		if mod.Kind.IsReceipt() {
			receiptMods = append(receiptMods, mod)
		}
	}
	if len(receiptMods) != 0 {
		res := receipts.Reconcile(m, receiptMods, now)
		for _, d := range res.Discarded {
			c.log.Warnf("discarding %s, no matching recipient on %s", d, m.ID)
		}
		wasErased := m.Erased
		readChanged, sendChanged := res.ApplyTo(m)
		if readChanged {
			p.changed = true
			c.emitAfterCommit(&ReadStateChanged{ConversationID: m.ConversationID, MessageID: m.ID, ReadStatus: m.ReadStatus, SeenStatus: m.SeenStatus})
			if m.ReadStatus != message.Unread {
				c.removeNotifications(m.ID)
			}
		}
		if m.Erased && !wasErased {
			c.emitAfterCommit(&MessageUpdated{Message: m.Clone()})
		}
		if sendChanged {
			p.changed = true
			c.emitAfterCommit(&SendStateChanged{ConversationID: m.ConversationID, MessageID: m.ID, Recipients: res.ChangedRecipients, SendState: m.SendStateByRecipient.Clone()})
		}
		p.markReadAt = res.MarkReadAt
	}

	for _, mod := range mods {
		var changed bool
		var err error
		switch mod.Kind {
		case pending.Reaction:
			changed, err = c.applyReaction(m, mod.Reaction, mod.ConversationID)
		case pending.Delete:
			changed, err = c.applyDelete(m, mod)
		case pending.Edit:
			changed = c.applyEdit(m, mod)
		}
		if err != nil {
			return nil, err
		}
		p.changed = p.changed || changed
	}
	return p, nil
}

// applyReaction merges ev into m. Reactions to stories are recorded as a new message in conversationID and
// leave the story untouched. Messages deleted for everyone take no reactions.
func (c *Coordinator) applyReaction(m *message.Message, ev *reactions.Event, conversationID string) (bool, error) {
	if ev == nil {
		return false, nil
	}
	if m.IsStory() {
		c.recordStoryReaction(m, ev, conversationID)
		return false, nil
	}
	if m.DeletedForEveryone {
		c.log.Debugf("ignoring reaction from %s to deleted %s", ev.FromID, m.ID)
		return false, nil
	}

	res := reactions.Apply(m.Reactions, ev)
	if !res.Changed {
		return false, nil
	}
	m.Reactions = res.Reactions

	if m.IsOutgoing() {
		self := c.self.Key()
		for _, r := range res.Removed {
			if r.FromID == self {
				continue
			}
			if err := c.db.removeReactionFromConversation(&ReactionKey{FromID: r.FromID, TargetAuthor: m.Source.Key(), TargetTimestamp: m.SentAt}); err != nil {
				return false, err
			}
			fromID, id := r.FromID, m.ID
			c.db.AfterCommit(func() {
				c.notifier.RemoveBy(func(n *Notification) bool {
					return n.Kind == NotifyReaction && n.MessageID == id && n.FromID == fromID
				})
			})
		}
		if a := res.Added; a != nil && a.FromID != self {
			if err := c.db.addReaction(&ReactionRecord{
				ConversationID:  m.ConversationID,
				MessageID:       m.ID[:],
				FromID:          a.FromID,
				Emoji:           a.Emoji,
				TargetAuthor:    m.Source.Key(),
				TargetTimestamp: m.SentAt,
				Timestamp:       a.Timestamp,
			}); err != nil {
				return false, err
			}
			if c.config.NotifyOnReactions {
				n := &Notification{Kind: NotifyReaction, ConversationID: m.ConversationID, MessageID: m.ID, FromID: a.FromID, Emoji: a.Emoji, SentAt: a.Timestamp}
				c.db.AfterCommit(func() {
					c.notifier.Add(n)
				})
			}
		}
	}

	reactionsCopy := make([]*message.Reaction, len(m.Reactions))
	for i, r := range m.Reactions {
		rc := *r
		reactionsCopy[i] = &rc
	}
	c.emitAfterCommit(&ReactionChanged{ConversationID: m.ConversationID, MessageID: m.ID, Reactions: reactionsCopy})
	return true, nil
}

// recordStoryReaction queues the message recording a reaction to story on the queue of conversationID once the
// current transaction commits. A reaction already recorded for the same author and timestamp is skipped.
func (c *Coordinator) recordStoryReaction(story *message.Message, ev *reactions.Event, conversationID string) {
	if ev.Remove {
		c.log.Debugf("ignoring removal of story reaction from %s", ev.FromID)
		return
	}
	if conversationID == "" {
		conversationID = story.ConversationID
	}
	source := c.self
	peer := ev.TargetAuthor.Key()
	outgoing := ev.Provenance != reactions.SomeoneElse
	if !outgoing {
		source = message.Identity{ServiceID: ev.FromID}
		peer = ev.FromID
	}
	m := reactions.StoryReactionMessage(&reactions.StoryReactionParams{
		Story:          story,
		Event:          ev,
		ConversationID: conversationID,
		Source:         source,
	})
	if m.ReceivedAt == 0 {
		m.ReceivedAt = c.clock.CurrentTimeMs()
	}

	c.db.AfterCommit(func() {
		if err := c.queues.Enqueue(conversationID, "recording story reaction", func() {
			if err := c.db.Run(fmt.Sprintf("recording story reaction %s", m.SenderKey()), func() error {
				existing, err := c.findDuplicate(m)
				if err != nil {
					return err
				}
				if existing != nil {
					c.log.Debugf("story reaction %s already recorded as %s", m.SenderKey(), existing.ID)
					return nil
				}
				conv, err := c.conversationOrNew(conversationID, false, outgoing, []string{peer})
				if err != nil {
					return err
				}
				_, err = c.persist(conv, m)
				return err
			}); err != nil {
				c.log.Warnf("error recording story reaction %s: %s", m.SenderKey(), err)
			}
		}); err != nil {
			c.log.Debugf("unable to queue story reaction %s: %s", m.SenderKey(), err)
		}
	})
}

func (c *Coordinator) applyDelete(m *message.Message, mod *pending.Modifier) (bool, error) {
	if m.DeletedForEveryone {
		return false, nil
	}
	if mod.SourceID != m.Source.Key() {
		c.log.Warnf("ignoring delete of %s by %s, not the author", m.ID, mod.SourceID)
		return false, nil
	}
	m.MarkDeletedForEveryone()
	if err := c.db.removeReactionsForMessage(m.ID); err != nil {
		return false, err
	}
	c.removeNotifications(m.ID)
	c.emitAfterCommit(&MessageUpdated{Message: m.Clone()})
	return true, nil
}

func (c *Coordinator) applyEdit(m *message.Message, mod *pending.Modifier) bool {
	if mod.Edit == nil || m.Erased {
		return false
	}
	if mod.SourceID != m.Source.Key() {
		c.log.Warnf("ignoring edit of %s by %s, not the author", m.ID, mod.SourceID)
		return false
	}
	current := m.EditedAt
	if current == 0 {
		current = m.SentAt
	}
	if mod.Edit.Timestamp <= current {
		c.log.Debugf("ignoring stale edit of %s at %d", m.ID, mod.Edit.Timestamp)
		return false
	}
	m.EditHistory = append(m.EditHistory, &message.Edit{Body: m.Body, Attachments: m.Attachments, Timestamp: current})
	m.Body = mod.Edit.Body
	m.Attachments = mod.Edit.Attachments
	m.EditedAt = mod.Edit.Timestamp
	c.emitAfterCommit(&MessageUpdated{Message: m.Clone()})
	return true
}

// scheduleDurablePass queues the second reconciliation phase for after the current transaction commits.
func (c *Coordinator) scheduleDurablePass(conversationID string, id ids.ID, markReadAt uint64) {
	c.db.AfterCommit(func() {
		if err := c.queues.Enqueue(conversationID, "durable reconciliation", func() {
			if err := c.durablePass(conversationID, id, markReadAt); err != nil {
				c.log.Warnf("durable reconciliation of %s failed: %s", id, err)
			}
		}); err != nil {
			c.log.Debugf("unable to queue durable reconciliation of %s: %s", id, err)
		}
	})
}

func (c *Coordinator) durablePass(conversationID string, id ids.ID, markReadAt uint64) error {
	return c.db.Run("durable reconciliation", func() error {
		m, err := c.db.message(id)
		if err != nil {
			return err
		}
		if m == nil {
			return nil
		}

		mods := c.pending.DrainFor(m.Source, m.SentAt)
		if len(mods) != 0 {
			c.log.Debugf("applying %d late modifiers to %s", len(mods), id)
			p, err := c.applyModifiers(m, mods)
			if err != nil {
				return err
			}
			if p.changed {
				if err := c.save(m); err != nil {
					return err
				}
			}
			if p.markReadAt != 0 && (markReadAt == 0 || p.markReadAt < markReadAt) {
				markReadAt = p.markReadAt
			}
		}

		if markReadAt != 0 {
			return c.markOlderRead(conversationID, markReadAt)
		}
		return nil
	})
}

// markOlderRead marks every unread incoming message of the conversation received by readAt as read.
func (c *Coordinator) markOlderRead(conversationID string, readAt uint64) error {
	unread, err := c.db.unreadBefore(conversationID, readAt)
	if err != nil {
		return err
	}
	for _, m := range unread {
		m.ReadStatus = message.Read
		m.SeenStatus = message.Seen
		if m.ExpireTimer != 0 && m.ExpirationStartTimestamp == 0 {
			m.ExpirationStartTimestamp = readAt
		}
		if err := c.save(m); err != nil {
			return err
		}
		c.removeNotifications(m.ID)
		c.emitAfterCommit(&ReadStateChanged{ConversationID: m.ConversationID, MessageID: m.ID, ReadStatus: m.ReadStatus, SeenStatus: m.SeenStatus})
	}
	if len(unread) != 0 {
		c.log.Debugf("marked %d older messages read in %s", len(unread), conversationID)
	}
	return nil
}

func (c *Coordinator) removeNotifications(id ids.ID) {
	c.db.AfterCommit(func() {
		c.notifier.RemoveBy(func(n *Notification) bool {
			return n.MessageID == id
		})
	})
}
