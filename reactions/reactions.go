// Package reactions merges reaction add and remove events into the reaction set of a message.
//
// A message holds at most one active reaction per sender, kept in arrival order. Reactions to stories are not
// stored on the story; they become a separate message in the conversation of the reacting party (see
// StoryReactionMessage).
package reactions

import (
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/sendstate"
)

type Provenance uint8

const (
	ThisDevice Provenance = iota
	Sync
	SomeoneElse
)

func (p Provenance) String() string {
	switch p {
	case ThisDevice:
		return "this-device"
	case Sync:
		return "sync"
	case SomeoneElse:
		return "someone-else"
	default:
		return fmt.Sprintf("provenance(%d)", p)
	}
}

type Event struct {
	TargetAuthor    message.Identity
	TargetTimestamp uint64
	FromID          string
	Emoji           string
	Remove          bool
	Timestamp       uint64
	ReceivedAt      uint64
	Provenance      Provenance
}

func (e *Event) reaction() *message.Reaction {
	return &message.Reaction{
		FromID:     e.FromID,
		Emoji:      e.Emoji,
		Timestamp:  e.Timestamp,
		ReceivedAt: e.ReceivedAt,
		FromSync:   e.Provenance == Sync,
	}
}

type Result struct {
	Reactions []*message.Reaction
	// the reaction now active for the sender, nil on removal or when nothing changed
	Added   *message.Reaction
	Removed []*message.Reaction
	Changed bool
}

// Apply returns the reaction set that results from applying e to existing. existing is not modified.
func Apply(existing []*message.Reaction, e *Event) *Result {
	if e.Remove {
		return applyRemove(existing, e)
	}
	return applyAdd(existing, e)
}

func applyRemove(existing []*message.Reaction, e *Event) *Result {
	res := &Result{Reactions: make([]*message.Reaction, 0, len(existing))}
	for _, r := range existing {
		if r.FromID != e.FromID {
			res.Reactions = append(res.Reactions, r)
			continue
		}
		// an older sync replay never removes a newer reaction
		if e.Provenance == Sync && r.Timestamp > e.Timestamp {
			res.Reactions = append(res.Reactions, r)
			continue
		}
		res.Removed = append(res.Removed, r)
	}
	res.Changed = len(res.Removed) != 0
	if !res.Changed {
		res.Reactions = existing
	}
	return res
}

func applyAdd(existing []*message.Reaction, e *Event) *Result {
	for _, r := range existing {
		if r.FromID == e.FromID && r.Emoji == e.Emoji && r.Timestamp == e.Timestamp {
			return &Result{Reactions: existing}
		}
	}

	winner := e.reaction()
	if e.Provenance == Sync {
		for _, r := range existing {
			if r.FromID == e.FromID && r.Timestamp > winner.Timestamp {
				winner = r
			}
		}
	}

	res := &Result{Reactions: make([]*message.Reaction, 0, len(existing)+1)}
	for _, r := range existing {
		if r.FromID != e.FromID {
			res.Reactions = append(res.Reactions, r)
			continue
		}
		if r != winner {
			res.Removed = append(res.Removed, r)
		}
	}
	res.Reactions = append(res.Reactions, winner)

	if winner.Timestamp == e.Timestamp && winner.Emoji == e.Emoji && winner.FromID == e.FromID {
		res.Added = winner
	}
	res.Changed = res.Added != nil || len(res.Removed) != 0
	if !res.Changed {
		res.Reactions = existing
	}
	return res
}

// Find returns the active reaction from fromID, or nil.
func Find(reactions []*message.Reaction, fromID string) *message.Reaction {
	for _, r := range reactions {
		if r.FromID == fromID {
			return r
		}
	}
	return nil
}

type StoryReactionParams struct {
	Story          *message.Message
	Event          *Event
	ConversationID string
	// author of the synthetic message, our own identity for ThisDevice and Sync events
	Source message.Identity
}

// StoryReactionMessage builds the message that records a reaction to a story. Reactions sent from this device
// start Pending towards the story author, synced ones are already Sent.
func StoryReactionMessage(p *StoryReactionParams) *message.Message {
	storyID := p.Story.ID
	m := &message.Message{
		ID:             ids.NewID(),
		ConversationID: p.ConversationID,
		Source:         p.Source,
		SentAt:         p.Event.Timestamp,
		ReceivedAt:     p.Event.ReceivedAt,
		StoryID:        &storyID,
		StoryReaction: &message.StoryReaction{
			Emoji:           p.Event.Emoji,
			TargetAuthor:    p.Event.TargetAuthor,
			TargetTimestamp: p.Event.TargetTimestamp,
		},
		ExpireTimer: p.Story.ExpireTimer,
	}

	switch p.Event.Provenance {
	case SomeoneElse:
		m.Type = message.Incoming
		m.ReadStatus = message.Unread
	default:
		m.Type = message.Outgoing
		m.ReadStatus = message.Read
		m.SeenStatus = message.Seen
		status := sendstate.Pending
		if p.Event.Provenance == Sync {
			status = sendstate.Sent
		}
		m.SendStateByRecipient = sendstate.Map{
			p.Event.TargetAuthor.Key(): {Status: status, UpdatedAt: p.Event.Timestamp},
		}
	}
	return m
}
