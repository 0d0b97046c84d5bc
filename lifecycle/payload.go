package lifecycle

import (
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
)

type GroupContext struct {
	Version GroupVersion
	Change  *GroupChange
}

// StoryContext references the story an incoming message replies to.
type StoryContext struct {
	Author message.Identity
	SentAt uint64
}

// Payload is an inbound message as decoded by the transport. Message.Type is Outgoing for sync transcripts of
// messages sent from our other devices.
type Payload struct {
	Message *message.Message
	Group   *GroupContext
	Story   *StoryContext

	// a transcript that only updates the recipients of an outgoing message we already have
	IsRecipientUpdate        bool
	Destinations             []string
	UnidentifiedDeliveries   []string
	ExpirationStartTimestamp uint64
}

type OutcomeKind uint8

const (
	Persisted OutcomeKind = iota
	Merged
	Dropped
	Deferred
)

func (k OutcomeKind) String() string {
	switch k {
	case Persisted:
		return "persisted"
	case Merged:
		return "merged"
	case Dropped:
		return "dropped"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", k)
	}
}

// Outcome tells the transport what happened to a payload. Acknowledge is false only for deferred payloads,
// which should be delivered again later.
type Outcome struct {
	Kind        OutcomeKind
	MessageID   ids.ID
	Reason      message.DropReason
	Acknowledge bool
}

func persisted(id ids.ID) *Outcome {
	return &Outcome{Kind: Persisted, MessageID: id, Acknowledge: true}
}

func merged(id ids.ID) *Outcome {
	return &Outcome{Kind: Merged, MessageID: id, Acknowledge: true}
}

func dropped(reason message.DropReason) *Outcome {
	return &Outcome{Kind: Dropped, Reason: reason, Acknowledge: true}
}

func deferred() *Outcome {
	return &Outcome{Kind: Deferred, Acknowledge: false}
}

// RecipientResult is the outcome of sending a message to one recipient.
type RecipientResult struct {
	RecipientID  string
	Unidentified bool
	Err          error
}
