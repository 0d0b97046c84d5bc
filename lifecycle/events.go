package lifecycle

import (
	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/sendstate"
)

type UpdateChannel chan interface{}

type MessagePersisted struct {
	Message *message.Message
}

type MessageUpdated struct {
	Message *message.Message
}

type ReadStateChanged struct {
	ConversationID string
	MessageID      ids.ID
	ReadStatus     message.ReadStatus
	SeenStatus     message.SeenStatus
}

type ReactionChanged struct {
	ConversationID string
	MessageID      ids.ID
	Reactions      []*message.Reaction
}

type SendStateChanged struct {
	ConversationID string
	MessageID      ids.ID
	Recipients     []string
	SendState      sendstate.Map
}

type MessageDropped struct {
	ConversationID string
	Source         message.Identity
	SentAt         uint64
	Reason         message.DropReason
}

type ConversationUpdated struct {
	Conversation *Conversation
}

func (c *Coordinator) emit(e interface{}) {
	select {
	case c.updates <- e:
	default:
		c.log.Warnf("update channel full, dropping %T", e)
	}
}

// emitAfterCommit queues e to be sent once the current transaction commits.
func (c *Coordinator) emitAfterCommit(e interface{}) {
	c.db.AfterCommit(func() {
		c.emit(e)
	})
}
