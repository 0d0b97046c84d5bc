package lifecycle

import (
	"context"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/reactions"
	"github.com/prometheus/client_golang/prometheus"
)

type JobKind uint8

const (
	JobSendMessage JobKind = iota
	JobSendReaction
	JobSendStory
)

// Job describes outbound work handed to the dispatcher. The dispatcher owns retries and backoff.
type Job struct {
	Kind           JobKind
	ConversationID string
	MessageID      ids.ID
	Recipients     []string
	Reaction       *reactions.Event
}

// JobDispatcher persists and runs outbound jobs. onInsert must be called while the job record is being written
// so the message and the job become durable together.
type JobDispatcher interface {
	Add(ctx context.Context, job *Job, onInsert func() error) error
}

type NotificationKind uint8

const (
	NotifyMessage NotificationKind = iota
	NotifyReaction
)

type Notification struct {
	Kind           NotificationKind
	ConversationID string
	MessageID      ids.ID
	FromID         string
	Emoji          string
	SentAt         uint64
}

// Notifier is fire and forget.
type Notifier interface {
	Add(n *Notification)
	RemoveBy(match func(*Notification) bool)
}

// AttachmentDownloader queues downloads for m. When changed is true the returned attachments replace the
// message's attachments.
type AttachmentDownloader interface {
	QueueDownloads(ctx context.Context, m *message.Message) (attachments []*message.Attachment, changed bool, err error)
}

type GroupVersion uint8

const (
	GroupV1 GroupVersion = iota + 1
	GroupV2
)

// GroupChange is an opaque group state update embedded in a group v2 message.
type GroupChange struct {
	Revision uint32
	Data     []byte
}

type Membership struct {
	Members           []string
	Admins            []string
	AnnouncementsOnly bool
}

func (m *Membership) IsMember(id string) bool {
	for _, o := range m.Members {
		if o == id {
			return true
		}
	}
	return false
}

func (m *Membership) IsAdmin(id string) bool {
	for _, o := range m.Admins {
		if o == id {
			return true
		}
	}
	return false
}

// Groups exposes group state. Membership returns nil when nothing is known about the group.
type Groups interface {
	ApplyGroupChange(ctx context.Context, conversationID string, change *GroupChange) error
	Membership(ctx context.Context, conversationID string) (*Membership, error)
}

// SyncSender sends the sync transcript of an outgoing message to our other devices.
type SyncSender interface {
	SendSync(ctx context.Context, m *message.Message) error
}

type Recipients interface {
	MarkUnregistered(ctx context.Context, recipientID string) error
	RotateIdentity(ctx context.Context, recipientID string) error
}

// Collaborators are optional; a nil collaborator turns its side effects into no-ops.
type Collaborators struct {
	Self             message.Identity
	HasLinkedDevices bool

	Index       MessageIndex
	Jobs        JobDispatcher
	Notifier    Notifier
	Attachments AttachmentDownloader
	Groups      Groups
	Sync        SyncSender
	Recipients  Recipients
	Registerer  prometheus.Registerer
}

type noopNotifier struct{}

func (noopNotifier) Add(*Notification) {}
func (noopNotifier) RemoveBy(func(*Notification) bool) {}

type directJobs struct{}

func (directJobs) Add(_ context.Context, _ *Job, onInsert func() error) error {
	if onInsert == nil {
		return nil
	}
	return onInsert()
}

type noopRecipients struct{}

func (noopRecipients) MarkUnregistered(context.Context, string) error { return nil }
func (noopRecipients) RotateIdentity(context.Context, string) error { return nil }
