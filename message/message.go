// Package message defines the message model shared by the lifecycle components.
package message

import (
	"encoding/json"
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/sendstate"
)

type Type uint8

const (
	Incoming Type = iota
	Outgoing
	Story
)

func (t Type) String() string {
	switch t {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	case Story:
		return "story"
	default:
		return fmt.Sprintf("type(%d)", t)
	}
}

func (t Type) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

type ReadStatus uint8

const (
	Unread ReadStatus = iota
	Read
	Viewed
)

type SeenStatus uint8

const (
	Unseen SeenStatus = iota
	Seen
)

// Flags mark system-notification subtypes. A message carrying one of them is never dropped for being empty.
type Flags uint32

const (
	FlagEndSession Flags = 1 << iota
	FlagExpirationTimerUpdate
	FlagProfileKeyUpdate
	FlagGroupUpdate
	FlagChatSessionRefreshed
	FlagKeyChange
)

const systemFlags = FlagEndSession | FlagExpirationTimerUpdate | FlagProfileKeyUpdate | FlagGroupUpdate | FlagChatSessionRefreshed | FlagKeyChange

// Identity of a sender. ServiceID is the stable account id; Number is used when no ServiceID is known.
type Identity struct {
	ServiceID string `json:"serviceId,omitempty" yaml:"serviceId,omitempty"`
	Number    string `json:"number,omitempty" yaml:"number,omitempty"`
	Device    uint32 `json:"device,omitempty" yaml:"device,omitempty"`
}

func (i Identity) Key() string {
	if i.ServiceID != "" {
		return i.ServiceID
	}
	return i.Number
}

func (i Identity) IsZero() bool {
	return i.Key() == ""
}

// Matches compares the account behind two identities, ignoring the device.
func (i Identity) Matches(o Identity) bool {
	if i.IsZero() || o.IsZero() {
		return false
	}
	if i.ServiceID != "" && o.ServiceID != "" {
		return i.ServiceID == o.ServiceID
	}
	return i.Number != "" && i.Number == o.Number
}

func (i Identity) String() string {
	return fmt.Sprintf("%s.%d", i.Key(), i.Device)
}

type Attachment struct {
	ID             string `json:"id,omitempty" yaml:"id,omitempty"`
	ContentType    string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	FileName       string `json:"fileName,omitempty" yaml:"fileName,omitempty"`
	Size           uint64 `json:"size,omitempty" yaml:"size,omitempty"`
	Path           string `json:"path,omitempty" yaml:"path,omitempty"`
	Thumbnail      []byte `json:"thumbnail,omitempty" yaml:"-"`
	Pending        bool   `json:"pending,omitempty" yaml:"pending,omitempty"`
	IsVoiceMessage bool   `json:"isVoiceMessage,omitempty" yaml:"isVoiceMessage,omitempty"`
}

type Contact struct {
	Name    string   `json:"name" yaml:"name"`
	Numbers []string `json:"numbers,omitempty" yaml:"numbers,omitempty"`
}

type Sticker struct {
	PackID    string `json:"packId" yaml:"packId"`
	StickerID uint32 `json:"stickerId" yaml:"stickerId"`
	Emoji     string `json:"emoji,omitempty" yaml:"emoji,omitempty"`
}

type Payment struct {
	Kind string `json:"kind" yaml:"kind"`
	Note string `json:"note,omitempty" yaml:"note,omitempty"`
}

type GiftBadge struct {
	Level     uint32 `json:"level" yaml:"level"`
	ExpiresAt uint64 `json:"expiresAt" yaml:"expiresAt"`
	Redeemed  bool   `json:"redeemed,omitempty" yaml:"redeemed,omitempty"`
}

type QuoteAttachment struct {
	ContentType string `json:"contentType,omitempty" yaml:"contentType,omitempty"`
	FileName    string `json:"fileName,omitempty" yaml:"fileName,omitempty"`
	Thumbnail   []byte `json:"thumbnail,omitempty" yaml:"-"`
}

// Quote references an earlier message by author and sent timestamp. The preview fields are copied from the
// original once it has been found.
type Quote struct {
	Author                    Identity           `json:"author" yaml:"author"`
	OriginalTimestamp         uint64             `json:"originalTimestamp" yaml:"originalTimestamp"`
	Resolved                  bool               `json:"resolved,omitempty" yaml:"resolved,omitempty"`
	ReferencedMessageNotFound bool               `json:"referencedMessageNotFound,omitempty" yaml:"referencedMessageNotFound,omitempty"`
	Text                      string             `json:"text,omitempty" yaml:"text,omitempty"`
	Attachments               []*QuoteAttachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	IsViewOnce                bool               `json:"isViewOnce,omitempty" yaml:"isViewOnce,omitempty"`
	IsGiftBadge               bool               `json:"isGiftBadge,omitempty" yaml:"isGiftBadge,omitempty"`
	Payment                   *Payment           `json:"payment,omitempty" yaml:"payment,omitempty"`
}

type Reaction struct {
	FromID     string `json:"fromId" yaml:"fromId"`
	Emoji      string `json:"emoji" yaml:"emoji"`
	Timestamp  uint64 `json:"timestamp" yaml:"timestamp"`
	ReceivedAt uint64 `json:"receivedAt,omitempty" yaml:"receivedAt,omitempty"`
	FromSync   bool   `json:"fromSync,omitempty" yaml:"fromSync,omitempty"`
}

// StoryReaction is carried by the synthetic message that records a reaction to a story.
type StoryReaction struct {
	Emoji           string   `json:"emoji" yaml:"emoji"`
	TargetAuthor    Identity `json:"targetAuthor" yaml:"targetAuthor"`
	TargetTimestamp uint64   `json:"targetTimestamp" yaml:"targetTimestamp"`
}

type StoryDistribution struct {
	ListID        string `json:"listId" yaml:"listId"`
	AllowsReplies bool   `json:"allowsReplies" yaml:"allowsReplies"`
}

type Edit struct {
	Body        string        `json:"body,omitempty" yaml:"body,omitempty"`
	Attachments []*Attachment `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Timestamp   uint64        `json:"timestamp" yaml:"timestamp"`
}

type Message struct {
	ID              ids.ID   `json:"id" yaml:"id"`
	ConversationID  string   `json:"conversationId" yaml:"conversationId"`
	Type            Type     `json:"type" yaml:"type"`
	Source          Identity `json:"source" yaml:"source"`
	SentAt          uint64   `json:"sentAt" yaml:"sentAt"`
	ReceivedAt      uint64   `json:"receivedAt" yaml:"receivedAt"`
	ServerTimestamp uint64   `json:"serverTimestamp,omitempty" yaml:"serverTimestamp,omitempty"`

	Body          string             `json:"body,omitempty" yaml:"body,omitempty"`
	Attachments   []*Attachment      `json:"attachments,omitempty" yaml:"attachments,omitempty"`
	Quote         *Quote             `json:"quote,omitempty" yaml:"quote,omitempty"`
	Contact       []*Contact         `json:"contact,omitempty" yaml:"contact,omitempty"`
	Sticker       *Sticker           `json:"sticker,omitempty" yaml:"sticker,omitempty"`
	Payment       *Payment           `json:"payment,omitempty" yaml:"payment,omitempty"`
	GiftBadge     *GiftBadge         `json:"giftBadge,omitempty" yaml:"giftBadge,omitempty"`
	IsViewOnce    bool               `json:"isViewOnce,omitempty" yaml:"isViewOnce,omitempty"`
	Flags         Flags              `json:"flags,omitempty" yaml:"flags,omitempty"`
	StoryID       *ids.ID            `json:"storyId,omitempty" yaml:"storyId,omitempty"`
	StoryReaction *StoryReaction     `json:"storyReaction,omitempty" yaml:"storyReaction,omitempty"`
	Distribution  *StoryDistribution `json:"distribution,omitempty" yaml:"distribution,omitempty"`

	Reactions              []*Reaction   `json:"reactions,omitempty" yaml:"reactions,omitempty"`
	SendStateByRecipient   sendstate.Map `json:"sendStateByRecipient,omitempty" yaml:"sendStateByRecipient,omitempty"`
	UnidentifiedDeliveries []string      `json:"unidentifiedDeliveries,omitempty" yaml:"unidentifiedDeliveries,omitempty"`
	Synced                 bool          `json:"synced,omitempty" yaml:"synced,omitempty"`

	ReadStatus               ReadStatus `json:"readStatus" yaml:"readStatus"`
	SeenStatus               SeenStatus `json:"seenStatus" yaml:"seenStatus"`
	ExpireTimer              uint32     `json:"expireTimer,omitempty" yaml:"expireTimer,omitempty"`
	ExpirationStartTimestamp uint64     `json:"expirationStartTimestamp,omitempty" yaml:"expirationStartTimestamp,omitempty"`

	Erased             bool    `json:"erased,omitempty" yaml:"erased,omitempty"`
	DeletedForEveryone bool    `json:"deletedForEveryone,omitempty" yaml:"deletedForEveryone,omitempty"`
	EditHistory        []*Edit `json:"editHistory,omitempty" yaml:"editHistory,omitempty"`
	EditedAt           uint64  `json:"editedAt,omitempty" yaml:"editedAt,omitempty"`

	Errors []*SendError `json:"errors,omitempty" yaml:"errors,omitempty"`
}

func (m *Message) IsIncoming() bool { return m.Type == Incoming }
func (m *Message) IsOutgoing() bool { return m.Type == Outgoing }
func (m *Message) IsStory() bool    { return m.Type == Story }

func (m *Message) IsSystemNotification() bool {
	return m.Flags&systemFlags != 0
}

func (m *Message) HasDisplayableContent() bool {
	return m.Body != "" ||
		len(m.Attachments) != 0 ||
		len(m.Contact) != 0 ||
		m.Sticker != nil ||
		m.Payment != nil ||
		m.GiftBadge != nil ||
		m.StoryReaction != nil
}

// IsEmpty reports a message with nothing to display that is also not a recognized system notification.
func (m *Message) IsEmpty() bool {
	return !m.HasDisplayableContent() && !m.IsSystemNotification()
}

// Erase clears the content of the message. Identity, send state and timers are kept.
func (m *Message) Erase() {
	m.Body = ""
	m.Attachments = nil
	m.Quote = nil
	m.Contact = nil
	m.Sticker = nil
	m.Payment = nil
	m.GiftBadge = nil
	m.StoryReaction = nil
	m.EditHistory = nil
	m.Erased = true
}

func (m *Message) MarkDeletedForEveryone() {
	m.Erase()
	m.Reactions = nil
	m.DeletedForEveryone = true
}

// SenderKey identifies the message by author, device and sent timestamp.
func (m *Message) SenderKey() string {
	return fmt.Sprintf("%s.%d.%d", m.Source.Key(), m.Source.Device, m.SentAt)
}

func (m *Message) ExpiresAt() uint64 {
	if m.ExpireTimer == 0 || m.ExpirationStartTimestamp == 0 {
		return 0
	}
	return m.ExpirationStartTimestamp + uint64(m.ExpireTimer)*1000
}

func (m *Message) Clone() *Message {
	b, err := json.Marshal(m)
	if err != nil {
		panic(fmt.Sprintf("message: unable to clone %s: %s", m.ID, err))
	}
	out := &Message{}
	if err := json.Unmarshal(b, out); err != nil {
		panic(fmt.Sprintf("message: unable to clone %s: %s", m.ID, err))
	}
	return out
}
