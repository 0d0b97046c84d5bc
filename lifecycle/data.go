package lifecycle

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meow-io/go-courier/ids"
	"github.com/meow-io/go-courier/internal/db"
	"github.com/meow-io/go-courier/message"
	"github.com/meow-io/go-courier/migration"
)

type Conversation struct {
	ID    string `json:"id" yaml:"id"`
	Group bool   `json:"group" yaml:"group"`
	// false while the conversation is a message request
	Accepted    bool     `json:"accepted" yaml:"accepted"`
	ExpireTimer uint32   `json:"expireTimer,omitempty" yaml:"expireTimer,omitempty"`
	Members     []string `json:"members,omitempty" yaml:"members,omitempty"`
}

// ReactionRecord is a reaction by someone else to one of our messages, kept for notifications.
type ReactionRecord struct {
	ConversationID  string `db:"conversation_id" yaml:"conversationId"`
	MessageID       []byte `db:"message_id" yaml:"-"`
	FromID          string `db:"from_id" yaml:"fromId"`
	Emoji           string `db:"emoji" yaml:"emoji"`
	TargetAuthor    string `db:"target_author" yaml:"targetAuthor"`
	TargetTimestamp uint64 `db:"target_timestamp" yaml:"targetTimestamp"`
	Timestamp       uint64 `db:"timestamp" yaml:"timestamp"`
}

// ReactionKey selects the reaction rows removed when someone takes a reaction back.
type ReactionKey struct {
	FromID          string
	TargetAuthor    string
	TargetTimestamp uint64
}

type messageRow struct {
	ID             []byte `db:"id"`
	ConversationID string `db:"conversation_id"`
	Type           uint8  `db:"type"`
	Source         string `db:"source"`
	SourceDevice   uint32 `db:"source_device"`
	SentAt         uint64 `db:"sent_at"`
	ReceivedAt     uint64 `db:"received_at"`
	ReadStatus     uint8  `db:"read_status"`
	Attributes     []byte `db:"attributes"`
}

func (r *messageRow) decode() (*message.Message, error) {
	m := &message.Message{}
	if err := json.Unmarshal(r.Attributes, m); err != nil {
		return nil, fmt.Errorf("lifecycle: error decoding message %x: %w", r.ID, err)
	}
	return m, nil
}

type conversationRow struct {
	ID          string `db:"id"`
	IsGroup     bool   `db:"is_group"`
	Accepted    bool   `db:"accepted"`
	ExpireTimer uint32 `db:"expire_timer"`
	Members     []byte `db:"members"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.Migrate("_lifecycle", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						id TEXT PRIMARY KEY,
						is_group INTEGER NOT NULL,
						accepted INTEGER NOT NULL,
						expire_timer INTEGER NOT NULL,
						members BLOB NOT NULL
					);

					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						type INTEGER NOT NULL,
						source TEXT NOT NULL,
						source_device INTEGER NOT NULL,
						sent_at INTEGER NOT NULL,
						received_at INTEGER NOT NULL,
						read_status INTEGER NOT NULL,
						attributes BLOB NOT NULL
					);
					CREATE INDEX messages_sent_at on _messages (sent_at);
					CREATE INDEX messages_conversation_received_at on _messages (conversation_id, received_at);

					CREATE TABLE _reactions (
						conversation_id TEXT NOT NULL,
						message_id BLOB NOT NULL,
						from_id TEXT NOT NULL,
						emoji TEXT NOT NULL,
						target_author TEXT NOT NULL,
						target_timestamp INTEGER NOT NULL,
						timestamp INTEGER NOT NULL,
						PRIMARY KEY (message_id, from_id),
						FOREIGN KEY(message_id) REFERENCES _messages(id) ON DELETE CASCADE
					);
					CREATE INDEX reactions_conversation_id on _reactions (conversation_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("lifecycle: error migrating: %w", err)
	}
	return d, nil
}

func (d *database) saveMessage(m *message.Message) error {
	attrs, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("lifecycle: error encoding message %s: %w", m.ID, err)
	}
	row := &messageRow{
		ID:             m.ID[:],
		ConversationID: m.ConversationID,
		Type:           uint8(m.Type),
		Source:         m.Source.Key(),
		SourceDevice:   m.Source.Device,
		SentAt:         m.SentAt,
		ReceivedAt:     m.ReceivedAt,
		ReadStatus:     uint8(m.ReadStatus),
		Attributes:     attrs,
	}
	if _, err := d.Tx.NamedExec(`INSERT INTO _messages (id, conversation_id, type, source, source_device, sent_at, received_at, read_status, attributes)
		VALUES (:id, :conversation_id, :type, :source, :source_device, :sent_at, :received_at, :read_status, :attributes)
		ON CONFLICT(id) DO UPDATE SET read_status = :read_status, attributes = :attributes`, row); err != nil {
		return fmt.Errorf("lifecycle: error saving message %s: %w", m.ID, err)
	}
	return nil
}

// message returns nil when no message has the id.
func (d *database) message(id ids.ID) (*message.Message, error) {
	row := &messageRow{}
	if err := d.Tx.Get(row, "SELECT * FROM _messages WHERE id = $1", id[:]); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lifecycle: error loading message %s: %w", id, err)
	}
	return row.decode()
}

func (d *database) messagesBySentAt(sentAt uint64) ([]*message.Message, error) {
	var rows []*messageRow
	if err := d.Tx.Select(&rows, "SELECT * FROM _messages WHERE sent_at = $1 ORDER BY received_at", sentAt); err != nil {
		return nil, fmt.Errorf("lifecycle: error loading messages sent at %d: %w", sentAt, err)
	}
	return decodeRows(rows)
}

func (d *database) messagesForConversation(conversationID string, limit int) ([]*message.Message, error) {
	var rows []*messageRow
	if err := d.Tx.Select(&rows, "SELECT * FROM (SELECT * FROM _messages WHERE conversation_id = $1 ORDER BY received_at DESC, sent_at DESC LIMIT $2) ORDER BY received_at, sent_at", conversationID, limit); err != nil {
		return nil, fmt.Errorf("lifecycle: error loading messages for %s: %w", conversationID, err)
	}
	return decodeRows(rows)
}

// unreadBefore returns incoming unread messages of the conversation received at or before readAt.
func (d *database) unreadBefore(conversationID string, readAt uint64) ([]*message.Message, error) {
	var rows []*messageRow
	if err := d.Tx.Select(&rows, "SELECT * FROM _messages WHERE conversation_id = $1 AND type = $2 AND read_status = $3 AND received_at <= $4 ORDER BY received_at", conversationID, uint8(message.Incoming), uint8(message.Unread), readAt); err != nil {
		return nil, fmt.Errorf("lifecycle: error loading unread messages for %s: %w", conversationID, err)
	}
	return decodeRows(rows)
}

func decodeRows(rows []*messageRow) ([]*message.Message, error) {
	out := make([]*message.Message, 0, len(rows))
	for _, r := range rows {
		m, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *database) addReaction(r *ReactionRecord) error {
	if _, err := d.Tx.NamedExec(`INSERT INTO _reactions (conversation_id, message_id, from_id, emoji, target_author, target_timestamp, timestamp)
		VALUES (:conversation_id, :message_id, :from_id, :emoji, :target_author, :target_timestamp, :timestamp)
		ON CONFLICT(message_id, from_id) DO UPDATE SET emoji = :emoji, timestamp = :timestamp`, r); err != nil {
		return fmt.Errorf("lifecycle: error adding reaction: %w", err)
	}
	return nil
}

func (d *database) removeReactionFromConversation(k *ReactionKey) error {
	if _, err := d.Tx.Exec("DELETE FROM _reactions WHERE from_id = $1 AND target_author = $2 AND target_timestamp = $3", k.FromID, k.TargetAuthor, k.TargetTimestamp); err != nil {
		return fmt.Errorf("lifecycle: error removing reaction: %w", err)
	}
	return nil
}

func (d *database) removeReactionsForMessage(id ids.ID) error {
	if _, err := d.Tx.Exec("DELETE FROM _reactions WHERE message_id = $1", id[:]); err != nil {
		return fmt.Errorf("lifecycle: error removing reactions for %s: %w", id, err)
	}
	return nil
}

func (d *database) reactionsForConversation(conversationID string) ([]*ReactionRecord, error) {
	var out []*ReactionRecord
	if err := d.Tx.Select(&out, "SELECT * FROM _reactions WHERE conversation_id = $1 ORDER BY timestamp", conversationID); err != nil {
		return nil, fmt.Errorf("lifecycle: error loading reactions for %s: %w", conversationID, err)
	}
	return out, nil
}

// conversation returns nil when the conversation is unknown.
func (d *database) conversation(id string) (*Conversation, error) {
	row := &conversationRow{}
	if err := d.Tx.Get(row, "SELECT * FROM _conversations WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lifecycle: error loading conversation %s: %w", id, err)
	}
	return row.decode()
}

func (d *database) conversations() ([]*Conversation, error) {
	var rows []*conversationRow
	if err := d.Tx.Select(&rows, "SELECT * FROM _conversations ORDER BY id"); err != nil {
		return nil, fmt.Errorf("lifecycle: error loading conversations: %w", err)
	}
	out := make([]*Conversation, 0, len(rows))
	for _, r := range rows {
		c, err := r.decode()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (d *database) updateConversation(c *Conversation) error {
	members, err := json.Marshal(c.Members)
	if err != nil {
		return fmt.Errorf("lifecycle: error encoding members of %s: %w", c.ID, err)
	}
	row := &conversationRow{
		ID:          c.ID,
		IsGroup:     c.Group,
		Accepted:    c.Accepted,
		ExpireTimer: c.ExpireTimer,
		Members:     members,
	}
	if _, err := d.Tx.NamedExec(`INSERT INTO _conversations (id, is_group, accepted, expire_timer, members)
		VALUES (:id, :is_group, :accepted, :expire_timer, :members)
		ON CONFLICT(id) DO UPDATE SET is_group = :is_group, accepted = :accepted, expire_timer = :expire_timer, members = :members`, row); err != nil {
		return fmt.Errorf("lifecycle: error saving conversation %s: %w", c.ID, err)
	}
	return nil
}

func (r *conversationRow) decode() (*Conversation, error) {
	c := &Conversation{
		ID:          r.ID,
		Group:       r.IsGroup,
		Accepted:    r.Accepted,
		ExpireTimer: r.ExpireTimer,
	}
	if err := json.Unmarshal(r.Members, &c.Members); err != nil {
		return nil, fmt.Errorf("lifecycle: error decoding members of %s: %w", r.ID, err)
	}
	return c, nil
}
