// Package message provides PostgreSQL-backed storage for chats, chat
// membership, and messages. It is the read/write surface the delivery
// coordinator uses to persist messages, resolve recipients, and serve chat
// history with per-recipient read aggregation.
package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chat kinds.
const (
	ChatIndividual = "individual"
	ChatGroup      = "group"
)

// Message kinds. A soft-deleted message keeps its row but its content is
// replaced by the tombstone marker and its kind becomes KindDeleted.
const (
	KindText     = "text"
	KindImage    = "image"
	KindAudio    = "audio"
	KindVideo    = "video"
	KindDocument = "document"
	KindDeleted  = "deleted"
)

// TombstoneContent replaces the content of a soft-deleted message.
const TombstoneContent = "This message was deleted"

// Participant roles in group chats.
const (
	RoleAdmin  = "admin"
	RoleMember = "member"
)

var (
	// ErrChatNotFound means the chat identifier does not resolve.
	ErrChatNotFound = errors.New("message: chat not found")

	// ErrMessageNotFound means the message identifier does not resolve.
	ErrMessageNotFound = errors.New("message: message not found")

	// ErrNotAParticipant means the acting user is not in the chat.
	ErrNotAParticipant = errors.New("message: user is not a chat participant")

	// ErrForbidden means the acting user lacks rights for the operation,
	// e.g. deleting a message they did not send.
	ErrForbidden = errors.New("message: forbidden")
)

// Message is a persisted chat message with its sender's display name.
type Message struct {
	ID         int64
	ChatID     int64
	SenderID   int64
	SenderName string
	Content    string
	Kind       string
	SentAt     time.Time
}

// Store manages chats, participants, and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a message store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle so sibling stores (the receipt ledger)
// can share one pool.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateMessage validates that the sender participates in the chat and
// persists a new message. The kind defaults to text when empty.
func (s *Store) CreateMessage(ctx context.Context, chatID, senderID int64, content, kind string) (Message, error) {
	if kind == "" {
		kind = KindText
	}
	if err := ValidateContent(content); err != nil {
		return Message{}, err
	}

	ok, err := s.IsParticipant(ctx, chatID, senderID)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		// Distinguish a missing chat from a non-member.
		if _, kerr := s.ChatKind(ctx, chatID); kerr != nil {
			return Message{}, kerr
		}
		return Message{}, ErrNotAParticipant
	}

	const query = `
		WITH inserted AS (
			INSERT INTO messages (chat_id, sender_id, content, kind)
			VALUES ($1, $2, $3, $4)
			RETURNING id, chat_id, sender_id, content, kind, sent_at
		)
		SELECT i.id, i.chat_id, i.sender_id, i.content, i.kind, i.sent_at, u.name
		FROM inserted i
		JOIN users u ON u.id = i.sender_id`

	var m Message
	err = s.db.QueryRowContext(ctx, query, chatID, senderID, content, kind).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Kind, &m.SentAt, &m.SenderName)
	if err != nil {
		return Message{}, fmt.Errorf("message: create: %w", err)
	}
	return m, nil
}

// Get returns a message by ID.
func (s *Store) Get(ctx context.Context, messageID int64) (Message, error) {
	const query = `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.kind, m.sent_at, u.name
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1`

	var m Message
	err := s.db.QueryRowContext(ctx, query, messageID).
		Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Kind, &m.SentAt, &m.SenderName)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrMessageNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("message: get: %w", err)
	}
	return m, nil
}

// ChatKind returns whether the chat is individual or group.
func (s *Store) ChatKind(ctx context.Context, chatID int64) (string, error) {
	var kind string
	err := s.db.QueryRowContext(ctx, `SELECT kind FROM chats WHERE id = $1`, chatID).Scan(&kind)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrChatNotFound
	}
	if err != nil {
		return "", fmt.Errorf("message: chat kind: %w", err)
	}
	return kind, nil
}

// IsParticipant reports whether the user belongs to the chat.
func (s *Store) IsParticipant(ctx context.Context, chatID, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message: is participant: %w", err)
	}
	return true, nil
}

// Participants returns the user IDs in a chat. If except is non-zero that
// user is excluded, which callers use to compute a message's recipient set.
func (s *Store) Participants(ctx context.Context, chatID int64, except int64) ([]int64, error) {
	const query = `
		SELECT user_id FROM chat_participants
		WHERE chat_id = $1 AND ($2 = 0 OR user_id <> $2)
		ORDER BY user_id`

	rows, err := s.db.QueryContext(ctx, query, chatID, except)
	if err != nil {
		return nil, fmt.Errorf("message: participants: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("message: participants scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: participants rows: %w", err)
	}
	return ids, nil
}

// SoftDelete replaces a message's content with the tombstone marker. Only
// the original sender may delete; the operation is idempotent, so deleting
// an already-deleted message succeeds without change. The tombstoned message
// is returned for broadcast.
func (s *Store) SoftDelete(ctx context.Context, messageID, requesterID int64) (Message, error) {
	m, err := s.Get(ctx, messageID)
	if err != nil {
		return Message{}, err
	}
	if m.SenderID != requesterID {
		return Message{}, ErrForbidden
	}
	if m.Kind == KindDeleted {
		return m, nil
	}

	_, err = s.db.ExecContext(ctx,
		`UPDATE messages SET content = $1, kind = $2 WHERE id = $3`,
		TombstoneContent, KindDeleted, messageID)
	if err != nil {
		return Message{}, fmt.Errorf("message: soft delete: %w", err)
	}
	m.Content = TombstoneContent
	m.Kind = KindDeleted
	return m, nil
}

// UserName returns a user's display name.
func (s *Store) UserName(ctx context.Context, userID int64) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM users WHERE id = $1`, userID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("message: user %d not found", userID)
	}
	if err != nil {
		return "", fmt.Errorf("message: user name: %w", err)
	}
	return name, nil
}
