// Package ledger provides PostgreSQL-backed storage for per-(message,
// recipient) delivery and read state. Each receipt row tracks when a message
// reached a recipient's client and when the recipient acknowledged reading
// it. Rows are created lazily on the first delivery or read event for a
// pair, updated in place afterwards, and never regress: a set timestamp is
// never cleared, and read_at is only ever set together with (or after)
// delivered_at, enforced by a CHECK constraint and COALESCE-based upserts so
// concurrent delivery and read acks cannot race into an inconsistent state.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for receipt writes. Callers distinguish consistency
// violations (logged, not retried) from the self-receipt no-op case.
var (
	// ErrMessageNotFound means the target message does not exist.
	ErrMessageNotFound = errors.New("ledger: message not found")

	// ErrSelfReceipt means the recipient is the message's own sender.
	// Receipt rows are never created for senders.
	ErrSelfReceipt = errors.New("ledger: recipient is the message sender")

	// ErrNotParticipant means the recipient is not in the message's chat.
	// A receipt for a non-participant is a backend inconsistency.
	ErrNotParticipant = errors.New("ledger: recipient not a chat participant")
)

// EntryState is the delivery/read state of one (message, recipient) pair.
// A nil timestamp means that transition has not happened yet; an absent row
// altogether is the initial "sent" state.
type EntryState struct {
	MessageID   int64
	UserID      int64
	DeliveredAt *time.Time
	ReadAt      *time.Time
}

// PendingMessage identifies a message awaiting delivery to a recipient,
// with enough context to notify the original sender afterwards.
type PendingMessage struct {
	MessageID int64
	SenderID  int64
	ChatID    int64
}

// Reader is one entry of a message's "read by" list.
type Reader struct {
	UserID int64
	Name   string
	ReadAt time.Time
}

// Store manages message receipts in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a receipt store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// recordDeliveredQuery inserts or backfills delivered_at in one statement.
// The SELECT feeding the insert enforces that the message exists, the
// recipient participates in its chat, and the recipient is not the sender;
// COALESCE keeps an already-set timestamp, making the write idempotent.
const recordDeliveredQuery = `
	INSERT INTO message_receipts (message_id, user_id, delivered_at)
	SELECT m.id, cp.user_id, now()
	FROM messages m
	JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = $2
	WHERE m.id = $1 AND m.sender_id <> $2
	ON CONFLICT (message_id, user_id)
	DO UPDATE SET delivered_at = COALESCE(message_receipts.delivered_at, now())
	RETURNING delivered_at, read_at`

// RecordDelivered marks a message as delivered to a recipient. It is
// idempotent: if delivered_at is already set the existing state is returned
// unchanged. Writes targeting a missing message, a non-participant, or the
// message's own sender fail with the matching sentinel error.
func (s *Store) RecordDelivered(ctx context.Context, messageID, recipientID int64) (EntryState, error) {
	state := EntryState{MessageID: messageID, UserID: recipientID}
	err := s.db.QueryRowContext(ctx, recordDeliveredQuery, messageID, recipientID).
		Scan(&state.DeliveredAt, &state.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, s.diagnose(ctx, messageID, recipientID)
	}
	if err != nil {
		return state, fmt.Errorf("ledger: record delivered: %w", err)
	}
	return state, nil
}

// recordReadQuery sets read_at and backfills delivered_at in a single
// atomic statement, so "read implies delivered" holds even when a delivery
// ack and a read ack race on the same pair.
const recordReadQuery = `
	INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
	SELECT m.id, cp.user_id, now(), now()
	FROM messages m
	JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = $2
	WHERE m.id = $1 AND m.sender_id <> $2
	ON CONFLICT (message_id, user_id)
	DO UPDATE SET
		delivered_at = COALESCE(message_receipts.delivered_at, now()),
		read_at      = COALESCE(message_receipts.read_at, now())
	RETURNING delivered_at, read_at`

// RecordRead marks a message as read by a recipient, backfilling delivered_at
// if it was never recorded. Idempotent on read_at. The same sentinel errors
// as RecordDelivered apply; callers treat ErrSelfReceipt on the read path as
// a silent no-op.
func (s *Store) RecordRead(ctx context.Context, messageID, recipientID int64) (EntryState, error) {
	state := EntryState{MessageID: messageID, UserID: recipientID}
	err := s.db.QueryRowContext(ctx, recordReadQuery, messageID, recipientID).
		Scan(&state.DeliveredAt, &state.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, s.diagnose(ctx, messageID, recipientID)
	}
	if err != nil {
		return state, fmt.Errorf("ledger: record read: %w", err)
	}
	return state, nil
}

// recordAllReadQuery marks every unread message in a chat (not authored by
// the recipient) as read, backfilling delivery, and returns the transitioned
// messages with their senders so notifications can be batched per sender.
const recordAllReadQuery = `
	WITH marked AS (
		INSERT INTO message_receipts (message_id, user_id, delivered_at, read_at)
		SELECT m.id, $2, now(), now()
		FROM messages m
		WHERE m.chat_id = $1 AND m.sender_id <> $2
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET
			delivered_at = COALESCE(message_receipts.delivered_at, now()),
			read_at      = COALESCE(message_receipts.read_at, now())
		WHERE message_receipts.read_at IS NULL
		RETURNING message_id
	)
	SELECT marked.message_id, m.sender_id, m.chat_id
	FROM marked
	JOIN messages m ON m.id = marked.message_id`

// RecordAllRead marks all unread messages in a chat as read by recipientID
// and returns the messages that actually transitioned (already-read rows are
// untouched and not returned). The caller is responsible for verifying the
// recipient participates in the chat.
func (s *Store) RecordAllRead(ctx context.Context, chatID, recipientID int64) ([]PendingMessage, error) {
	rows, err := s.db.QueryContext(ctx, recordAllReadQuery, chatID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("ledger: record all read: %w", err)
	}
	defer rows.Close()

	var marked []PendingMessage
	for rows.Next() {
		var pm PendingMessage
		if err := rows.Scan(&pm.MessageID, &pm.SenderID, &pm.ChatID); err != nil {
			return nil, fmt.Errorf("ledger: record all read scan: %w", err)
		}
		marked = append(marked, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: record all read rows: %w", err)
	}
	return marked, nil
}

// ListUndelivered returns messages awaiting delivery to a recipient, most
// recent first, capped at limit. chatID scopes the sweep to a single chat;
// pass 0 to sweep across all of the recipient's chats.
func (s *Store) ListUndelivered(ctx context.Context, recipientID int64, chatID int64, limit int) ([]PendingMessage, error) {
	const query = `
		SELECT m.id, m.sender_id, m.chat_id
		FROM messages m
		JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = $1
		LEFT JOIN message_receipts r ON r.message_id = m.id AND r.user_id = $1
		WHERE m.sender_id <> $1
		  AND (r.message_id IS NULL OR r.delivered_at IS NULL)
		  AND ($2 = 0 OR m.chat_id = $2)
		ORDER BY m.sent_at DESC
		LIMIT $3`

	rows, err := s.db.QueryContext(ctx, query, recipientID, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("ledger: list undelivered: %w", err)
	}
	defer rows.Close()

	var pending []PendingMessage
	for rows.Next() {
		var pm PendingMessage
		if err := rows.Scan(&pm.MessageID, &pm.SenderID, &pm.ChatID); err != nil {
			return nil, fmt.Errorf("ledger: list undelivered scan: %w", err)
		}
		pending = append(pending, pm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list undelivered rows: %w", err)
	}
	return pending, nil
}

// ReadersOf returns the users who have read a message, with their display
// names, ordered by read time. The message's sender never appears because no
// receipt row is ever created for the sender.
func (s *Store) ReadersOf(ctx context.Context, messageID int64) ([]Reader, error) {
	const query = `
		SELECT r.user_id, u.name, r.read_at
		FROM message_receipts r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = $1 AND r.read_at IS NOT NULL
		ORDER BY r.read_at`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("ledger: readers of: %w", err)
	}
	defer rows.Close()

	var readers []Reader
	for rows.Next() {
		var r Reader
		if err := rows.Scan(&r.UserID, &r.Name, &r.ReadAt); err != nil {
			return nil, fmt.Errorf("ledger: readers scan: %w", err)
		}
		readers = append(readers, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: readers rows: %w", err)
	}
	return readers, nil
}

// CountUnreadPerChat returns, for each chat the recipient participates in,
// the number of messages sent by others that the recipient has not read.
func (s *Store) CountUnreadPerChat(ctx context.Context, recipientID int64) (map[int64]int, error) {
	const query = `
		SELECT m.chat_id, COUNT(*)
		FROM messages m
		JOIN chat_participants cp ON cp.chat_id = m.chat_id AND cp.user_id = $1
		LEFT JOIN message_receipts r ON r.message_id = m.id AND r.user_id = $1
		WHERE m.sender_id <> $1
		  AND (r.message_id IS NULL OR r.read_at IS NULL)
		GROUP BY m.chat_id`

	rows, err := s.db.QueryContext(ctx, query, recipientID)
	if err != nil {
		return nil, fmt.Errorf("ledger: count unread: %w", err)
	}
	defer rows.Close()

	counts := make(map[int64]int)
	for rows.Next() {
		var chatID int64
		var n int
		if err := rows.Scan(&chatID, &n); err != nil {
			return nil, fmt.Errorf("ledger: count unread scan: %w", err)
		}
		counts[chatID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: count unread rows: %w", err)
	}
	return counts, nil
}

// GetEntry returns the receipt state for one (message, recipient) pair, or
// a zero-timestamp state if no row exists (the "sent" state).
func (s *Store) GetEntry(ctx context.Context, messageID, recipientID int64) (EntryState, error) {
	state := EntryState{MessageID: messageID, UserID: recipientID}
	err := s.db.QueryRowContext(ctx,
		`SELECT delivered_at, read_at FROM message_receipts WHERE message_id = $1 AND user_id = $2`,
		messageID, recipientID).Scan(&state.DeliveredAt, &state.ReadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return state, fmt.Errorf("ledger: get entry: %w", err)
	}
	return state, nil
}

// diagnose explains why a receipt upsert affected no rows: the message is
// missing, the recipient is the sender, or the recipient is not in the chat.
func (s *Store) diagnose(ctx context.Context, messageID, recipientID int64) error {
	var senderID, chatID int64
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_id, chat_id FROM messages WHERE id = $1`, messageID).
		Scan(&senderID, &chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrMessageNotFound
	}
	if err != nil {
		return fmt.Errorf("ledger: diagnose: %w", err)
	}

	if senderID == recipientID {
		return ErrSelfReceipt
	}

	var one int
	err = s.db.QueryRowContext(ctx,
		`SELECT 1 FROM chat_participants WHERE chat_id = $1 AND user_id = $2`,
		chatID, recipientID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotParticipant
	}
	if err != nil {
		return fmt.Errorf("ledger: diagnose: %w", err)
	}

	// Row exists and recipient is a valid non-sender participant: the upsert
	// should not have returned zero rows.
	return fmt.Errorf("ledger: receipt upsert affected no rows for message=%d user=%d", messageID, recipientID)
}
