package message

import (
	"context"
	"fmt"
	"time"
)

// ReadEntry is one reader of a message, for group "read by" lists.
type ReadEntry struct {
	UserID int64     `json:"userId"`
	Name   string    `json:"name"`
	ReadAt time.Time `json:"readAt"`
}

// HistoryMessage is a message decorated with read state for history views.
// For group chats ReadCount, ReadByMe, and Readers are populated from the
// per-recipient receipts. For individual chats ReadAt carries the legacy
// single read timestamp, projected from the sole recipient's receipt; the
// receipt ledger is the only writable source of read state.
type HistoryMessage struct {
	Message
	ReadAt    *time.Time  `json:"readAt,omitempty"`
	ReadCount int         `json:"readCount,omitempty"`
	ReadByMe  bool        `json:"readByMe,omitempty"`
	Readers   []ReadEntry `json:"readers,omitempty"`
}

// History returns a page of chat messages, oldest first, with read
// aggregation appropriate to the chat kind. The requester must be a
// participant; ErrNotAParticipant is returned otherwise.
func (s *Store) History(ctx context.Context, chatID, requesterID int64, limit, offset int) ([]HistoryMessage, error) {
	kind, err := s.ChatKind(ctx, chatID)
	if err != nil {
		return nil, err
	}
	ok, err := s.IsParticipant(ctx, chatID, requesterID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotAParticipant
	}

	if limit <= 0 {
		limit = 50
	}

	var msgs []HistoryMessage
	if kind == ChatGroup {
		msgs, err = s.groupHistory(ctx, chatID, requesterID, limit, offset)
	} else {
		msgs, err = s.individualHistory(ctx, chatID, limit, offset)
	}
	if err != nil {
		return nil, err
	}

	// Pages are fetched newest-first; flip to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *Store) groupHistory(ctx context.Context, chatID, requesterID int64, limit, offset int) ([]HistoryMessage, error) {
	const query = `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.kind, m.sent_at, u.name,
		       (SELECT COUNT(*) FROM message_receipts r
		        WHERE r.message_id = m.id AND r.read_at IS NOT NULL) AS read_count,
		       EXISTS (SELECT 1 FROM message_receipts r
		               WHERE r.message_id = m.id AND r.user_id = $2 AND r.read_at IS NOT NULL) AS read_by_me
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.sent_at DESC
		LIMIT $3 OFFSET $4`

	rows, err := s.db.QueryContext(ctx, query, chatID, requesterID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("message: group history: %w", err)
	}
	defer rows.Close()

	var msgs []HistoryMessage
	for rows.Next() {
		var hm HistoryMessage
		if err := rows.Scan(&hm.ID, &hm.ChatID, &hm.SenderID, &hm.Content, &hm.Kind,
			&hm.SentAt, &hm.SenderName, &hm.ReadCount, &hm.ReadByMe); err != nil {
			return nil, fmt.Errorf("message: group history scan: %w", err)
		}
		msgs = append(msgs, hm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: group history rows: %w", err)
	}

	for i := range msgs {
		readers, err := s.readersOf(ctx, msgs[i].ID)
		if err != nil {
			return nil, err
		}
		msgs[i].Readers = readers
	}
	return msgs, nil
}

// individualHistory projects the legacy single read timestamp from the sole
// non-sender participant's receipt row.
func (s *Store) individualHistory(ctx context.Context, chatID int64, limit, offset int) ([]HistoryMessage, error) {
	const query = `
		SELECT m.id, m.chat_id, m.sender_id, m.content, m.kind, m.sent_at, u.name,
		       (SELECT r.read_at FROM message_receipts r
		        WHERE r.message_id = m.id AND r.read_at IS NOT NULL
		        ORDER BY r.read_at LIMIT 1) AS read_at
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.chat_id = $1
		ORDER BY m.sent_at DESC
		LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, chatID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("message: individual history: %w", err)
	}
	defer rows.Close()

	var msgs []HistoryMessage
	for rows.Next() {
		var hm HistoryMessage
		if err := rows.Scan(&hm.ID, &hm.ChatID, &hm.SenderID, &hm.Content, &hm.Kind,
			&hm.SentAt, &hm.SenderName, &hm.ReadAt); err != nil {
			return nil, fmt.Errorf("message: individual history scan: %w", err)
		}
		msgs = append(msgs, hm)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: individual history rows: %w", err)
	}
	return msgs, nil
}

func (s *Store) readersOf(ctx context.Context, messageID int64) ([]ReadEntry, error) {
	const query = `
		SELECT r.user_id, u.name, r.read_at
		FROM message_receipts r
		JOIN users u ON u.id = r.user_id
		WHERE r.message_id = $1 AND r.read_at IS NOT NULL
		ORDER BY r.read_at`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("message: readers: %w", err)
	}
	defer rows.Close()

	var readers []ReadEntry
	for rows.Next() {
		var re ReadEntry
		if err := rows.Scan(&re.UserID, &re.Name, &re.ReadAt); err != nil {
			return nil, fmt.Errorf("message: readers scan: %w", err)
		}
		readers = append(readers, re)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message: readers rows: %w", err)
	}
	return readers, nil
}
