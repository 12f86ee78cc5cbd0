package message

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateIndividualChat returns the chat shared by exactly the two given
// users, creating it on first use. Individual chats are deduplicated by
// participant set: the same pair always resolves to the same chat.
func (s *Store) CreateIndividualChat(ctx context.Context, userA, userB int64) (int64, error) {
	const findQuery = `
		SELECT c.id
		FROM chats c
		JOIN chat_participants pa ON pa.chat_id = c.id AND pa.user_id = $1
		JOIN chat_participants pb ON pb.chat_id = c.id AND pb.user_id = $2
		WHERE c.kind = 'individual'
		LIMIT 1`

	var chatID int64
	err := s.db.QueryRowContext(ctx, findQuery, userA, userB).Scan(&chatID)
	if err == nil {
		return chatID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("message: find individual chat: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("message: create individual chat: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		`INSERT INTO chats (kind) VALUES ('individual') RETURNING id`).Scan(&chatID); err != nil {
		return 0, fmt.Errorf("message: create individual chat: %w", err)
	}
	for _, uid := range []int64{userA, userB} {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, role) VALUES ($1, $2, 'member')`,
			chatID, uid); err != nil {
			return 0, fmt.Errorf("message: add participant: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("message: create individual chat: %w", err)
	}
	return chatID, nil
}

// CreateGroupChat creates a group chat with the creator as admin and the
// remaining members with the member role. The creator is always included.
func (s *Store) CreateGroupChat(ctx context.Context, creatorID int64, memberIDs []int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("message: create group chat: %w", err)
	}
	defer tx.Rollback()

	var chatID int64
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO chats (kind) VALUES ('group') RETURNING id`).Scan(&chatID); err != nil {
		return 0, fmt.Errorf("message: create group chat: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_participants (chat_id, user_id, role) VALUES ($1, $2, 'admin')`,
		chatID, creatorID); err != nil {
		return 0, fmt.Errorf("message: add admin: %w", err)
	}
	for _, uid := range memberIDs {
		if uid == creatorID {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_participants (chat_id, user_id, role) VALUES ($1, $2, 'member')
			 ON CONFLICT (chat_id, user_id) DO NOTHING`,
			chatID, uid); err != nil {
			return 0, fmt.Errorf("message: add member: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("message: create group chat: %w", err)
	}
	return chatID, nil
}

// CreateUser inserts a user record. It exists for fixtures and the
// registration path owned by the external auth layer.
func (s *Store) CreateUser(ctx context.Context, phone, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (phone, name) VALUES ($1, $2) RETURNING id`,
		phone, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("message: create user: %w", err)
	}
	return id, nil
}
