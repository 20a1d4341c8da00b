package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func (s *PostgresStore) EnqueueChatMessage(ctx context.Context, botID int64, text string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO chat_messages (bot_id, message_text)
		VALUES ($1, $2)`, botID, text)
	if err != nil {
		return fmt.Errorf("enqueue chat message: %w", err)
	}
	return nil
}

// DequeueChatMessage pops the oldest pending message for the bot.
// Delete-returning with SKIP LOCKED gives at-most-once delivery: a message
// handed to an agent is gone even if the agent later fails to post it.
func (s *PostgresStore) DequeueChatMessage(ctx context.Context, botID int64) (string, bool, error) {
	var text string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM chat_messages
		WHERE id = (
			SELECT id FROM chat_messages
			WHERE bot_id = $1
			ORDER BY id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING message_text`, botID).Scan(&text)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("dequeue chat message: %w", err)
	}
	return text, true, nil
}
