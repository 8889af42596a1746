package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/models"
)

type MessageRepository struct {
	q database.Queryer
}

func NewMessageRepository(db *database.DB) *MessageRepository {
	return &MessageRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *MessageRepository) WithTx(tx *sql.Tx) *MessageRepository {
	return &MessageRepository{q: tx}
}

// Create inserts a message; the database assigns the id.
func (r *MessageRepository) Create(ctx context.Context, message *models.Message) error {
	query := `
		INSERT INTO messages (conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`

	err := r.q.QueryRowContext(
		ctx,
		query,
		message.ConversationID,
		message.SenderID,
		message.Content,
		message.CreatedAt,
	).Scan(&message.ID)

	if err != nil {
		return fmt.Errorf("failed to create message: %w", err)
	}

	return nil
}

// GetByConversationID returns messages ordered by (created_at, id). When
// afterID is positive only messages with a larger id are returned.
func (r *MessageRepository) GetByConversationID(ctx context.Context, conversationID, afterID int64) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE conversation_id = $1 AND id > $2
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.q.QueryContext(ctx, query, conversationID, afterID)
	if err != nil {
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}
	defer rows.Close()

	messages := []models.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, *msg)
	}

	return messages, rows.Err()
}

// GetLatest returns the newest message of a conversation, or nil when it has none.
func (r *MessageRepository) GetLatest(ctx context.Context, conversationID int64) (*models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, read_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	msg, err := scanMessage(r.q.QueryRowContext(ctx, query, conversationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest message: %w", err)
	}

	return msg, nil
}

// Count returns the number of messages in a conversation.
func (r *MessageRepository) Count(ctx context.Context, conversationID int64) (int, error) {
	var count int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id = $1`, conversationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return count, nil
}

// GetUnreadCount gets the number of unread messages for a user in a conversation
func (r *MessageRepository) GetUnreadCount(ctx context.Context, conversationID, userID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages
		WHERE conversation_id = $1
		AND sender_id <> $2
		AND read_at IS NULL
	`

	var count int
	err := r.q.QueryRowContext(ctx, query, conversationID, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get unread count: %w", err)
	}

	return count, nil
}

// MarkRead stamps read_at on the counterpart's unread messages. When upToID
// is positive only messages with id <= upToID are touched.
func (r *MessageRepository) MarkRead(ctx context.Context, conversationID, readerID, upToID int64, at time.Time) (int64, error) {
	query := `
		UPDATE messages
		SET read_at = $1
		WHERE conversation_id = $2
		AND sender_id <> $3
		AND read_at IS NULL
	`
	args := []any{at, conversationID, readerID}
	if upToID > 0 {
		query += ` AND id <= $4`
		args = append(args, upToID)
	}

	result, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages as read: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var msg models.Message
	var readAt sql.NullTime
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.CreatedAt,
		&readAt,
	)
	if err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		msg.ReadAt = &t
	}
	return &msg, nil
}
