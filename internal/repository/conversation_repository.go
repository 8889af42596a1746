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

// ConversationRow is a conversation joined with the participant that is not
// the viewer.
type ConversationRow struct {
	Conversation models.Conversation
	OtherUser    models.User
}

type ConversationRepository struct {
	q database.Queryer
}

func NewConversationRepository(db *database.DB) *ConversationRepository {
	return &ConversationRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *ConversationRepository) WithTx(tx *sql.Tx) *ConversationRepository {
	return &ConversationRepository{q: tx}
}

// InsertIfAbsent creates the conversation for a normalised pair unless one
// already exists. It reports whether this call inserted the row.
func (r *ConversationRepository) InsertIfAbsent(ctx context.Context, userA, userB int64, at time.Time) (int64, bool, error) {
	query := `
		INSERT INTO conversations (user_a_id, user_b_id, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (user_a_id, user_b_id) DO NOTHING
		RETURNING id
	`

	var id int64
	err := r.q.QueryRowContext(ctx, query, userA, userB, at).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	return id, true, nil
}

// GetByID retrieves a conversation by ID
func (r *ConversationRepository) GetByID(ctx context.Context, id int64) (*models.Conversation, error) {
	query := `
		SELECT id, user_a_id, user_b_id, created_at, updated_at
		FROM conversations
		WHERE id = $1
	`

	conversation, err := scanConversation(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conversation, nil
}

// GetByPair retrieves the conversation between two users in either order.
func (r *ConversationRepository) GetByPair(ctx context.Context, userA, userB int64) (*models.Conversation, error) {
	userA, userB = models.NormalizePair(userA, userB)
	query := `
		SELECT id, user_a_id, user_b_id, created_at, updated_at
		FROM conversations
		WHERE user_a_id = $1 AND user_b_id = $2
	`

	conversation, err := scanConversation(r.q.QueryRowContext(ctx, query, userA, userB))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %d/%d: %w", userA, userB, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	return conversation, nil
}

// GetByUserID retrieves all conversations for a user, most recently active first
func (r *ConversationRepository) GetByUserID(ctx context.Context, userID int64) ([]ConversationRow, error) {
	query := `
		SELECT c.id, c.user_a_id, c.user_b_id, c.created_at, c.updated_at,
		       u.id, u.email, u.display_name, u.created_at
		FROM conversations c
		INNER JOIN users u
		        ON u.id = CASE WHEN c.user_a_id = $1 THEN c.user_b_id ELSE c.user_a_id END
		WHERE c.user_a_id = $1 OR c.user_b_id = $1
		ORDER BY c.updated_at DESC, c.id DESC
	`

	rows, err := r.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversations: %w", err)
	}
	defer rows.Close()

	conversations := []ConversationRow{}
	for rows.Next() {
		var row ConversationRow
		err := rows.Scan(
			&row.Conversation.ID,
			&row.Conversation.UserAID,
			&row.Conversation.UserBID,
			&row.Conversation.CreatedAt,
			&row.Conversation.UpdatedAt,
			&row.OtherUser.ID,
			&row.OtherUser.Email,
			&row.OtherUser.DisplayName,
			&row.OtherUser.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		conversations = append(conversations, row)
	}

	return conversations, rows.Err()
}

// Touch bumps updated_at.
// Lock takes the conversation's row lock for the rest of the transaction.
// Appends hold it while their message id is allocated, so ids within one
// conversation become visible in increasing order.
func (r *ConversationRepository) Lock(ctx context.Context, id int64) error {
	result, err := r.q.ExecContext(ctx, `UPDATE conversations SET updated_at = updated_at WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to lock conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}

	return nil
}

func (r *ConversationRepository) Touch(ctx context.Context, id int64, at time.Time) error {
	result, err := r.q.ExecContext(ctx, `UPDATE conversations SET updated_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("conversation %d: %w", id, ErrNotFound)
	}

	return nil
}

// CountForPair returns how many conversation rows exist for a pair.
func (r *ConversationRepository) CountForPair(ctx context.Context, userA, userB int64) (int, error) {
	userA, userB = models.NormalizePair(userA, userB)
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE user_a_id = $1 AND user_b_id = $2`,
		userA, userB,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return count, nil
}

func scanConversation(row *sql.Row) (*models.Conversation, error) {
	conversation := &models.Conversation{}
	err := row.Scan(
		&conversation.ID,
		&conversation.UserAID,
		&conversation.UserBID,
		&conversation.CreatedAt,
		&conversation.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return conversation, nil
}
