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

type RequestRepository struct {
	q database.Queryer
}

func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{q: db}
}

// WithTx returns a repository bound to tx.
func (r *RequestRepository) WithTx(tx *sql.Tx) *RequestRepository {
	return &RequestRepository{q: tx}
}

const requestColumns = `id, requester_id, recipient_id, status, message, conversation_id, created_at, responded_at`

// InsertIfNoActive creates a pending request unless an active request already
// exists for the unordered pair. It reports whether the row was inserted.
func (r *RequestRepository) InsertIfNoActive(ctx context.Context, req *models.ConversationRequest) (bool, error) {
	low, high := models.NormalizePair(req.RequesterID, req.RecipientID)
	query := `
		INSERT INTO conversation_requests (requester_id, recipient_id, pair_low, pair_high, status, message, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT DO NOTHING
		RETURNING id
	`

	err := r.q.QueryRowContext(
		ctx,
		query,
		req.RequesterID,
		req.RecipientID,
		low,
		high,
		string(req.Status),
		req.Message,
		req.CreatedAt,
	).Scan(&req.ID)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to create conversation request: %w", err)
	}

	return true, nil
}

// GetByID retrieves a request by ID
func (r *RequestRepository) GetByID(ctx context.Context, id int64) (*models.ConversationRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM conversation_requests WHERE id = $1`

	req, err := scanRequest(r.q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation request %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation request: %w", err)
	}

	return req, nil
}

// GetActiveByPair returns the pending or accepted request between two users.
func (r *RequestRepository) GetActiveByPair(ctx context.Context, userA, userB int64) (*models.ConversationRequest, error) {
	low, high := models.NormalizePair(userA, userB)
	query := `SELECT ` + requestColumns + `
		FROM conversation_requests
		WHERE pair_low = $1 AND pair_high = $2 AND status <> 'denied'
		ORDER BY id DESC
		LIMIT 1
	`

	req, err := scanRequest(r.q.QueryRowContext(ctx, query, low, high))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active request %d/%d: %w", low, high, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active request: %w", err)
	}

	return req, nil
}

// Transition moves a request from one status to another. It is a
// compare-and-set: false is returned when the stored status is not from.
func (r *RequestRepository) Transition(ctx context.Context, id int64, from, to models.RequestStatus, conversationID *int64, at time.Time) (bool, error) {
	query := `
		UPDATE conversation_requests
		SET status = $1, conversation_id = $2, responded_at = $3
		WHERE id = $4 AND status = $5
	`

	result, err := r.q.ExecContext(ctx, query, string(to), conversationID, at, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to update conversation request: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows == 1, nil
}

// GetReceivedPending lists pending requests addressed to userID, newest first.
func (r *RequestRepository) GetReceivedPending(ctx context.Context, userID int64) ([]models.ConversationRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM conversation_requests
		WHERE recipient_id = $1 AND status = 'pending'
		ORDER BY created_at DESC, id DESC
	`
	return r.list(ctx, query, userID)
}

// GetSentUnaccepted lists requests sent by userID that were not accepted, newest first.
func (r *RequestRepository) GetSentUnaccepted(ctx context.Context, userID int64) ([]models.ConversationRequest, error) {
	query := `SELECT ` + requestColumns + `
		FROM conversation_requests
		WHERE requester_id = $1 AND status <> 'accepted'
		ORDER BY created_at DESC, id DESC
	`
	return r.list(ctx, query, userID)
}

// CountForPair returns how many requests (any status) exist for a pair.
func (r *RequestRepository) CountForPair(ctx context.Context, userA, userB int64, status models.RequestStatus) (int, error) {
	low, high := models.NormalizePair(userA, userB)
	var count int
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversation_requests WHERE pair_low = $1 AND pair_high = $2 AND status = $3`,
		low, high, string(status),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count conversation requests: %w", err)
	}
	return count, nil
}

func (r *RequestRepository) list(ctx context.Context, query string, args ...any) ([]models.ConversationRequest, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation requests: %w", err)
	}
	defer rows.Close()

	requests := []models.ConversationRequest{}
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conversation request: %w", err)
		}
		requests = append(requests, *req)
	}

	return requests, rows.Err()
}

func scanRequest(row rowScanner) (*models.ConversationRequest, error) {
	var req models.ConversationRequest
	var status string
	var conversationID sql.NullInt64
	var respondedAt sql.NullTime

	err := row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.RecipientID,
		&status,
		&req.Message,
		&conversationID,
		&req.CreatedAt,
		&respondedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Status, err = models.ParseRequestStatus(status)
	if err != nil {
		return nil, err
	}
	if conversationID.Valid {
		id := conversationID.Int64
		req.ConversationID = &id
	}
	if respondedAt.Valid {
		t := respondedAt.Time
		req.RespondedAt = &t
	}

	return &req, nil
}
