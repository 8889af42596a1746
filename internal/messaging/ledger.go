package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/repository"
)

// Ledger owns the lifecycle of conversation requests.
type Ledger struct {
	db       *database.DB
	store    *Store
	users    *repository.UserRepository
	requests *repository.RequestRepository
	msgs     *repository.MessageRepository
	now      func() time.Time

	// testHookConflict runs after an insert lost to an active request and
	// before that request is read back.
	testHookConflict func()
}

// createAttempts bounds how often Create retries an insert that lost to a
// request which was then denied before it could be read.
const createAttempts = 3

func NewLedger(db *database.DB, store *Store) *Ledger {
	return &Ledger{
		db:       db,
		store:    store,
		users:    repository.NewUserRepository(db),
		requests: repository.NewRequestRepository(db),
		msgs:     repository.NewMessageRepository(db),
		now:      clock,
	}
}

// Create records a pending request from requesterID to recipientID.
func (l *Ledger) Create(ctx context.Context, requesterID, recipientID int64, message string) (*models.ConversationRequest, error) {
	note := strings.TrimSpace(message)
	if utf8.RuneCountInString(note) > models.MaxContentLength {
		return nil, invalid("message", fmt.Sprintf("must be at most %d characters", models.MaxContentLength))
	}
	if requesterID == recipientID {
		return nil, invalid("recipient", "you cannot send a request to yourself")
	}

	ok, err := l.users.Exists(ctx, recipientID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, invalid("recipient", "unknown user")
	}

	conv, err := l.store.FindBetween(ctx, requesterID, recipientID)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return nil, alreadyConnected(conv.ID)
	}

	req := &models.ConversationRequest{
		RequesterID: requesterID,
		RecipientID: recipientID,
		Status:      models.RequestPending,
		Message:     note,
		CreatedAt:   l.now(),
	}

	for attempt := 1; ; attempt++ {
		inserted, err := l.requests.InsertIfNoActive(ctx, req)
		if err != nil {
			return nil, err
		}
		if inserted {
			break
		}

		if l.testHookConflict != nil {
			l.testHookConflict()
		}
		active, err := l.requests.GetActiveByPair(ctx, requesterID, recipientID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
		if err == nil && active.Status.Active() {
			return nil, conflictFor(active, requesterID)
		}
		// The blocking request was denied in between.
		if attempt == createAttempts {
			return nil, &ConflictError{Code: CodeRequestContended, Message: "a request between you is being processed, try again"}
		}
	}

	if err := l.withProfiles(ctx, l.users, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Accept resolves a pending request in favour of the recipient and returns
// the conversation it opened, as the recipient sees it. The whole step,
// including the returned view, is one transaction.
func (l *Ledger) Accept(ctx context.Context, requestID, actingUserID int64) (*models.ConversationRequest, *models.ConversationView, error) {
	var req *models.ConversationRequest
	var view *models.ConversationView

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = l.loadForRecipient(ctx, tx, requestID, actingUserID, models.RequestAccepted)
		if err != nil {
			return err
		}

		conv, _, err := l.store.GetOrCreateTx(ctx, tx, req.RequesterID, req.RecipientID)
		if err != nil {
			return err
		}

		at := l.now()
		if err := l.transition(ctx, tx, req, models.RequestAccepted, &conv.ID, at); err != nil {
			return err
		}

		if req.Message != "" {
			count, err := l.msgs.WithTx(tx).Count(ctx, conv.ID)
			if err != nil {
				return err
			}
			if count == 0 {
				if _, err := l.store.AppendTx(ctx, tx, conv.ID, req.RequesterID, req.Message); err != nil {
					return err
				}
			}
		}

		if err := l.withProfiles(ctx, l.users.WithTx(tx), req); err != nil {
			return err
		}
		view, err = l.store.GetTx(ctx, tx, conv.ID, actingUserID)
		return err
	})
	if err != nil {
		return nil, nil, err
	}

	return req, view, nil
}

// Deny resolves a pending request against the requester. A denied request
// does not block a later one between the same users.
func (l *Ledger) Deny(ctx context.Context, requestID, actingUserID int64) (*models.ConversationRequest, error) {
	var req *models.ConversationRequest

	err := l.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		req, err = l.loadForRecipient(ctx, tx, requestID, actingUserID, models.RequestDenied)
		if err != nil {
			return err
		}
		if err := l.transition(ctx, tx, req, models.RequestDenied, nil, l.now()); err != nil {
			return err
		}
		return l.withProfiles(ctx, l.users.WithTx(tx), req)
	})
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListFor returns pending requests addressed to userID and requests userID
// sent that were not accepted.
func (l *Ledger) ListFor(ctx context.Context, userID int64) (*models.RequestList, error) {
	received, err := l.requests.GetReceivedPending(ctx, userID)
	if err != nil {
		return nil, err
	}
	sent, err := l.requests.GetSentUnaccepted(ctx, userID)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, 0, len(received)+len(sent)+1)
	ids = append(ids, userID)
	for _, r := range received {
		ids = append(ids, r.Counterpart(userID))
	}
	for _, r := range sent {
		ids = append(ids, r.Counterpart(userID))
	}

	users, err := l.users.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range received {
		l.attach(&received[i], users)
	}
	for i := range sent {
		l.attach(&sent[i], users)
	}

	return &models.RequestList{Received: received, Sent: sent}, nil
}

// loadForRecipient fetches a request the acting user may resolve.
func (l *Ledger) loadForRecipient(ctx context.Context, tx *sql.Tx, requestID, actingUserID int64, to models.RequestStatus) (*models.ConversationRequest, error) {
	req, err := l.requests.WithTx(tx).GetByID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if req.RecipientID != actingUserID {
		return nil, ErrForbidden
	}
	if req.Status.Terminal() || !req.Status.CanTransition(to) {
		return nil, resolved(req.Status)
	}
	return req, nil
}

func (l *Ledger) transition(ctx context.Context, tx *sql.Tx, req *models.ConversationRequest, to models.RequestStatus, conversationID *int64, at time.Time) error {
	ok, err := l.requests.WithTx(tx).Transition(ctx, req.ID, req.Status, to, conversationID, at)
	if err != nil {
		return err
	}
	if !ok {
		return resolved("")
	}

	req.Status = to
	req.ConversationID = conversationID
	req.RespondedAt = &at
	return nil
}

func (l *Ledger) withProfiles(ctx context.Context, repo *repository.UserRepository, req *models.ConversationRequest) error {
	users, err := repo.GetByIDs(ctx, []int64{req.RequesterID, req.RecipientID})
	if err != nil {
		return err
	}
	l.attach(req, users)
	return nil
}

func (l *Ledger) attach(req *models.ConversationRequest, users map[int64]models.User) {
	if u, ok := users[req.RequesterID]; ok {
		p := l.store.Profile(u)
		req.Requester = &p
	}
	if u, ok := users[req.RecipientID]; ok {
		p := l.store.Profile(u)
		req.Recipient = &p
	}
}

func conflictFor(active *models.ConversationRequest, userID int64) error {
	switch {
	case active.Status == models.RequestAccepted && active.ConversationID != nil:
		return alreadyConnected(*active.ConversationID)
	case active.Status == models.RequestAccepted:
		return &ConflictError{Code: CodeAlreadyConnected, Message: "you already have a conversation with this user"}
	case active.RequesterID == userID:
		return &ConflictError{Code: CodeRequestAlreadySent, Message: "you already have a pending request with this user"}
	default:
		return &ConflictError{Code: CodeRequestAlreadyReceived, Message: "this user already sent you a request, check your inbox"}
	}
}

func alreadyConnected(conversationID int64) error {
	id := conversationID
	return &ConflictError{
		Code:           CodeAlreadyConnected,
		Message:        "you already have a conversation with this user",
		ConversationID: &id,
	}
}

func resolved(status models.RequestStatus) error {
	msg := "this request has already been resolved"
	if status != "" {
		msg = fmt.Sprintf("this request has already been %s", status)
	}
	return &ConflictError{Code: CodeRequestResolved, Message: msg}
}
