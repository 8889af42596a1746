package messaging

import (
	"context"
	"database/sql"
	"time"

	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/repository"
)

// ReadTracker moves messages from unread to read on behalf of a viewer.
type ReadTracker struct {
	db    *database.DB
	store *Store
	msgs  *repository.MessageRepository
	now   func() time.Time
}

func NewReadTracker(db *database.DB, store *Store) *ReadTracker {
	return &ReadTracker{
		db:    db,
		store: store,
		msgs:  repository.NewMessageRepository(db),
		now:   clock,
	}
}

// MarkRead marks the counterpart's unread messages as read. When upToID is
// positive only messages with id <= upToID are marked, so a message that
// arrived after the viewer's last fetch stays unread. It returns the number
// of messages that changed and is safe to repeat.
func (t *ReadTracker) MarkRead(ctx context.Context, conversationID, viewerID, upToID int64) (int64, error) {
	if upToID < 0 {
		return 0, invalid("up_to", "must not be negative")
	}

	var marked int64
	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		marked, err = t.markRead(ctx, tx, conversationID, viewerID, upToID)
		return err
	})
	return marked, err
}

// FetchAndMarkRead returns the conversation's messages and marks everything
// it returned as read, in one transaction.
func (t *ReadTracker) FetchAndMarkRead(ctx context.Context, conversationID, viewerID int64) ([]models.Message, int64, error) {
	var messages []models.Message
	var marked int64

	err := t.db.WithTx(ctx, func(tx *sql.Tx) error {
		msgs := t.msgs.WithTx(tx)
		if _, err := t.store.authorize(ctx, t.store.convs.WithTx(tx), conversationID, viewerID); err != nil {
			return err
		}

		var err error
		messages, err = t.store.messages(ctx, msgs, conversationID, viewerID, 0)
		if err != nil || len(messages) == 0 {
			return err
		}

		at := t.now()
		marked, err = msgs.MarkRead(ctx, conversationID, viewerID, maxID(messages), at)
		if err != nil {
			return err
		}
		for i := range messages {
			if !messages[i].Mine && messages[i].ReadAt == nil {
				messages[i].ReadAt = &at
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	return messages, marked, nil
}

func (t *ReadTracker) markRead(ctx context.Context, tx *sql.Tx, conversationID, viewerID, upToID int64) (int64, error) {
	if _, err := t.store.authorize(ctx, t.store.convs.WithTx(tx), conversationID, viewerID); err != nil {
		return 0, err
	}
	return t.msgs.WithTx(tx).MarkRead(ctx, conversationID, viewerID, upToID, t.now())
}

func maxID(messages []models.Message) int64 {
	var id int64
	for _, m := range messages {
		if m.ID > id {
			id = m.ID
		}
	}
	return id
}
