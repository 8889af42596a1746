// Package messaging owns conversation requests, conversations and the read
// state of their messages.
package messaging

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/repository"
)

// Presence reports whether a user was recently seen. A nil Presence means
// everyone is offline.
type Presence interface {
	IsOnline(ctx context.Context, userID int64) bool
}

// Store owns conversations and their messages.
type Store struct {
	db       *database.DB
	users    *repository.UserRepository
	convs    *repository.ConversationRepository
	msgs     *repository.MessageRepository
	aliases  *alias.Codec
	presence Presence
	now      func() time.Time
}

func NewStore(db *database.DB, aliases *alias.Codec, presence Presence) *Store {
	return &Store{
		db:       db,
		users:    repository.NewUserRepository(db),
		convs:    repository.NewConversationRepository(db),
		msgs:     repository.NewMessageRepository(db),
		aliases:  aliases,
		presence: presence,
		now:      clock,
	}
}

// clock returns the current time at the precision both databases store.
func clock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// GetOrCreate returns the conversation between a and b, creating it when
// absent. created is true only for the call that inserted the row.
func (s *Store) GetOrCreate(ctx context.Context, a, b int64) (conv *models.Conversation, created bool, err error) {
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		conv, created, err = s.GetOrCreateTx(ctx, tx, a, b)
		return err
	})
	return conv, created, err
}

// GetOrCreateTx is GetOrCreate inside an existing transaction.
func (s *Store) GetOrCreateTx(ctx context.Context, tx *sql.Tx, a, b int64) (*models.Conversation, bool, error) {
	if a == b {
		return nil, false, invalid("participants", "a conversation needs two different users")
	}

	users := s.users.WithTx(tx)
	for _, id := range []int64{a, b} {
		ok, err := users.Exists(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, invalid("participants", "unknown user")
		}
	}

	low, high := models.NormalizePair(a, b)
	convs := s.convs.WithTx(tx)

	id, inserted, err := convs.InsertIfAbsent(ctx, low, high, s.now())
	if err != nil {
		return nil, false, err
	}

	var conv *models.Conversation
	if inserted {
		conv, err = convs.GetByID(ctx, id)
	} else {
		conv, err = convs.GetByPair(ctx, low, high)
	}
	if err != nil {
		return nil, false, err
	}

	return conv, inserted, nil
}

// FindBetween returns the conversation between a and b, or nil when none exists.
func (s *Store) FindBetween(ctx context.Context, a, b int64) (*models.Conversation, error) {
	conv, err := s.convs.GetByPair(ctx, a, b)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return conv, err
}

// ListFor returns the viewer's conversations, most recently active first.
func (s *Store) ListFor(ctx context.Context, viewerID int64) ([]models.ConversationView, error) {
	rows, err := s.convs.GetByUserID(ctx, viewerID)
	if err != nil {
		return nil, err
	}

	views := make([]models.ConversationView, 0, len(rows))
	for _, row := range rows {
		view, err := s.view(ctx, s.msgs, row.Conversation, row.OtherUser, viewerID)
		if err != nil {
			return nil, err
		}
		views = append(views, *view)
	}

	return views, nil
}

// Get returns one conversation as seen by a participant.
func (s *Store) Get(ctx context.Context, conversationID, viewerID int64) (*models.ConversationView, error) {
	conv, err := s.authorize(ctx, s.convs, conversationID, viewerID)
	if err != nil {
		return nil, err
	}

	other, err := s.users.GetByID(ctx, conv.OtherUserID(viewerID))
	if err != nil {
		return nil, err
	}

	return s.view(ctx, s.msgs, *conv, *other, viewerID)
}

// GetTx is Get inside an existing transaction.
func (s *Store) GetTx(ctx context.Context, tx *sql.Tx, conversationID, viewerID int64) (*models.ConversationView, error) {
	conv, err := s.authorize(ctx, s.convs.WithTx(tx), conversationID, viewerID)
	if err != nil {
		return nil, err
	}

	other, err := s.users.WithTx(tx).GetByID(ctx, conv.OtherUserID(viewerID))
	if err != nil {
		return nil, err
	}

	return s.view(ctx, s.msgs.WithTx(tx), *conv, *other, viewerID)
}

// Append validates content and stores it as a new message from senderID.
func (s *Store) Append(ctx context.Context, conversationID, senderID int64, content string) (msg *models.Message, err error) {
	// Reject bad input before touching the database.
	if _, ok := models.NormalizeContent(content); !ok {
		return nil, contentError(content)
	}

	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		msg, err = s.AppendTx(ctx, tx, conversationID, senderID, content)
		return err
	})
	return msg, err
}

// AppendTx is Append inside an existing transaction.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, conversationID, senderID int64, content string) (*models.Message, error) {
	body, ok := models.NormalizeContent(content)
	if !ok {
		return nil, contentError(content)
	}

	convs := s.convs.WithTx(tx)
	if _, err := s.authorize(ctx, convs, conversationID, senderID); err != nil {
		return nil, err
	}
	if err := convs.Lock(ctx, conversationID); err != nil {
		return nil, err
	}

	at := s.now()
	msg := &models.Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        body,
		CreatedAt:      at,
	}
	if err := s.msgs.WithTx(tx).Create(ctx, msg); err != nil {
		return nil, err
	}
	if err := convs.Touch(ctx, conversationID, at); err != nil {
		return nil, err
	}

	s.decorate(msg, senderID)
	return msg, nil
}

// MessagesFor returns the conversation's messages in order. When afterID is
// positive only messages with a larger id are returned.
func (s *Store) MessagesFor(ctx context.Context, conversationID, viewerID, afterID int64) ([]models.Message, error) {
	if _, err := s.authorize(ctx, s.convs, conversationID, viewerID); err != nil {
		return nil, err
	}
	return s.messages(ctx, s.msgs, conversationID, viewerID, afterID)
}

func (s *Store) messages(ctx context.Context, msgs *repository.MessageRepository, conversationID, viewerID, afterID int64) ([]models.Message, error) {
	if afterID < 0 {
		return nil, invalid("after", "must not be negative")
	}

	messages, err := msgs.GetByConversationID(ctx, conversationID, afterID)
	if err != nil {
		return nil, err
	}
	for i := range messages {
		s.decorate(&messages[i], viewerID)
	}
	return messages, nil
}

// authorize loads a conversation and checks that userID takes part in it.
func (s *Store) authorize(ctx context.Context, convs *repository.ConversationRepository, conversationID, userID int64) (*models.Conversation, error) {
	conv, err := convs.GetByID(ctx, conversationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrForbidden
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(userID) {
		return nil, ErrForbidden
	}
	return conv, nil
}

func (s *Store) view(ctx context.Context, msgs *repository.MessageRepository, conv models.Conversation, other models.User, viewerID int64) (*models.ConversationView, error) {
	last, err := msgs.GetLatest(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if last != nil {
		s.decorate(last, viewerID)
	}

	unread, err := msgs.GetUnreadCount(ctx, conv.ID, viewerID)
	if err != nil {
		return nil, err
	}

	online := false
	if s.presence != nil {
		online = s.presence.IsOnline(ctx, other.ID)
	}

	return &models.ConversationView{
		Conversation:    conv,
		OtherUser:       s.Profile(other),
		OtherUserOnline: online,
		LastMessage:     last,
		UnreadCount:     unread,
	}, nil
}

// Profile returns the public face of a user.
func (s *Store) Profile(u models.User) models.PublicUser {
	return models.PublicUser{
		Alias:       s.aliases.Encode(u.ID),
		DisplayName: u.DisplayName,
	}
}

func (s *Store) decorate(msg *models.Message, viewerID int64) {
	msg.Sender = s.aliases.Encode(msg.SenderID)
	msg.Mine = msg.SenderID == viewerID
}

func contentError(content string) error {
	body, _ := models.NormalizeContent(content)
	if body == "" {
		return invalid("content", "must not be empty")
	}
	return invalid("content", fmt.Sprintf("must be at most %d characters", models.MaxContentLength))
}
