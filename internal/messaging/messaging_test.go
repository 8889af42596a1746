package messaging

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tullo/inbox/internal/alias"
	"github.com/tullo/inbox/internal/database"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/repository"
	"github.com/tullo/inbox/internal/testutil/testdb"
)

type fixture struct {
	db       *database.DB
	store    *Store
	ledger   *Ledger
	tracker  *ReadTracker
	requests *repository.RequestRepository
	convs    *repository.ConversationRepository

	alice, bob, carol int64
}

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now
	c.now = c.now.Add(c.step)
	return now
}

type fakePresence map[int64]bool

func (p fakePresence) IsOnline(_ context.Context, userID int64) bool {
	return p[userID]
}

func newFixture(t *testing.T, db *database.DB) *fixture {
	t.Helper()

	codec, err := alias.New("messaging-test-secret")
	require.NoError(t, err)

	store := NewStore(db, codec, nil)
	f := &fixture{
		db:       db,
		store:    store,
		ledger:   NewLedger(db, store),
		tracker:  NewReadTracker(db, store),
		requests: repository.NewRequestRepository(db),
		convs:    repository.NewConversationRepository(db),
	}

	users := repository.NewUserRepository(db)
	for _, u := range []struct {
		name string
		id   *int64
	}{
		{"Alice", &f.alice},
		{"Bob", &f.bob},
		{"Carol", &f.carol},
	} {
		user := &models.User{
			Email:       strings.ToLower(u.name) + "@example.com",
			DisplayName: u.name,
			CreatedAt:   clock(),
		}
		require.NoError(t, users.Create(context.Background(), user))
		*u.id = user.ID
	}

	return f
}

// useClock makes every component read time from clk.
func (f *fixture) useClock(clk *fakeClock) {
	f.store.now = clk.Now
	f.ledger.now = clk.Now
	f.tracker.now = clk.Now
}

func (f *fixture) connect(t *testing.T, a, b int64) *models.Conversation {
	t.Helper()
	ctx := context.Background()
	req, err := f.ledger.Create(ctx, a, b, "")
	require.NoError(t, err)
	_, view, err := f.ledger.Accept(ctx, req.ID, b)
	require.NoError(t, err)
	return &view.Conversation
}

func (f *fixture) unread(t *testing.T, conversationID, viewerID int64) int {
	t.Helper()
	view, err := f.store.Get(context.Background(), conversationID, viewerID)
	require.NoError(t, err)
	return view.UnreadCount
}

// eachDriver runs fn against SQLite and, when a container runtime is
// available, Postgres.
func eachDriver(t *testing.T, fn func(t *testing.T, f *fixture)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, newFixture(t, testdb.NewSQLite(t)))
	})
	t.Run("postgres", func(t *testing.T) {
		fn(t, newFixture(t, testdb.NewPostgres(t)))
	})
}

func requireConflict(t *testing.T, err error, code string) *ConflictError {
	t.Helper()
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, code, ce.Code)
	return ce
}

func TestEndToEnd(t *testing.T) {
	eachDriver(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()

		req, err := f.ledger.Create(ctx, f.alice, f.bob, "hi")
		require.NoError(t, err)
		require.Equal(t, models.RequestPending, req.Status)

		inbox, err := f.ledger.ListFor(ctx, f.bob)
		require.NoError(t, err)
		require.Len(t, inbox.Received, 1)
		require.Equal(t, req.ID, inbox.Received[0].ID)
		require.Equal(t, "Alice", inbox.Received[0].Requester.DisplayName)
		require.Equal(t, f.store.aliases.Encode(f.alice), inbox.Received[0].Requester.Alias)

		accepted, conv, err := f.ledger.Accept(ctx, req.ID, f.bob)
		require.NoError(t, err)
		require.Equal(t, models.RequestAccepted, accepted.Status)
		require.NotNil(t, accepted.ConversationID)
		require.Equal(t, conv.ID, *accepted.ConversationID)
		require.True(t, conv.HasParticipant(f.alice))
		require.True(t, conv.HasParticipant(f.bob))

		aliceList, err := f.store.ListFor(ctx, f.alice)
		require.NoError(t, err)
		require.Len(t, aliceList, 1)
		require.Equal(t, "Bob", aliceList[0].OtherUser.DisplayName)

		bobList, err := f.store.ListFor(ctx, f.bob)
		require.NoError(t, err)
		require.Len(t, bobList, 1)
		require.Equal(t, "Alice", bobList[0].OtherUser.DisplayName)
		require.Equal(t, aliceList[0].ID, bobList[0].ID)

		// The note "hi" was seeded as the first message.
		require.Equal(t, 1, bobList[0].UnreadCount)
		_, err = f.tracker.MarkRead(ctx, conv.ID, f.bob, 0)
		require.NoError(t, err)

		_, err = f.store.Append(ctx, conv.ID, f.alice, "hello")
		require.NoError(t, err)
		require.Equal(t, 1, f.unread(t, conv.ID, f.bob))

		messages, marked, err := f.tracker.FetchAndMarkRead(ctx, conv.ID, f.bob)
		require.NoError(t, err)
		require.Len(t, messages, 2)
		require.Equal(t, int64(1), marked)
		require.Equal(t, "hi", messages[0].Content)
		require.Equal(t, "hello", messages[1].Content)
		require.Equal(t, 0, f.unread(t, conv.ID, f.bob))
	})
}

func TestLedger_Create_Validation(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))

	tests := []struct {
		name      string
		recipient int64
		message   string
		field     string
	}{
		{name: "self", recipient: f.alice, field: "recipient"},
		{name: "unknown recipient", recipient: 999999, field: "recipient"},
		{name: "note too long", recipient: f.bob, message: strings.Repeat("x", models.MaxContentLength+1), field: "message"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.Create(context.Background(), f.alice, tt.recipient, tt.message)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			require.Equal(t, tt.field, ve.Field)
		})
	}

	count, err := f.requests.CountForPair(context.Background(), f.alice, f.bob, models.RequestPending)
	require.NoError(t, err)
	require.Zero(t, count)
}

func TestLedger_Create_Conflicts(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, f.alice, f.bob, "  hi  ")
	require.NoError(t, err)
	require.Equal(t, "hi", req.Message)

	_, err = f.ledger.Create(ctx, f.alice, f.bob, "again")
	requireConflict(t, err, CodeRequestAlreadySent)

	_, err = f.ledger.Create(ctx, f.bob, f.alice, "")
	requireConflict(t, err, CodeRequestAlreadyReceived)

	count, err := f.requests.CountForPair(ctx, f.alice, f.bob, models.RequestPending)
	require.NoError(t, err)
	require.Equal(t, 1, count)

	_, conv, err := f.ledger.Accept(ctx, req.ID, f.bob)
	require.NoError(t, err)

	for _, pair := range [][2]int64{{f.alice, f.bob}, {f.bob, f.alice}} {
		_, err = f.ledger.Create(ctx, pair[0], pair[1], "")
		ce := requireConflict(t, err, CodeAlreadyConnected)
		require.NotNil(t, ce.ConversationID)
		require.Equal(t, conv.ID, *ce.ConversationID)
	}
}

func TestLedger_Create_ConcurrentSubmissions(t *testing.T) {
	eachDriver(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		const workers = 8

		var wg sync.WaitGroup
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				from, to := f.alice, f.bob
				if i%2 == 1 {
					from, to = f.bob, f.alice
				}
				_, errs[i] = f.ledger.Create(ctx, from, to, "hi")
			}(i)
		}
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			require.True(t, IsConflict(err, ""), "unexpected error: %v", err)
		}
		require.Equal(t, 1, succeeded)

		count, err := f.requests.CountForPair(ctx, f.alice, f.bob, models.RequestPending)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})
}

func TestLedger_Respond_Authorization(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, f.alice, f.bob, "")
	require.NoError(t, err)

	tests := []struct {
		name  string
		id    int64
		actor int64
	}{
		{name: "stranger accepts", id: req.ID, actor: f.carol},
		{name: "requester accepts own request", id: req.ID, actor: f.alice},
		{name: "missing request", id: req.ID + 100, actor: f.bob},
	}

	var messages []string
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.ledger.Accept(ctx, tt.id, tt.actor)
			require.True(t, IsForbidden(err))
			messages = append(messages, err.Error())

			_, err = f.ledger.Deny(ctx, tt.id, tt.actor)
			require.True(t, IsForbidden(err))
		})
	}

	// Missing and not-yours look the same.
	for _, m := range messages {
		require.Equal(t, messages[0], m)
	}

	stored, err := f.requests.GetByID(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, models.RequestPending, stored.Status)
}

func TestLedger_Respond_Resolved(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()

	accepted, err := f.ledger.Create(ctx, f.alice, f.bob, "")
	require.NoError(t, err)
	_, _, err = f.ledger.Accept(ctx, accepted.ID, f.bob)
	require.NoError(t, err)

	_, _, err = f.ledger.Accept(ctx, accepted.ID, f.bob)
	requireConflict(t, err, CodeRequestResolved)
	_, err = f.ledger.Deny(ctx, accepted.ID, f.bob)
	requireConflict(t, err, CodeRequestResolved)

	denied, err := f.ledger.Create(ctx, f.carol, f.bob, "")
	require.NoError(t, err)
	_, err = f.ledger.Deny(ctx, denied.ID, f.bob)
	require.NoError(t, err)

	_, _, err = f.ledger.Accept(ctx, denied.ID, f.bob)
	requireConflict(t, err, CodeRequestResolved)
}

func TestLedger_Accept_SeedsNote(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()

	withNote, err := f.ledger.Create(ctx, f.alice, f.bob, "hi there")
	require.NoError(t, err)
	accepted, conv, err := f.ledger.Accept(ctx, withNote.ID, f.bob)
	require.NoError(t, err)

	// The returned view is the recipient's, built before the accept committed.
	require.Equal(t, "Alice", conv.OtherUser.DisplayName)
	require.Equal(t, 1, conv.UnreadCount)
	require.NotNil(t, conv.LastMessage)
	require.Equal(t, "hi there", conv.LastMessage.Content)
	require.False(t, conv.LastMessage.Mine)
	require.NotNil(t, accepted.Requester)
	require.Equal(t, "Alice", accepted.Requester.DisplayName)

	messages, err := f.store.MessagesFor(ctx, conv.ID, f.alice, 0)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Equal(t, "hi there", messages[0].Content)
	require.Equal(t, f.alice, messages[0].SenderID)
	require.True(t, messages[0].Mine)

	withoutNote, err := f.ledger.Create(ctx, f.carol, f.bob, "")
	require.NoError(t, err)
	_, conv, err = f.ledger.Accept(ctx, withoutNote.ID, f.bob)
	require.NoError(t, err)

	messages, err = f.store.MessagesFor(ctx, conv.ID, f.bob, 0)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func TestLedger_Create_RetriesWhenBlockingRequestIsDenied(t *testing.T) {
	eachDriver(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		first, err := f.ledger.Create(ctx, f.alice, f.bob, "first")
		require.NoError(t, err)

		// Bob denies the first request after Alice's second insert lost to it
		// but before the ledger reads the blocking request back.
		denied := false
		f.ledger.testHookConflict = func() {
			if denied {
				return
			}
			denied = true
			_, err := f.ledger.Deny(ctx, first.ID, f.bob)
			require.NoError(t, err)
		}

		second, err := f.ledger.Create(ctx, f.alice, f.bob, "second")
		require.NoError(t, err)
		require.True(t, denied)
		require.NotEqual(t, first.ID, second.ID)
		require.Equal(t, models.RequestPending, second.Status)

		sent, err := f.ledger.ListFor(ctx, f.alice)
		require.NoError(t, err)
		require.Len(t, sent.Sent, 2)
	})
}

func TestLedger_Deny_AllowsNewRequest(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()

	req, err := f.ledger.Create(ctx, f.alice, f.bob, "hi")
	require.NoError(t, err)

	denied, err := f.ledger.Deny(ctx, req.ID, f.bob)
	require.NoError(t, err)
	require.Equal(t, models.RequestDenied, denied.Status)
	require.NotNil(t, denied.RespondedAt)
	require.Nil(t, denied.ConversationID)

	count, err := f.convs.CountForPair(ctx, f.alice, f.bob)
	require.NoError(t, err)
	require.Zero(t, count)

	lists, err := f.ledger.ListFor(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, lists.Sent, 1)
	require.Equal(t, models.RequestDenied, lists.Sent[0].Status)

	lists, err = f.ledger.ListFor(ctx, f.bob)
	require.NoError(t, err)
	require.Empty(t, lists.Received)

	// Either side may ask again.
	again, err := f.ledger.Create(ctx, f.bob, f.alice, "sorry")
	require.NoError(t, err)
	require.NotEqual(t, req.ID, again.ID)
}

func TestLedger_ListFor(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()
	f.useClock(&fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), step: time.Second})

	toBob, err := f.ledger.Create(ctx, f.alice, f.bob, "")
	require.NoError(t, err)
	fromCarol, err := f.ledger.Create(ctx, f.carol, f.alice, "")
	require.NoError(t, err)
	toCarolAccepted, err := f.ledger.Create(ctx, f.bob, f.carol, "")
	require.NoError(t, err)
	_, _, err = f.ledger.Accept(ctx, toCarolAccepted.ID, f.carol)
	require.NoError(t, err)

	lists, err := f.ledger.ListFor(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, lists.Received, 1)
	require.Equal(t, fromCarol.ID, lists.Received[0].ID)
	require.Equal(t, "Carol", lists.Received[0].Requester.DisplayName)
	require.Len(t, lists.Sent, 1)
	require.Equal(t, toBob.ID, lists.Sent[0].ID)
	require.Equal(t, "Bob", lists.Sent[0].Recipient.DisplayName)

	// Accepted requests drop out of the sender's list.
	lists, err = f.ledger.ListFor(ctx, f.bob)
	require.NoError(t, err)
	require.Empty(t, lists.Sent)
	require.Len(t, lists.Received, 1)
	require.Equal(t, toBob.ID, lists.Received[0].ID)
}
