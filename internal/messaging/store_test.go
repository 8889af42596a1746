package messaging

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tullo/inbox/internal/models"
	"github.com/tullo/inbox/internal/testutil/testdb"
)

func TestStore_GetOrCreate_Concurrent(t *testing.T) {
	eachDriver(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		const workers = 10

		var wg sync.WaitGroup
		ids := make([]int64, workers)
		created := make([]bool, workers)
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, b := f.alice, f.bob
				if i%2 == 1 {
					a, b = b, a
				}
				conv, ok, err := f.store.GetOrCreate(ctx, a, b)
				errs[i] = err
				if err == nil {
					ids[i] = conv.ID
					created[i] = ok
				}
			}(i)
		}
		wg.Wait()

		winners := 0
		for i := range errs {
			require.NoError(t, errs[i])
			require.Equal(t, ids[0], ids[i])
			if created[i] {
				winners++
			}
		}
		require.Equal(t, 1, winners)

		count, err := f.convs.CountForPair(ctx, f.alice, f.bob)
		require.NoError(t, err)
		require.Equal(t, 1, count)
	})
}

func TestStore_GetOrCreate(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()

	first, created, err := f.store.GetOrCreate(ctx, f.bob, f.alice)
	require.NoError(t, err)
	require.True(t, created)
	require.Less(t, first.UserAID, first.UserBID)

	second, created, err := f.store.GetOrCreate(ctx, f.alice, f.bob)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	_, _, err = f.store.GetOrCreate(ctx, f.alice, f.alice)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, _, err = f.store.GetOrCreate(ctx, f.alice, 424242)
	require.ErrorAs(t, err, &ve)
}

func TestStore_Append_Validation(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	conv := f.connect(t, f.alice, f.bob)

	tests := []struct {
		name    string
		sender  int64
		content string
		wantErr func(t *testing.T, err error)
	}{
		{
			name:    "empty",
			sender:  f.alice,
			content: "",
			wantErr: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				require.Equal(t, "content", ve.Field)
			},
		},
		{
			name:    "whitespace only",
			sender:  f.alice,
			content: " \n\t ",
			wantErr: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
			},
		},
		{
			name:    "too long",
			sender:  f.alice,
			content: strings.Repeat("é", models.MaxContentLength+1),
			wantErr: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
			},
		},
		{
			name:    "longest allowed",
			sender:  f.bob,
			content: strings.Repeat("é", models.MaxContentLength),
		},
		{
			name:    "not a participant",
			sender:  f.carol,
			content: "let me in",
			wantErr: func(t *testing.T, err error) {
				require.True(t, IsForbidden(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := f.store.Append(context.Background(), conv.ID, tt.sender, tt.content)
			if tt.wantErr != nil {
				tt.wantErr(t, err)
				require.Nil(t, msg)
				return
			}
			require.NoError(t, err)
			require.NotZero(t, msg.ID)
			require.True(t, msg.Mine)
		})
	}

	count, err := f.ledger.msgs.Count(context.Background(), conv.ID)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestStore_MessagesFor_TotalOrder(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()
	conv := f.connect(t, f.alice, f.bob)

	// Every message shares one timestamp; ids break the tie.
	f.useClock(&fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)})

	senders := []int64{f.alice, f.bob, f.alice, f.bob, f.bob}
	for i, sender := range senders {
		_, err := f.store.Append(ctx, conv.ID, sender, strings.Repeat("m", i+1))
		require.NoError(t, err)
	}

	first, err := f.store.MessagesFor(ctx, conv.ID, f.alice, 0)
	require.NoError(t, err)
	require.Len(t, first, len(senders))
	for i := 1; i < len(first); i++ {
		require.True(t, first[i-1].Before(&first[i]))
		require.Less(t, first[i-1].ID, first[i].ID)
	}

	for i := 0; i < 3; i++ {
		again, err := f.store.MessagesFor(ctx, conv.ID, f.bob, 0)
		require.NoError(t, err)
		for j := range again {
			require.Equal(t, first[j].ID, again[j].ID)
			require.Equal(t, first[j].Sender, again[j].Sender)
			require.Equal(t, !first[j].Mine, again[j].Mine)
		}
	}

	newer, err := f.store.MessagesFor(ctx, conv.ID, f.alice, first[2].ID)
	require.NoError(t, err)
	require.Len(t, newer, 2)
	require.Equal(t, first[3].ID, newer[0].ID)

	_, err = f.store.MessagesFor(ctx, conv.ID, f.carol, 0)
	require.True(t, IsForbidden(err))
}

func TestStore_ListFor(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()
	f.useClock(&fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), step: time.Minute})
	f.store.presence = fakePresence{f.carol: true}

	withBob := f.connect(t, f.alice, f.bob)
	withCarol := f.connect(t, f.carol, f.alice)

	views, err := f.store.ListFor(ctx, f.alice)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.Equal(t, withCarol.ID, views[0].ID)
	require.True(t, views[0].OtherUserOnline)
	require.Nil(t, views[0].LastMessage)

	// A new message moves the conversation to the top.
	_, err = f.store.Append(ctx, withBob.ID, f.bob, "ping")
	require.NoError(t, err)

	views, err = f.store.ListFor(ctx, f.alice)
	require.NoError(t, err)
	require.Equal(t, withBob.ID, views[0].ID)
	require.Equal(t, "Bob", views[0].OtherUser.DisplayName)
	require.False(t, views[0].OtherUserOnline)
	require.NotNil(t, views[0].LastMessage)
	require.Equal(t, "ping", views[0].LastMessage.Content)
	require.False(t, views[0].LastMessage.Mine)
	require.Equal(t, 1, views[0].UnreadCount)
	require.True(t, views[0].UpdatedAt.After(views[1].UpdatedAt))

	views, err = f.store.ListFor(ctx, f.bob)
	require.NoError(t, err)
	require.Len(t, views, 1)
	require.Equal(t, "Alice", views[0].OtherUser.DisplayName)
	require.Zero(t, views[0].UnreadCount)

	_, err = f.store.Get(ctx, withBob.ID, f.carol)
	require.True(t, IsForbidden(err))
	_, err = f.store.Get(ctx, withBob.ID+100, f.alice)
	require.True(t, IsForbidden(err))
}

func TestReadTracker_UnreadCount(t *testing.T) {
	eachDriver(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		conv := f.connect(t, f.alice, f.bob)

		for _, body := range []string{"one", "two", "three"} {
			_, err := f.store.Append(ctx, conv.ID, f.alice, body)
			require.NoError(t, err)
		}
		require.Equal(t, 3, f.unread(t, conv.ID, f.bob))
		require.Equal(t, 0, f.unread(t, conv.ID, f.alice))

		marked, err := f.tracker.MarkRead(ctx, conv.ID, f.bob, 0)
		require.NoError(t, err)
		require.Equal(t, int64(3), marked)
		require.Equal(t, 0, f.unread(t, conv.ID, f.bob))

		marked, err = f.tracker.MarkRead(ctx, conv.ID, f.bob, 0)
		require.NoError(t, err)
		require.Zero(t, marked)
		require.Equal(t, 0, f.unread(t, conv.ID, f.bob))

		_, err = f.store.Append(ctx, conv.ID, f.alice, "four")
		require.NoError(t, err)
		require.Equal(t, 1, f.unread(t, conv.ID, f.bob))
	})
}

func TestReadTracker_MarkRead_LeavesNewerMessagesUnread(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()
	conv := f.connect(t, f.alice, f.bob)

	seen, err := f.store.Append(ctx, conv.ID, f.alice, "seen")
	require.NoError(t, err)

	fetched, err := f.store.MessagesFor(ctx, conv.ID, f.bob, 0)
	require.NoError(t, err)
	require.Len(t, fetched, 1)

	// Arrives after the viewer's fetch, before the read call.
	_, err = f.store.Append(ctx, conv.ID, f.alice, "late")
	require.NoError(t, err)

	marked, err := f.tracker.MarkRead(ctx, conv.ID, f.bob, fetched[len(fetched)-1].ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), marked)
	require.Equal(t, 1, f.unread(t, conv.ID, f.bob))

	messages, err := f.store.MessagesFor(ctx, conv.ID, f.bob, 0)
	require.NoError(t, err)
	require.Equal(t, seen.ID, messages[0].ID)
	require.NotNil(t, messages[0].ReadAt)
	require.Nil(t, messages[1].ReadAt)
}

func TestReadTracker_ConcurrentSendAndRead(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()
	conv := f.connect(t, f.alice, f.bob)

	const sends = 20
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < sends; i++ {
			_, err := f.store.Append(ctx, conv.ID, f.alice, "tick")
			assert.NoError(t, err)
		}
	}()

	var readTotal int64
	go func() {
		defer wg.Done()
		for i := 0; i < sends; i++ {
			_, marked, err := f.tracker.FetchAndMarkRead(ctx, conv.ID, f.bob)
			assert.NoError(t, err)
			readTotal += marked
		}
	}()
	wg.Wait()

	// Everything not yet marked by the reader is still counted as unread.
	require.Equal(t, sends-int(readTotal), f.unread(t, conv.ID, f.bob))
}

func TestReadTracker_Authorization(t *testing.T) {
	f := newFixture(t, testdb.NewSQLite(t))
	ctx := context.Background()
	conv := f.connect(t, f.alice, f.bob)

	_, err := f.tracker.MarkRead(ctx, conv.ID, f.carol, 0)
	require.True(t, IsForbidden(err))

	_, _, err = f.tracker.FetchAndMarkRead(ctx, conv.ID+1, f.alice)
	require.True(t, IsForbidden(err))

	_, err = f.tracker.MarkRead(ctx, conv.ID, f.alice, -1)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStore_Append_IncrementalReadsMissNothing(t *testing.T) {
	eachDriver(t, func(t *testing.T, f *fixture) {
		ctx := context.Background()
		conv := f.connect(t, f.alice, f.bob)

		const writers, perWriter = 4, 10
		var writes sync.WaitGroup
		for w := 0; w < writers; w++ {
			sender := f.alice
			if w%2 == 1 {
				sender = f.bob
			}
			writes.Add(1)
			go func() {
				defer writes.Done()
				for i := 0; i < perWriter; i++ {
					_, err := f.store.Append(ctx, conv.ID, sender, "burst")
					assert.NoError(t, err)
				}
			}()
		}
		done := make(chan struct{})
		go func() {
			writes.Wait()
			close(done)
		}()

		seen := map[int64]bool{}
		var cursor int64
		poll := func() {
			messages, err := f.store.MessagesFor(ctx, conv.ID, f.bob, cursor)
			require.NoError(t, err)
			for _, m := range messages {
				seen[m.ID] = true
				cursor = max(cursor, m.ID)
			}
		}

		// Bob polls incrementally and marks what he has seen, like the client does.
		markedSeen := map[int64]bool{}
		for polling := true; polling; {
			select {
			case <-done:
				polling = false
			default:
			}
			poll()
			if cursor > 0 {
				_, err := f.tracker.MarkRead(ctx, conv.ID, f.bob, cursor)
				require.NoError(t, err)
				for id := range seen {
					markedSeen[id] = true
				}
			}
		}
		poll()

		all, err := f.store.MessagesFor(ctx, conv.ID, f.bob, 0)
		require.NoError(t, err)
		require.Len(t, all, writers*perWriter)
		for _, m := range all {
			require.True(t, seen[m.ID], "message %d never returned by an incremental read", m.ID)
			if !m.Mine && m.ReadAt != nil {
				require.True(t, markedSeen[m.ID], "message %d marked read before it was returned", m.ID)
			}
		}
	})
}
