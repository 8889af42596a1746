package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tullo/inbox/internal/models"
)

type fakeAPI struct {
	mu        sync.Mutex
	convs     []models.ConversationView
	requests  *models.RequestList
	messages  map[int64][]models.Message
	convsErr  error
	reqErr    error
	convCalls int
	markReads []int64
	// markFails makes the next n MarkRead calls fail.
	markFails int

	// block, when set, holds Conversations until it is closed or ctx ends.
	block   chan struct{}
	started chan struct{}
}

func (f *fakeAPI) Conversations(ctx context.Context) ([]models.ConversationView, error) {
	f.mu.Lock()
	f.convCalls++
	block, started := f.block, f.started
	f.mu.Unlock()

	if block != nil {
		if started != nil {
			started <- struct{}{}
		}
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.convsErr != nil {
		return nil, f.convsErr
	}
	return append([]models.ConversationView(nil), f.convs...), nil
}

func (f *fakeAPI) Requests(context.Context) (*models.RequestList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reqErr != nil {
		return nil, f.reqErr
	}
	return f.requests, nil
}

func (f *fakeAPI) Messages(_ context.Context, conversationID, after int64) ([]models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Message
	for _, m := range f.messages[conversationID] {
		if m.ID > after {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, conversationID, upTo int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markFails > 0 {
		f.markFails--
		return 0, errors.New("mark read unavailable")
	}
	f.markReads = append(f.markReads, upTo)
	for i, c := range f.convs {
		if c.ID == conversationID {
			f.convs[i].UnreadCount = 0
		}
	}
	return 1, nil
}

type recorder struct {
	mu    sync.Mutex
	views []View
}

func (r *recorder) Render(v View) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.views = append(r.views, v)
}

func (r *recorder) last() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.views[len(r.views)-1]
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.views)
}

func conv(id int64, unread int) models.ConversationView {
	return models.ConversationView{
		Conversation: models.Conversation{ID: id},
		UnreadCount:  unread,
	}
}

func msg(id int64, mine bool) models.Message {
	return models.Message{ID: id, Mine: mine, CreatedAt: time.Date(2024, 5, 1, 12, 0, int(id), 0, time.UTC)}
}

func newTestPoller(api *fakeAPI) (*Poller, *recorder) {
	r := &recorder{}
	return New(api, r, Config{Interval: time.Hour, Timeout: time.Second}), r
}

func TestMount(t *testing.T) {
	tests := []struct {
		name       string
		reqErr     error
		wantNotice bool
	}{
		{name: "both lists load"},
		{name: "request failure becomes a notice", reqErr: errors.New("boom"), wantNotice: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{
				convs:    []models.ConversationView{conv(1, 2)},
				requests: &models.RequestList{Received: []models.ConversationRequest{{ID: 9}}},
				reqErr:   tt.reqErr,
			}
			p, r := newTestPoller(api)

			p.Mount(context.Background())

			require.Equal(t, 1, r.count())
			v := r.last()
			require.Len(t, v.Conversations, 1)
			require.Equal(t, 2, v.Unread())
			if tt.wantNotice {
				require.Contains(t, v.Notice, "requests")
				require.Nil(t, v.Requests)
			} else {
				require.Empty(t, v.Notice)
				require.Len(t, v.Requests.Received, 1)
			}
		})
	}
}

func TestOpen_MarksReadAndRefreshesList(t *testing.T) {
	api := &fakeAPI{
		convs:    []models.ConversationView{conv(1, 2)},
		messages: map[int64][]models.Message{1: {msg(10, false), msg(11, false), msg(12, true)}},
	}
	p, r := newTestPoller(api)

	require.NoError(t, p.Open(context.Background(), 1))

	require.Equal(t, []int64{12}, api.markReads)
	v := r.last()
	require.Equal(t, int64(1), v.OpenID)
	require.Len(t, v.Messages, 3)
	require.Zero(t, v.Unread())
}

func TestOpen_RetriesFailedMarkRead(t *testing.T) {
	api := &fakeAPI{
		convs:     []models.ConversationView{conv(1, 2)},
		messages:  map[int64][]models.Message{1: {msg(10, false), msg(11, false)}},
		markFails: 1,
	}
	p, r := newTestPoller(api)
	ctx := context.Background()

	require.NoError(t, p.Open(ctx, 1))
	require.Contains(t, r.last().Notice, "mark read")
	require.Equal(t, 2, r.last().Unread())
	require.Empty(t, api.markReads)

	// No new messages arrive, yet the next tick still clears the badge.
	require.True(t, p.Tick(ctx))
	require.Equal(t, []int64{11}, api.markReads)
	require.Zero(t, r.last().Unread())

	require.True(t, p.Tick(ctx))
	require.Equal(t, []int64{11}, api.markReads)
	require.Zero(t, r.last().Unread())
}

func TestTick_AppendsNewMessages(t *testing.T) {
	api := &fakeAPI{
		convs:    []models.ConversationView{conv(1, 0)},
		messages: map[int64][]models.Message{1: {msg(10, false)}},
	}
	p, r := newTestPoller(api)
	ctx := context.Background()
	require.NoError(t, p.Open(ctx, 1))

	// Nothing new: no extra read marking.
	require.True(t, p.Tick(ctx))
	require.Equal(t, []int64{10}, api.markReads)

	api.mu.Lock()
	api.messages[1] = append(api.messages[1], msg(11, true), msg(12, false))
	api.mu.Unlock()

	require.True(t, p.Tick(ctx))
	require.Equal(t, []int64{10, 12}, api.markReads)
	ids := []int64{}
	for _, m := range r.last().Messages {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []int64{10, 11, 12}, ids)
}

func TestTick_RequestsOnlyOnRequestsTab(t *testing.T) {
	api := &fakeAPI{requests: &models.RequestList{}}
	p, r := newTestPoller(api)
	ctx := context.Background()

	require.True(t, p.Tick(ctx))
	require.Nil(t, r.last().Requests)

	p.SetTab(ctx, TabRequests)
	require.NotNil(t, r.last().Requests)
	require.Equal(t, TabRequests, r.last().Tab)

	api.mu.Lock()
	api.requests = &models.RequestList{Received: []models.ConversationRequest{{ID: 3}}}
	api.mu.Unlock()

	require.True(t, p.Tick(ctx))
	require.Len(t, r.last().Requests.Received, 1)
}

func TestTick_SkipsWhileInFlight(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{}), started: make(chan struct{}, 1)}
	p, _ := newTestPoller(api)
	ctx := context.Background()

	done := make(chan bool)
	go func() { done <- p.Tick(ctx) }()
	<-api.started

	require.False(t, p.Tick(ctx))
	require.Equal(t, int64(1), p.Skipped())

	close(api.block)
	require.True(t, <-done)
	require.True(t, p.Tick(ctx))
}

func TestTick_FailuresBecomeNotices(t *testing.T) {
	api := &fakeAPI{block: make(chan struct{})}
	r := &recorder{}
	p := New(api, r, Config{Interval: time.Hour, Timeout: 20 * time.Millisecond})
	ctx := context.Background()

	require.True(t, p.Tick(ctx))
	require.Contains(t, r.last().Notice, "conversations")

	api.mu.Lock()
	api.block = nil
	api.convsErr = errors.New("server unavailable")
	api.mu.Unlock()

	require.True(t, p.Tick(ctx))
	require.Contains(t, r.last().Notice, "server unavailable")

	api.mu.Lock()
	api.convsErr = nil
	api.convs = []models.ConversationView{conv(4, 1)}
	api.mu.Unlock()

	require.True(t, p.Tick(ctx))
	require.Len(t, r.last().Conversations, 1)
	// Notices stay until dismissed.
	require.NotEmpty(t, r.last().Notice)

	p.Dismiss()
	require.Empty(t, r.last().Notice)
}

func TestRun_StopsOnCancel(t *testing.T) {
	api := &fakeAPI{}
	r := &recorder{}
	p := New(api, r, Config{Interval: 5 * time.Millisecond, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return r.count() >= 3 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	api.mu.Lock()
	calls := api.convCalls
	api.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	api.mu.Lock()
	defer api.mu.Unlock()
	require.Equal(t, calls, api.convCalls)
}

func TestClose(t *testing.T) {
	api := &fakeAPI{messages: map[int64][]models.Message{2: {msg(1, true)}}}
	p, r := newTestPoller(api)
	require.NoError(t, p.Open(context.Background(), 2))

	p.Close()
	require.Zero(t, r.last().OpenID)
	require.Empty(t, r.last().Messages)
}
