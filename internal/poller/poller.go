// Package poller keeps a client-side view of conversations, requests and the
// open conversation in sync with the server by polling on a fixed interval.
package poller

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tullo/inbox/internal/models"
	"golang.org/x/sync/errgroup"
)

// API is the subset of the REST client the poller needs.
type API interface {
	Conversations(ctx context.Context) ([]models.ConversationView, error)
	Requests(ctx context.Context) (*models.RequestList, error)
	Messages(ctx context.Context, conversationID, after int64) ([]models.Message, error)
	MarkRead(ctx context.Context, conversationID, upTo int64) (int64, error)
}

// Display receives every computed view.
type Display interface {
	Render(View)
}

type Tab int

const (
	TabConversations Tab = iota
	TabRequests
)

func (t Tab) String() string {
	if t == TabRequests {
		return "requests"
	}
	return "conversations"
}

// View is the state handed to a Display.
type View struct {
	Tab           Tab
	Conversations []models.ConversationView
	Requests      *models.RequestList
	OpenID        int64
	Messages      []models.Message
	// Notice is a transient, dismissible message about the last failure.
	Notice    string
	UpdatedAt time.Time
}

// Unread sums unread messages across all conversations.
func (v View) Unread() int {
	total := 0
	for _, c := range v.Conversations {
		total += c.UnreadCount
	}
	return total
}

type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Logger   *log.Logger
}

// Poller reconciles a View with the server. Ticks never overlap: a tick that
// finds the previous refresh still running is skipped.
type Poller struct {
	api     API
	display Display
	cfg     Config
	logger  *log.Logger

	mu   sync.Mutex
	view View

	renderMu sync.Mutex
	inFlight atomic.Bool
	skipped  atomic.Int64
	wg       sync.WaitGroup
}

func New(api API, display Display, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Poller{
		api:     api,
		display: display,
		cfg:     cfg,
		logger:  logger.WithPrefix("poller"),
	}
}

// Mount loads the conversation and request lists concurrently and renders
// once both have settled.
func (p *Poller) Mount(ctx context.Context) {
	var (
		convs    []models.ConversationView
		requests *models.RequestList
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		convs, err = fetch(gctx, p.cfg.Timeout, p.api.Conversations)
		return wrap("conversations", err)
	})
	g.Go(func() error {
		var err error
		requests, err = fetch(gctx, p.cfg.Timeout, p.api.Requests)
		return wrap("requests", err)
	})
	err := g.Wait()

	p.update(func(v *View) {
		if convs != nil {
			v.Conversations = convs
		}
		if requests != nil {
			v.Requests = requests
		}
	}, err)
}

// Run mounts and then refreshes every interval until ctx is cancelled. It
// returns once the in-flight refresh, if any, has finished.
func (p *Poller) Run(ctx context.Context) error {
	p.Mount(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return nil
		case <-ticker.C:
			p.tickAsync(ctx)
		}
	}
}

func (p *Poller) tickAsync(ctx context.Context) {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.noteSkip()
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.inFlight.Store(false)
		p.refresh(ctx)
	}()
}

// Tick runs one refresh synchronously. It returns false without doing
// anything when another refresh is still running.
func (p *Poller) Tick(ctx context.Context) bool {
	if !p.inFlight.CompareAndSwap(false, true) {
		p.noteSkip()
		return false
	}
	defer p.inFlight.Store(false)
	p.refresh(ctx)
	return true
}

func (p *Poller) noteSkip() {
	n := p.skipped.Add(1)
	p.logger.Debug("tick skipped, refresh still running", "skipped", n)
}

// Skipped counts ticks dropped because a refresh was in flight.
func (p *Poller) Skipped() int64 {
	return p.skipped.Load()
}

func (p *Poller) refresh(ctx context.Context) {
	snapshot := p.View()

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	convs, err := fetch(ctx, p.cfg.Timeout, p.api.Conversations)
	note(wrap("conversations", err))

	var requests *models.RequestList
	if snapshot.Tab == TabRequests {
		requests, err = fetch(ctx, p.cfg.Timeout, p.api.Requests)
		note(wrap("requests", err))
	}

	var fresh []models.Message
	if snapshot.OpenID != 0 {
		after := lastID(snapshot.Messages)
		fresh, err = fetch(ctx, p.cfg.Timeout, func(ctx context.Context) ([]models.Message, error) {
			return p.api.Messages(ctx, snapshot.OpenID, after)
		})
		note(wrap("messages", err))
		// Unread left behind by a failed mark is retried here as well.
		if err == nil && (hasIncoming(fresh) || unreadIn(convs, snapshot.OpenID) > 0) {
			if upTo := max(after, lastID(fresh)); upTo > 0 {
				markErr := p.markRead(ctx, snapshot.OpenID, upTo)
				note(wrap("mark read", markErr))
				if markErr == nil {
					clearUnread(convs, snapshot.OpenID)
				}
			}
		}
	}

	p.update(func(v *View) {
		if convs != nil {
			v.Conversations = convs
		}
		if requests != nil {
			v.Requests = requests
		}
		// The user may have switched conversations while we were fetching.
		if v.OpenID == snapshot.OpenID && len(fresh) > 0 {
			v.Messages = appendNew(v.Messages, fresh)
		}
	}, firstErr)
}

// Open shows a conversation: its messages are fetched, marked read up to the
// last one fetched, and the conversation list is refreshed so the unread
// badge clears.
func (p *Poller) Open(ctx context.Context, conversationID int64) error {
	messages, err := fetch(ctx, p.cfg.Timeout, func(ctx context.Context) ([]models.Message, error) {
		return p.api.Messages(ctx, conversationID, 0)
	})
	if err != nil {
		err = wrap("messages", err)
		p.update(nil, err)
		return err
	}

	var markErr error
	if id := lastID(messages); id > 0 {
		markErr = wrap("mark read", p.markRead(ctx, conversationID, id))
	}

	convs, listErr := fetch(ctx, p.cfg.Timeout, p.api.Conversations)
	if markErr == nil {
		markErr = wrap("conversations", listErr)
	}

	p.update(func(v *View) {
		v.OpenID = conversationID
		v.Messages = messages
		if convs != nil {
			v.Conversations = convs
		}
	}, markErr)
	return nil
}

// Close leaves the open conversation.
func (p *Poller) Close() {
	p.update(func(v *View) {
		v.OpenID = 0
		v.Messages = nil
	}, nil)
}

// SetTab switches tabs. Entering the requests tab refreshes the request
// list right away.
func (p *Poller) SetTab(ctx context.Context, tab Tab) {
	var (
		requests *models.RequestList
		err      error
	)
	if tab == TabRequests {
		requests, err = fetch(ctx, p.cfg.Timeout, p.api.Requests)
	}
	p.update(func(v *View) {
		v.Tab = tab
		if requests != nil {
			v.Requests = requests
		}
	}, wrap("requests", err))
}

// Dismiss clears the current notice.
func (p *Poller) Dismiss() {
	p.mu.Lock()
	p.view.Notice = ""
	p.mu.Unlock()
	p.render()
}

// View returns a copy of the current view.
func (p *Poller) View() View {
	p.mu.Lock()
	defer p.mu.Unlock()
	v := p.view
	v.Conversations = append([]models.ConversationView(nil), p.view.Conversations...)
	v.Messages = append([]models.Message(nil), p.view.Messages...)
	return v
}

func (p *Poller) markRead(ctx context.Context, conversationID, upTo int64) error {
	_, err := fetch(ctx, p.cfg.Timeout, func(ctx context.Context) (int64, error) {
		return p.api.MarkRead(ctx, conversationID, upTo)
	})
	return err
}

// update applies fn to the view, records err as the notice and renders.
// A nil err leaves an existing notice in place until dismissed.
func (p *Poller) update(fn func(v *View), err error) {
	p.mu.Lock()
	if fn != nil {
		fn(&p.view)
	}
	if err != nil {
		p.view.Notice = "Could not refresh: " + err.Error()
	} else {
		p.view.UpdatedAt = time.Now()
	}
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("refresh failed, retrying next tick", "err", err)
	}
	p.render()
}

func (p *Poller) render() {
	if p.display == nil {
		return
	}
	p.renderMu.Lock()
	defer p.renderMu.Unlock()
	p.display.Render(p.View())
}

// fetch runs call with a bounded timeout derived from ctx.
func fetch[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return call(ctx)
}

func wrap(what string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", what, err)
}

func lastID(messages []models.Message) int64 {
	var id int64
	for _, m := range messages {
		if m.ID > id {
			id = m.ID
		}
	}
	return id
}

func unreadIn(convs []models.ConversationView, conversationID int64) int {
	for _, c := range convs {
		if c.ID == conversationID {
			return c.UnreadCount
		}
	}
	return 0
}

// clearUnread zeroes the badge of a conversation whose messages were all
// fetched after the list was, and then marked read.
func clearUnread(convs []models.ConversationView, conversationID int64) {
	for i := range convs {
		if convs[i].ID == conversationID {
			convs[i].UnreadCount = 0
		}
	}
}

func hasIncoming(messages []models.Message) bool {
	for _, m := range messages {
		if !m.Mine && m.ReadAt == nil {
			return true
		}
	}
	return false
}

// appendNew adds messages not already present, keeping (created_at, id) order.
func appendNew(existing, fresh []models.Message) []models.Message {
	seen := make(map[int64]struct{}, len(existing))
	for _, m := range existing {
		seen[m.ID] = struct{}{}
	}
	out := append([]models.Message(nil), existing...)
	for _, m := range fresh {
		if _, dup := seen[m.ID]; !dup {
			out = append(out, m)
		}
	}
	slices.SortStableFunc(out, func(a, b models.Message) int {
		switch {
		case a.Before(&b):
			return -1
		case b.Before(&a):
			return 1
		}
		return 0
	})
	return out
}
