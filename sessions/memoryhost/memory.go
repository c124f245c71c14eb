package memoryhost

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/v4ler11/sovereign-mcp/sessions"
)

const (
	defaultIdleTimeout   = 24 * time.Hour
	defaultSweepInterval = 5 * time.Minute
)

var _ sessions.Host = (*Host)(nil)

// Host is an in-memory implementation of sessions.Host.
type Host struct {
	mu      sync.RWMutex
	records map[string]*record
	counter atomic.Int64

	idleTimeout   time.Duration
	sweepInterval time.Duration

	janitorStop chan struct{}
	janitorOnce sync.Once
}

type record struct {
	sess *sessions.Session

	mu        sync.Mutex
	messages  []message
	delivered int // index of first message no subscription has consumed
	sub       *subscriber
	closed    chan struct{}
}

type message struct {
	id   string
	data []byte
}

// subscriber is one active SubscribeSession call. Each carries its own wakeup
// channel; replaced is closed when a newer subscription displaces it.
type subscriber struct {
	notify   chan struct{}
	replaced chan struct{}
}

// Option configures a Host.
type Option func(*Host)

// WithIdleTimeout overrides how long a session may go without client contact
// before the janitor removes it. Zero disables expiry.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Host) { h.idleTimeout = d }
}

// WithSweepInterval overrides how often the janitor looks for idle sessions.
func WithSweepInterval(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.sweepInterval = d
		}
	}
}

// New constructs a Host and starts its idle-session janitor. Call Close to
// stop the janitor when the host is no longer needed.
func New(opts ...Option) *Host {
	h := &Host{
		records:       make(map[string]*record),
		idleTimeout:   defaultIdleTimeout,
		sweepInterval: defaultSweepInterval,
		janitorStop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.idleTimeout > 0 {
		go h.janitor()
	}
	return h
}

// Close stops the idle-session janitor. Live sessions are left intact.
func (h *Host) Close() {
	h.janitorOnce.Do(func() { close(h.janitorStop) })
}

// PutSession implements sessions.Host.
func (h *Host) PutSession(ctx context.Context, sess *sessions.Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.records[sess.ID()]; exists {
		return fmt.Errorf("session %s already exists", sess.ID())
	}
	h.records[sess.ID()] = &record{
		sess:   sess,
		closed: make(chan struct{}),
	}
	return nil
}

// GetSession implements sessions.Host. It refreshes the session's idle clock.
func (h *Host) GetSession(ctx context.Context, id string) (*sessions.Session, error) {
	h.mu.RLock()
	rec := h.records[id]
	h.mu.RUnlock()
	if rec == nil {
		return nil, sessions.ErrSessionNotFound
	}
	rec.sess.Touch()
	return rec.sess, nil
}

// DeleteSession implements sessions.Host.
func (h *Host) DeleteSession(ctx context.Context, id string) error {
	h.mu.Lock()
	rec := h.records[id]
	delete(h.records, id)
	h.mu.Unlock()
	if rec == nil {
		return sessions.ErrSessionNotFound
	}
	rec.sess.CancelAllInvocations(sessions.ErrSessionTerminated)
	rec.mu.Lock()
	select {
	case <-rec.closed:
	default:
		close(rec.closed)
	}
	rec.mu.Unlock()
	return nil
}

// ListSessions implements sessions.Host.
func (h *Host) ListSessions(ctx context.Context) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	ids := make([]string, 0, len(h.records))
	for id := range h.records {
		ids = append(ids, id)
	}
	return ids, nil
}

// PublishSession implements sessions.Host.
func (h *Host) PublishSession(ctx context.Context, id string, data []byte) (string, error) {
	h.mu.RLock()
	rec := h.records[id]
	h.mu.RUnlock()
	if rec == nil {
		return "", sessions.ErrSessionNotFound
	}

	evID := strconv.FormatInt(h.counter.Add(1), 10)
	rec.mu.Lock()
	rec.messages = append(rec.messages, message{id: evID, data: append([]byte(nil), data...)})
	sub := rec.sub
	rec.mu.Unlock()

	if sub != nil {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return evID, nil
}

// SubscribeSession implements sessions.Host. With an empty lastEventID the
// subscriber receives everything not yet delivered; a non-empty cursor replays
// from just after that event, including messages a previous stream already
// consumed. Each subscription tracks its own position, and attaching displaces
// any subscription already on the session, which returns
// sessions.ErrSubscriptionReplaced.
func (h *Host) SubscribeSession(ctx context.Context, id string, lastEventID string, handler sessions.MessageHandlerFunc) error {
	h.mu.RLock()
	rec := h.records[id]
	h.mu.RUnlock()
	if rec == nil {
		return sessions.ErrSessionNotFound
	}

	sub := &subscriber{
		notify:   make(chan struct{}, 1),
		replaced: make(chan struct{}),
	}

	rec.mu.Lock()
	cursor := rec.delivered
	if lastEventID != "" {
		found := false
		for i := range rec.messages {
			if rec.messages[i].id == lastEventID {
				cursor = i + 1
				found = true
				break
			}
		}
		if !found {
			rec.mu.Unlock()
			return fmt.Errorf("last event id %s not found", lastEventID)
		}
	}
	if prev := rec.sub; prev != nil {
		close(prev.replaced)
	}
	rec.sub = sub
	rec.mu.Unlock()

	defer func() {
		rec.mu.Lock()
		if rec.sub == sub {
			rec.sub = nil
		}
		rec.mu.Unlock()
	}()

	for {
		// Drain whatever is ready.
		for {
			select {
			case <-sub.replaced:
				return sessions.ErrSubscriptionReplaced
			default:
			}
			rec.mu.Lock()
			var next *message
			if cursor < len(rec.messages) {
				next = &rec.messages[cursor]
				cursor++
				if cursor > rec.delivered {
					rec.delivered = cursor
				}
			}
			rec.mu.Unlock()
			if next == nil {
				break
			}
			if err := handler(ctx, next.id, next.data); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rec.closed:
			return nil
		case <-sub.replaced:
			return sessions.ErrSubscriptionReplaced
		case <-sub.notify:
		}
	}
}

func (h *Host) janitor() {
	ticker := time.NewTicker(h.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.janitorStop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Host) sweep() {
	cutoff := time.Now().Add(-h.idleTimeout)
	h.mu.RLock()
	var stale []string
	for id, rec := range h.records {
		if rec.sess.LastAccess().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	for _, id := range stale {
		_ = h.DeleteSession(context.Background(), id)
	}
}
