// Package roster maintains the conversation list: loading, staleness
// control, retry with backoff, and last-write-wins reordering by the
// conversations' last-message timestamps.
package roster

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/campuskit/unichat/internal/chat"
	"github.com/campuskit/unichat/internal/portal"
	"go.uber.org/zap"
)

// Lister fetches the authenticated user's conversation list.
type Lister interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
}

// RefreshMarker durably records the last successful refresh timestamp and
// restores it across restarts.
type RefreshMarker interface {
	SetLastRefresh(t time.Time) error
	LastRefresh() (time.Time, error)
}

// RefreshMeta tracks refresh bookkeeping for one synchronizer instance.
type RefreshMeta struct {
	LastSuccessfulFetchAt time.Time
	InFlight              bool
}

// Synchronizer owns the in-memory conversation list.
type Synchronizer struct {
	mu     sync.Mutex
	lister Lister
	logger *zap.Logger

	list   []chat.Conversation
	meta   RefreshMeta
	halted bool

	staleness     time.Duration
	backoff       []time.Duration
	markers       RefreshMarker
	onAuthExpired func(error)
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithStaleness overrides the staleness window (default 10 minutes).
func WithStaleness(d time.Duration) Option {
	return func(s *Synchronizer) { s.staleness = d }
}

// WithBackoff overrides the retry backoff schedule; its length is the
// retry count (default 1s then 2s).
func WithBackoff(schedule []time.Duration) Option {
	return func(s *Synchronizer) { s.backoff = schedule }
}

// WithMarkers wires the durable refresh-timestamp marker.
func WithMarkers(m RefreshMarker) Option {
	return func(s *Synchronizer) { s.markers = m }
}

// WithAuthExpiredFunc sets the callback fired when a refresh hits an
// authentication failure. Navigation is the host's decision, not ours.
func WithAuthExpiredFunc(fn func(error)) Option {
	return func(s *Synchronizer) { s.onAuthExpired = fn }
}

// New creates a synchronizer with an empty list.
func New(lister Lister, logger *zap.Logger, opts ...Option) *Synchronizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Synchronizer{
		lister:    lister,
		logger:    logger,
		staleness: 10 * time.Minute,
		backoff:   []time.Duration{time.Second, 2 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.markers != nil {
		if t, err := s.markers.LastRefresh(); err == nil {
			s.meta.LastSuccessfulFetchAt = t
		}
	}
	return s
}

// Refresh returns the conversation list, fetching from the portal unless the
// cached list is fresh. At most one fetch is in flight at a time: concurrent
// callers get the current in-memory list immediately and are expected to
// re-render once the in-flight call completes. After an authentication
// failure the synchronizer stops issuing network calls entirely.
func (s *Synchronizer) Refresh(ctx context.Context, force bool) ([]chat.Conversation, error) {
	s.mu.Lock()
	if s.halted {
		list := s.snapshotLocked()
		s.mu.Unlock()
		return list, portal.ErrAuthExpired
	}
	if s.meta.InFlight {
		list := s.snapshotLocked()
		s.mu.Unlock()
		return list, nil
	}
	if !force && len(s.list) > 0 && time.Since(s.meta.LastSuccessfulFetchAt) < s.staleness {
		list := s.snapshotLocked()
		s.mu.Unlock()
		return list, nil
	}
	s.meta.InFlight = true
	s.mu.Unlock()

	fetched, err := s.fetchWithRetry(ctx)

	s.mu.Lock()
	s.meta.InFlight = false
	if err != nil {
		if errors.Is(err, portal.ErrAuthExpired) {
			s.halted = true
			list := s.snapshotLocked()
			s.mu.Unlock()
			s.logger.Warn("conversation refresh hit expired auth", zap.Error(err))
			if s.onAuthExpired != nil {
				s.onAuthExpired(err)
			}
			return list, err
		}
		// Retries exhausted: resolve with whatever list we already hold so
		// callers always have a renderable value.
		list := s.snapshotLocked()
		s.mu.Unlock()
		s.logger.Warn("conversation refresh failed, serving held list",
			zap.Error(err), zap.Int("held", len(list)))
		return list, nil
	}

	sortByLastMessage(fetched)
	s.list = fetched
	now := time.Now()
	s.meta.LastSuccessfulFetchAt = now
	list := s.snapshotLocked()
	s.mu.Unlock()

	if s.markers != nil {
		if merr := s.markers.SetLastRefresh(now); merr != nil {
			s.logger.Warn("failed to persist refresh marker", zap.Error(merr))
		}
	}
	return list, nil
}

func (s *Synchronizer) fetchWithRetry(ctx context.Context) ([]chat.Conversation, error) {
	list, err := s.lister.ListConversations(ctx)
	for attempt := 0; err != nil && attempt < len(s.backoff); attempt++ {
		if errors.Is(err, portal.ErrAuthExpired) || ctx.Err() != nil {
			return nil, err
		}
		s.logger.Warn("conversation list fetch failed, retrying",
			zap.Error(err), zap.Duration("backoff", s.backoff[attempt]))
		timer := time.NewTimer(s.backoff[attempt])
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		list, err = s.lister.ListConversations(ctx)
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// Touch records activity on a conversation: if at is newer than the
// conversation's LastMessageAt the timestamp moves forward, the optional
// preview message is pushed, and the list is re-sorted so the conversation
// lands at the head. Comparison is by timestamp, not arrival order, so
// out-of-order delivery cannot move a conversation backwards.
func (s *Synchronizer) Touch(conversationID string, at time.Time, preview *chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID != conversationID {
			continue
		}
		if at.After(s.list[i].LastMessageAt) {
			s.list[i].LastMessageAt = at
			if preview != nil {
				s.list[i].PushPreview(*preview, 5)
			}
			sortByLastMessage(s.list)
		} else if preview != nil {
			// Stale event: a record already in the window may be
			// refreshed in place, but an older message never lands
			// at the front of a most-recent-first window.
			for j := range s.list[i].Preview {
				if s.list[i].Preview[j].ID == preview.ID {
					s.list[i].Preview[j] = *preview
					break
				}
			}
		}
		return true
	}
	return false
}

// Insert upserts a conversation into the list, keeping the descending order.
// Used for locally synthesized records before the server's view is fetched.
func (s *Synchronizer) Insert(conv chat.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == conv.ID {
			s.list[i] = conv
			sortByLastMessage(s.list)
			return
		}
	}
	s.list = append(s.list, conv)
	sortByLastMessage(s.list)
}

// Get returns the conversation with the given id.
func (s *Synchronizer) Get(conversationID string) (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.list {
		if s.list[i].ID == conversationID {
			return s.list[i], true
		}
	}
	return chat.Conversation{}, false
}

// Snapshot returns a copy of the current list, sorted descending by
// LastMessageAt.
func (s *Synchronizer) Snapshot() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Meta returns a copy of the refresh bookkeeping.
func (s *Synchronizer) Meta() RefreshMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta
}

// Reset drops the list and refresh bookkeeping. Used on logout.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = nil
	s.meta = RefreshMeta{}
	s.halted = false
}

func (s *Synchronizer) snapshotLocked() []chat.Conversation {
	return slices.Clone(s.list)
}

func sortByLastMessage(list []chat.Conversation) {
	slices.SortStableFunc(list, func(a, b chat.Conversation) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
}
