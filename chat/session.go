package chat

import (
	"context"
	"fmt"
	"sync"

	"pigeon/backend"
	"pigeon/dbtypes"
)

// Session exposes one conversation as a single ordered sequence of
// messages: the stored backlog first, then live arrivals as they land.
//
// A session owns at most one backend subscription at a time.  Opening an
// already-open session detaches the previous feed before attaching a new
// one, so a message is never delivered twice through stacked listeners.
type Session struct {
	docs      backend.Docs
	ownerID   string
	partnerID string

	// lifecycleMu serializes Open and Close against each other, so two
	// racing Opens cannot both attach and strand one subscription.
	lifecycleMu sync.Mutex

	mu     sync.Mutex
	sub    backend.Subscription
	closed chan struct{}
}

func NewSession(docs backend.Docs, ownerID, partnerID string) *Session {
	return &Session{
		docs:      docs,
		ownerID:   ownerID,
		partnerID: partnerID,
	}
}

// Open queries the backlog, attaches the live feed, and returns a channel
// of appends.  Every message appears exactly once even when the backlog
// and the feed both report it; ordering follows the store's timestamp
// order.  The channel closes after Close, or when the feed ends.
func (s *Session) Open(ctx context.Context) (<-chan *dbtypes.Message, error) {
	if s.ownerID == "" {
		return nil, ErrNotAuthenticated
	}

	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.detach()

	coll := messagesCollection(s.ownerID, s.partnerID)
	backlog, err := s.docs.Query(ctx, coll, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while querying conversation backlog: %w", err)
	}

	sub, err := s.docs.Subscribe(ctx, coll, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while subscribing to conversation: %w", err)
	}

	s.mu.Lock()
	s.sub = sub
	s.closed = make(chan struct{})
	closed := s.closed
	s.mu.Unlock()

	out := make(chan *dbtypes.Message)
	go func() {
		defer close(out)

		seen := make(map[string]bool, len(backlog))
		emit := func(doc backend.Doc) bool {
			if seen[doc.Key] {
				return true
			}
			seen[doc.Key] = true

			select {
			case out <- dbtypes.MessageFromRecord(doc.Key, doc.Data):
				return true
			case <-closed:
				return false
			case <-ctx.Done():
				return false
			}
		}

		for _, doc := range backlog {
			if !emit(doc) {
				return
			}
		}
		for doc := range sub.Added() {
			if !emit(doc) {
				return
			}
		}
	}()

	return out, nil
}

// Close detaches the live feed.  Safe to call repeatedly, and safe on a
// session that was never opened.
func (s *Session) Close() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	s.detach()
}

func (s *Session) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sub != nil {
		s.sub.Close()
		s.sub = nil
	}
	if s.closed != nil {
		close(s.closed)
		s.closed = nil
	}
}
