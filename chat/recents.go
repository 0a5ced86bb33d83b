package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"pigeon/backend"
	"pigeon/dbtypes"
)

// Recents maintains the owner's recent-conversation projection: one summary
// per partner, most recent conversation first, driven by the live summary
// feed.
type Recents struct {
	docs    backend.Docs
	ownerID string

	// lifecycleMu serializes Watch and Close against each other, so two
	// racing Watches cannot both attach and strand one subscription.
	lifecycleMu sync.Mutex

	mu      sync.Mutex
	sub     backend.Subscription
	closed  chan struct{}
	entries []*dbtypes.RecentMessage
}

func NewRecents(docs backend.Docs, ownerID string) *Recents {
	return &Recents{
		docs:    docs,
		ownerID: ownerID,
	}
}

// Watch attaches to the owner's summary feed.  Each delivery on the
// returned channel is the full projection after one more summary arrived.
// Summaries are keyed by partner, so a fresh message replaces the partner's
// old entry and moves it to the head.  Watching an already-watching
// projection detaches the previous feed first.
func (r *Recents) Watch(ctx context.Context) (<-chan []*dbtypes.RecentMessage, error) {
	if r.ownerID == "" {
		return nil, ErrNotAuthenticated
	}

	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.detach()

	sub, err := r.docs.Subscribe(ctx, recentsCollection(r.ownerID), "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while subscribing to summaries: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.closed = make(chan struct{})
	closed := r.closed
	r.entries = nil
	r.mu.Unlock()

	out := make(chan []*dbtypes.RecentMessage)
	go func() {
		defer close(out)

		for doc := range sub.Added() {
			snapshot := r.upsert(dbtypes.RecentMessageFromRecord(doc.Key, doc.Data))

			select {
			case out <- snapshot:
			case <-closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

func (r *Recents) upsert(rm *dbtypes.RecentMessage) []*dbtypes.RecentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*dbtypes.RecentMessage, 0, len(r.entries)+1)
	kept = append(kept, rm)
	for _, e := range r.entries {
		if e.ID != rm.ID {
			kept = append(kept, e)
		}
	}
	r.entries = kept

	return append([]*dbtypes.RecentMessage(nil), r.entries...)
}

// List returns the current projection, most recent first.
func (r *Recents) List() []*dbtypes.RecentMessage {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]*dbtypes.RecentMessage(nil), r.entries...)
}

// Delete clears the conversation with partnerID from the owner's point of
// view: the owner's summary record and the owner-side message log.  The
// partner's summary and log are deliberately untouched; each user controls
// only their own view of a conversation.
func (r *Recents) Delete(ctx context.Context, partnerID string) error {
	if r.ownerID == "" {
		return ErrNotAuthenticated
	}

	if err := r.docs.Delete(ctx, recentsCollection(r.ownerID), partnerID); err != nil {
		return fmt.Errorf("while deleting summary: %w", err)
	}

	r.mu.Lock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.ID != partnerID {
			kept = append(kept, e)
		}
	}
	r.entries = kept
	r.mu.Unlock()

	// Best-effort purge of the owner-side log.  The summary is already
	// gone, so a failure here only leaves unreachable log documents.
	coll := messagesCollection(r.ownerID, partnerID)
	found, err := r.docs.Query(ctx, coll, "timestamp")
	if err != nil {
		slog.ErrorContext(ctx, "Failed to list conversation log for purge", slog.Any("err", err))
		return nil
	}
	for _, doc := range found {
		if err := r.docs.Delete(ctx, coll, doc.Key); err != nil {
			slog.ErrorContext(ctx, "Failed to purge conversation log entry", slog.String("key", doc.Key), slog.Any("err", err))
		}
	}

	return nil
}

// Close detaches the summary feed.  Safe to call repeatedly.
func (r *Recents) Close() {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	r.detach()
}

func (r *Recents) detach() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sub != nil {
		r.sub.Close()
		r.sub = nil
	}
	if r.closed != nil {
		close(r.closed)
		r.closed = nil
	}
}
