// Package status manages ephemeral story posts: creation with a fixed
// 25-minute lifetime, lazy expiry on read, and per-viewer seen tracking.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pigeon/backend"
	"pigeon/dbtypes"
)

// TTL is the fixed lifetime of a story post.
const TTL = 25 * time.Minute

const collection = "status"

var ErrNotAuthenticated = errors.New("no authenticated user")

// Manager owns the status collection.  Posts are keyed by poster uid, so a
// new post replaces the poster's previous one instead of accumulating.
type Manager struct {
	docs  backend.Docs
	blobs backend.Blobs
	now   func() time.Time
}

type Opt func(*Manager)

// WithClock overrides the expiry clock.
func WithClock(now func() time.Time) Opt {
	return func(m *Manager) { m.now = now }
}

func New(docs backend.Docs, blobs backend.Blobs, opts ...Opt) *Manager {
	m := &Manager{
		docs:  docs,
		blobs: blobs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Feed partitions the active posts for one viewer.
type Feed struct {
	// Mine is the viewer's own active post, if any.
	Mine *dbtypes.Status
	// Unseen holds active posts the viewer has not marked seen.
	Unseen []*dbtypes.Status
	// Seen holds active posts the viewer has already marked seen.
	Seen []*dbtypes.Status
}

// Post uploads the image and records a story for owner, expiring TTL from
// now.  An upload failure aborts before any document write.
func (m *Manager) Post(ctx context.Context, owner *dbtypes.User, image []byte) (*dbtypes.Status, error) {
	if owner == nil || owner.UID == "" {
		return nil, ErrNotAuthenticated
	}

	url, err := m.blobs.Upload(ctx, "image_status/"+owner.UID, image)
	if err != nil {
		return nil, fmt.Errorf("while uploading status image: %w", err)
	}

	now := m.now()
	st := &dbtypes.Status{
		ID:        owner.UID,
		PosterID:  owner.UID,
		Timestamp: now,
		Email:     owner.Email,
		ImageURL:  url,
		ExpiredAt: now.Add(TTL),
		SeenBy:    nil,
	}
	if err := m.docs.Set(ctx, collection, owner.UID, st.Record()); err != nil {
		return nil, fmt.Errorf("while recording status: %w", err)
	}

	return st, nil
}

// ListActive returns the viewer's partitioned story feed.  Expired posts
// are dropped from the result and deleted in passing; a failed deletion is
// logged and never fails the read.
func (m *Manager) ListActive(ctx context.Context, viewerID string) (*Feed, error) {
	found, err := m.docs.Query(ctx, collection, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while querying status posts: %w", err)
	}

	now := m.now()
	feed := &Feed{}
	for _, doc := range found {
		st := dbtypes.StatusFromRecord(doc.Key, doc.Data)

		if !st.Active(now) {
			if err := m.docs.Delete(ctx, collection, doc.Key); err != nil {
				slog.ErrorContext(ctx, "Failed to delete expired status", slog.String("key", doc.Key), slog.Any("err", err))
			}
			continue
		}

		switch {
		case st.PosterID == viewerID:
			feed.Mine = st
		case st.SeenByViewer(viewerID):
			feed.Seen = append(feed.Seen, st)
		default:
			feed.Unseen = append(feed.Unseen, st)
		}
	}

	return feed, nil
}

// MarkSeen registers the viewer on the post's seen list.  It reports false
// without writing when the viewer is the poster or is already registered.
//
// The write replaces the whole record, so two viewers marking the same post
// at once can lose one of the appends.  That is tolerated: each viewer
// re-registers on their next read, and the list only ever converges upward.
func (m *Manager) MarkSeen(ctx context.Context, viewerID string, st *dbtypes.Status) (bool, error) {
	if st == nil || viewerID == "" {
		return false, nil
	}
	if viewerID == st.PosterID {
		return false, nil
	}
	if st.SeenByViewer(viewerID) {
		return false, nil
	}

	st.SeenBy = append(st.SeenBy, viewerID)
	if err := m.docs.Set(ctx, collection, st.PosterID, st.Record()); err != nil {
		return false, fmt.Errorf("while persisting seen mark: %w", err)
	}

	return true, nil
}
