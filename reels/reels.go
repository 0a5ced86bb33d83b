// Package reels is the video feed: append-only posts with no expiry and no
// seen tracking.
package reels

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"pigeon/backend"
	"pigeon/dbtypes"
)

const collection = "videos"

var ErrNotAuthenticated = errors.New("no authenticated user")

type Feed struct {
	docs  backend.Docs
	blobs backend.Blobs
	now   func() time.Time
}

type Opt func(*Feed)

func WithClock(now func() time.Time) Opt {
	return func(f *Feed) { f.now = now }
}

func New(docs backend.Docs, blobs backend.Blobs, opts ...Opt) *Feed {
	f := &Feed{
		docs:  docs,
		blobs: blobs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Post uploads the video and records a reel for owner.
func (f *Feed) Post(ctx context.Context, owner *dbtypes.User, name string, video []byte) (*dbtypes.ReelPost, error) {
	if owner == nil || owner.UID == "" {
		return nil, ErrNotAuthenticated
	}

	url, err := f.blobs.Upload(ctx, fmt.Sprintf("reel_videos/%s-%s", name, owner.UID), video)
	if err != nil {
		return nil, fmt.Errorf("while uploading reel video: %w", err)
	}

	key := fmt.Sprintf("%s-%s", owner.UID, randomHex(8))
	reel := &dbtypes.ReelPost{
		ID:        key,
		PosterID:  owner.UID,
		Timestamp: f.now(),
		Email:     owner.Email,
		VideoURL:  url,
	}
	if err := f.docs.Set(ctx, collection, key, reel.Record()); err != nil {
		return nil, fmt.Errorf("while recording reel: %w", err)
	}

	return reel, nil
}

// List returns all reels, oldest first.
func (f *Feed) List(ctx context.Context) ([]*dbtypes.ReelPost, error) {
	found, err := f.docs.Query(ctx, collection, "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while querying reels: %w", err)
	}

	posts := make([]*dbtypes.ReelPost, 0, len(found))
	for _, doc := range found {
		posts = append(posts, dbtypes.ReelPostFromRecord(doc.Key, doc.Data))
	}
	return posts, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
