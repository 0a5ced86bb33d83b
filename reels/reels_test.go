package reels

import (
	"context"
	"errors"
	"testing"
	"time"

	"pigeon/backend/memstore"
	"pigeon/dbtypes"
)

var alice = &dbtypes.User{UID: "a", Email: "alice@example.com"}

func TestPostAndList(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := base
	feed := New(store, store, WithClock(func() time.Time { return current }))

	first, err := feed.Post(ctx, alice, "clip-one", []byte("mp4 bytes"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if first.VideoURL == "" {
		t.Error("Post returned empty video URL")
	}

	current = base.Add(time.Minute)
	second, err := feed.Post(ctx, alice, "clip-two", []byte("mp4 bytes"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if second.ID == first.ID {
		t.Errorf("Two posts share key %q", first.ID)
	}

	posts, err := feed.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(posts) != 2 {
		t.Fatalf("List returned %d posts, want 2", len(posts))
	}
	if posts[0].ID != first.ID || posts[1].ID != second.ID {
		t.Errorf("List order = [%s %s], want oldest first [%s %s]", posts[0].ID, posts[1].ID, first.ID, second.ID)
	}
}

func TestPostUploadFailureAborts(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	store.UploadHook = func(path string) error { return errors.New("injected upload failure") }
	feed := New(store, store)

	if _, err := feed.Post(ctx, alice, "clip", []byte("mp4 bytes")); err == nil {
		t.Fatal("Post succeeded despite upload failure")
	}

	posts, err := feed.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(posts) != 0 {
		t.Errorf("Feed has %d posts after aborted upload, want 0", len(posts))
	}
}

func TestPostRequiresOwner(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	feed := New(store, store)

	if _, err := feed.Post(ctx, nil, "clip", []byte("mp4 bytes")); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Post(nil owner) = %v, want ErrNotAuthenticated", err)
	}
}
