package memstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"pigeon/backend"
)

func TestGetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.Get(ctx, "users", "a"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := store.Set(ctx, "users", "a", backend.Record{"email": "alice@example.com"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	rec, err := store.Get(ctx, "users", "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec["email"] != "alice@example.com" {
		t.Errorf("Get returned email %v, want alice@example.com", rec["email"])
	}

	if err := store.Delete(ctx, "users", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "users", "a"); !errors.Is(err, backend.ErrNotFound) {
		t.Errorf("Get(deleted) = %v, want ErrNotFound", err)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := New()

	if err := store.Set(ctx, "users", "a", backend.Record{"email": "alice@example.com"}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	rec, _ := store.Get(ctx, "users", "a")
	rec["email"] = "mallory@example.com"

	again, _ := store.Get(ctx, "users", "a")
	if again["email"] != "alice@example.com" {
		t.Errorf("Mutating a returned record changed the store: got %v", again["email"])
	}
}

func TestQueryOrdersByField(t *testing.T) {
	ctx := context.Background()
	store := New()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.Set(ctx, "log", "c", backend.Record{"timestamp": base.Add(2 * time.Minute)})
	store.Set(ctx, "log", "a", backend.Record{"timestamp": base})
	store.Set(ctx, "log", "b", backend.Record{"timestamp": base.Add(time.Minute)})

	docs, err := store.Query(ctx, "log", "timestamp")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}

	var got []string
	for _, d := range docs {
		got = append(got, d.Key)
	}
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("Query returned keys %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Query returned keys %v, want %v", got, want)
		}
	}
}

func TestAddGeneratesDistinctKeys(t *testing.T) {
	ctx := context.Background()
	store := New()

	k1, err := store.Add(ctx, "log", backend.Record{"n": int64(1)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	k2, err := store.Add(ctx, "log", backend.Record{"n": int64(2)})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if k1 == k2 {
		t.Errorf("Add returned the same key twice: %q", k1)
	}
}

func recvDoc(t *testing.T, ch <-chan backend.Doc) backend.Doc {
	t.Helper()
	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("feed closed while expecting a document")
		}
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a document")
	}
	panic("unreachable")
}

func TestSubscribeDeliversBacklogThenLive(t *testing.T) {
	ctx := context.Background()
	store := New()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.Set(ctx, "log", "a", backend.Record{"timestamp": base})
	store.Set(ctx, "log", "b", backend.Record{"timestamp": base.Add(time.Minute)})

	sub, err := store.Subscribe(ctx, "log", "timestamp")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if d := recvDoc(t, sub.Added()); d.Key != "a" {
		t.Errorf("First delivery = %q, want %q", d.Key, "a")
	}
	if d := recvDoc(t, sub.Added()); d.Key != "b" {
		t.Errorf("Second delivery = %q, want %q", d.Key, "b")
	}

	store.Set(ctx, "log", "c", backend.Record{"timestamp": base.Add(2 * time.Minute)})
	if d := recvDoc(t, sub.Added()); d.Key != "c" {
		t.Errorf("Live delivery = %q, want %q", d.Key, "c")
	}
}

func TestSubscribeDeliversUpsertOfExistingKey(t *testing.T) {
	ctx := context.Background()
	store := New()

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store.Set(ctx, "summaries", "partner", backend.Record{"message": "old", "timestamp": base})

	sub, err := store.Subscribe(ctx, "summaries", "timestamp")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()

	if d := recvDoc(t, sub.Added()); d.Data["message"] != "old" {
		t.Errorf("Backlog delivery message = %v, want old", d.Data["message"])
	}

	store.Set(ctx, "summaries", "partner", backend.Record{"message": "new", "timestamp": base.Add(time.Minute)})
	d := recvDoc(t, sub.Added())
	if d.Key != "partner" || d.Data["message"] != "new" {
		t.Errorf("Upsert delivery = %q/%v, want partner/new", d.Key, d.Data["message"])
	}
}

func TestSubscribeCloseEndsFeed(t *testing.T) {
	ctx := context.Background()
	store := New()

	sub, err := store.Subscribe(ctx, "log", "timestamp")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Second Close: %v", err)
	}

	select {
	case _, ok := <-sub.Added():
		if ok {
			t.Error("Feed delivered a document after Close")
		}
	case <-time.After(5 * time.Second):
		t.Error("Feed did not close after Close")
	}

	// A write after Close must not block on the dead subscription.
	done := make(chan struct{})
	go func() {
		store.Set(ctx, "log", "a", backend.Record{"timestamp": time.Now()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Error("Set blocked on a closed subscription")
	}
}

func TestSubscribeContextCancelEndsFeed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := New()

	sub, err := store.Subscribe(ctx, "log", "timestamp")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-sub.Added():
		if ok {
			t.Error("Feed delivered a document after context cancel")
		}
	case <-time.After(5 * time.Second):
		t.Error("Feed did not close after context cancel")
	}
}

func TestUploadStoresBlob(t *testing.T) {
	ctx := context.Background()
	store := New()

	url, err := store.Upload(ctx, "avatars/a", []byte("png bytes"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if url != "mem://avatars/a" {
		t.Errorf("Upload returned %q, want mem://avatars/a", url)
	}

	data, ok := store.Blob("avatars/a")
	if !ok || string(data) != "png bytes" {
		t.Errorf("Blob = %q, %v; want stored bytes", data, ok)
	}
}

func TestSetHookInjectsFault(t *testing.T) {
	ctx := context.Background()
	store := New()
	boom := errors.New("boom")
	store.SetHook = func(collection, key string) error {
		if collection == "poisoned" {
			return boom
		}
		return nil
	}

	if err := store.Set(ctx, "poisoned", "a", backend.Record{}); !errors.Is(err, boom) {
		t.Errorf("Set on poisoned collection = %v, want injected error", err)
	}
	if err := store.Set(ctx, "healthy", "a", backend.Record{}); err != nil {
		t.Errorf("Set on healthy collection = %v, want nil", err)
	}
}
