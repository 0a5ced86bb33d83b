// Package backend defines the storage collaborator surface consumed by the
// chat, status, reel, and identity layers: a key-addressed document store
// with subscribable ordered queries, and a blob store that returns durable
// retrieval URLs.
//
// Collections are slash-separated paths, e.g. "messages/{owner}/{partner}".
package backend

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Docs.Get when no document exists at the given
// key.
var ErrNotFound = errors.New("document not found")

// Record is the body of a stored document.
type Record map[string]any

// Doc is a keyed document returned from queries and subscriptions.
type Doc struct {
	Key  string
	Data Record
}

// Docs is a key-addressed document store.
type Docs interface {
	// Get returns the document at key, or ErrNotFound.
	Get(ctx context.Context, collection, key string) (Record, error)

	// Set upserts the document at key, replacing any existing body.
	Set(ctx context.Context, collection, key string, data Record) error

	// Add stores a document under a store-assigned key and returns the key.
	Add(ctx context.Context, collection string, data Record) (string, error)

	// Delete removes the document at key.  Deleting an absent document is
	// not an error.
	Delete(ctx context.Context, collection, key string) error

	// Query returns all documents in the collection, ordered ascending by
	// the named field.
	Query(ctx context.Context, collection, orderBy string) ([]Doc, error)

	// Subscribe attaches a change feed to the collection.  The feed first
	// delivers the current contents of the collection in orderBy order,
	// then every subsequent addition.  A Set that replaces an existing key
	// is delivered as an addition too; chat logs are append-only, so they
	// only ever observe true additions.
	Subscribe(ctx context.Context, collection, orderBy string) (Subscription, error)
}

// Subscription is a cancellable change feed.  Each session owns its handle;
// detaching one subscription never disturbs another.
type Subscription interface {
	// Added yields newly visible documents.  The channel is closed after
	// Close, or when the backing stream fails.
	Added() <-chan Doc

	// Close detaches the feed.  It is idempotent, and no deliveries happen
	// after it returns.
	Close() error
}

// Blobs is a content store for uploaded media.
type Blobs interface {
	// Upload stores data at path and returns a durable retrieval URL.
	Upload(ctx context.Context, path string, data []byte) (string, error)
}
