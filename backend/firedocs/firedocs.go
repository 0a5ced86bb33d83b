// Package firedocs adapts Cloud Firestore to the backend.Docs interface.
package firedocs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"pigeon/backend"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// Store fronts the Firestore collections backing the application.
type Store struct {
	client *firestore.Client
}

func New(client *firestore.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Get(ctx context.Context, collection, key string) (backend.Record, error) {
	tracer := otel.Tracer("pigeon/backend/firedocs")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.Get")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	snap, err := s.client.Collection(collection).Doc(key).Get(ctx)
	if grpcstatus.Code(err) == grpccodes.NotFound {
		span.SetStatus(codes.Ok, "")
		return nil, backend.ErrNotFound
	}
	if err != nil {
		err := fmt.Errorf("while getting document: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "")
	return backend.Record(snap.Data()), nil
}

func (s *Store) Set(ctx context.Context, collection, key string, data backend.Record) error {
	tracer := otel.Tracer("pigeon/backend/firedocs")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.Set")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if _, err := s.client.Collection(collection).Doc(key).Set(ctx, map[string]any(data)); err != nil {
		err := fmt.Errorf("while setting document: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Store) Add(ctx context.Context, collection string, data backend.Record) (string, error) {
	tracer := otel.Tracer("pigeon/backend/firedocs")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.Add")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	ref, _, err := s.client.Collection(collection).Add(ctx, map[string]any(data))
	if err != nil {
		err := fmt.Errorf("while adding document: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}

	span.SetStatus(codes.Ok, "")
	return ref.ID, nil
}

func (s *Store) Delete(ctx context.Context, collection, key string) error {
	tracer := otel.Tracer("pigeon/backend/firedocs")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	if _, err := s.client.Collection(collection).Doc(key).Delete(ctx); err != nil {
		err := fmt.Errorf("while deleting document: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (s *Store) Query(ctx context.Context, collection, orderBy string) ([]backend.Doc, error) {
	tracer := otel.Tracer("pigeon/backend/firedocs")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Store.Query")
	defer span.End()

	span.SetAttributes(attribute.String("collection", collection))

	var docs []backend.Doc
	iter := s.client.Collection(collection).OrderBy(orderBy, firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			err := fmt.Errorf("while iterating query: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		docs = append(docs, backend.Doc{Key: snap.Ref.ID, Data: backend.Record(snap.Data())})
	}

	span.SetStatus(codes.Ok, "")
	return docs, nil
}

// Subscribe attaches a snapshot listener to the ordered collection.  Each
// call returns its own handle; closing one listener never disturbs another.
func (s *Store) Subscribe(ctx context.Context, collection, orderBy string) (backend.Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		added:  make(chan backend.Doc),
		done:   make(chan struct{}),
		cancel: cancel,
		snaps:  s.client.Collection(collection).OrderBy(orderBy, firestore.Asc).Snapshots(ctx),
	}
	go sub.run(ctx)
	return sub, nil
}

type subscription struct {
	added  chan backend.Doc
	done   chan struct{}
	cancel context.CancelFunc
	snaps  *firestore.QuerySnapshotIterator
	once   sync.Once
}

func (sub *subscription) run(ctx context.Context) {
	defer close(sub.added)
	for {
		qs, err := sub.snaps.Next()
		if err != nil {
			if grpcstatus.Code(err) != grpccodes.Canceled {
				slog.ErrorContext(ctx, "Snapshot stream failed", slog.Any("err", err))
			}
			return
		}

		for _, change := range qs.Changes {
			// An upsert of an existing key surfaces as a modification;
			// the feed reports both as newly visible documents.
			if change.Kind != firestore.DocumentAdded && change.Kind != firestore.DocumentModified {
				continue
			}

			select {
			case sub.added <- backend.Doc{Key: change.Doc.Ref.ID, Data: backend.Record(change.Doc.Data())}:
			case <-sub.done:
				return
			}
		}
	}
}

func (sub *subscription) Added() <-chan backend.Doc {
	return sub.added
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		close(sub.done)
		sub.cancel()
		sub.snaps.Stop()
	})
	return nil
}
