// Package chat implements the 1:1 messaging core: the fan-out engine that
// records each message under both parties, the live session that merges a
// stored backlog with the addition feed, and the recent-conversation
// projection.
package chat

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"pigeon/backend"
	"pigeon/dbtypes"
)

var (
	ErrNotAuthenticated = errors.New("no authenticated user")
	ErrNoRecipient      = errors.New("recipient must have a uid")
	ErrEmptyMessage     = errors.New("message payload must not be empty")
)

// Each conversation is stored twice, once under each participant, so that
// either side can read and clear its own copy without touching the other's.
func messagesCollection(ownerID, partnerID string) string {
	return fmt.Sprintf("messages/%s/%s", ownerID, partnerID)
}

func recentsCollection(ownerID string) string {
	return fmt.Sprintf("recent_messages/%s/messages", ownerID)
}

// History returns the owner-side backlog of one conversation, oldest first.
func History(ctx context.Context, docs backend.Docs, ownerID, partnerID string) ([]*dbtypes.Message, error) {
	if ownerID == "" {
		return nil, ErrNotAuthenticated
	}

	found, err := docs.Query(ctx, messagesCollection(ownerID, partnerID), "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while querying conversation log: %w", err)
	}

	msgs := make([]*dbtypes.Message, 0, len(found))
	for _, doc := range found {
		msgs = append(msgs, dbtypes.MessageFromRecord(doc.Key, doc.Data))
	}
	return msgs, nil
}

// LatestSummaries returns a one-shot read of the owner's conversation
// summaries, most recent conversation first.
func LatestSummaries(ctx context.Context, docs backend.Docs, ownerID string) ([]*dbtypes.RecentMessage, error) {
	if ownerID == "" {
		return nil, ErrNotAuthenticated
	}

	found, err := docs.Query(ctx, recentsCollection(ownerID), "timestamp")
	if err != nil {
		return nil, fmt.Errorf("while querying summaries: %w", err)
	}

	summaries := make([]*dbtypes.RecentMessage, 0, len(found))
	for i := len(found) - 1; i >= 0; i-- {
		summaries = append(summaries, dbtypes.RecentMessageFromRecord(found[i].Key, found[i].Data))
	}
	return summaries, nil
}

func randomHex(n int) string {
	buf := make([]byte, n)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
