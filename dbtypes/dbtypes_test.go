package dbtypes

import (
	"testing"
	"time"

	"pigeon/backend"

	"github.com/google/go-cmp/cmp"
)

func TestPartnerID(t *testing.T) {
	rm := &RecentMessage{SenderID: "a", RecipientID: "b"}

	if got := rm.PartnerID("a"); got != "b" {
		t.Errorf("PartnerID from sender's view = %q, want b", got)
	}
	if got := rm.PartnerID("b"); got != "a" {
		t.Errorf("PartnerID from recipient's view = %q, want a", got)
	}
}

func TestUsername(t *testing.T) {
	u := &User{Email: "alice@example.com"}
	if got := u.Username(); got != "alice" {
		t.Errorf("Username = %q, want alice", got)
	}

	u = &User{Email: "no-at-sign"}
	if got := u.Username(); got != "no-at-sign" {
		t.Errorf("Username without @ = %q, want whole string", got)
	}
}

func TestStatusActiveBoundary(t *testing.T) {
	expiry := time.Date(2024, 3, 1, 12, 25, 0, 0, time.UTC)
	st := &Status{ExpiredAt: expiry}

	if !st.Active(expiry.Add(-time.Second)) {
		t.Error("Post inactive one second before expiry")
	}
	if st.Active(expiry) {
		t.Error("Post active at the expiry instant")
	}
	if st.Active(expiry.Add(time.Second)) {
		t.Error("Post active one second after expiry")
	}
}

func TestStatusSeenByDecodesStoredShapes(t *testing.T) {
	// Firestore hands list fields back as []any; the in-memory store keeps
	// the []string written by Record().  Both shapes must decode.
	base := backend.Record{
		"uid":       "a",
		"expiredAt": time.Now(),
	}

	base["seenBy"] = []any{"b", "c"}
	st := StatusFromRecord("a", base)
	if diff := cmp.Diff(st.SeenBy, []string{"b", "c"}); diff != "" {
		t.Errorf("Bad SeenBy from []any; diff (-got +want)\n%s", diff)
	}

	base["seenBy"] = []string{"b"}
	st = StatusFromRecord("a", base)
	if diff := cmp.Diff(st.SeenBy, []string{"b"}); diff != "" {
		t.Errorf("Bad SeenBy from []string; diff (-got +want)\n%s", diff)
	}

	delete(base, "seenBy")
	st = StatusFromRecord("a", base)
	if st.SeenByViewer("b") {
		t.Error("SeenByViewer true with no seen list")
	}
}
