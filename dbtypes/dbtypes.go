// Package dbtypes holds the application's stored record types and their
// conversions to and from backend.Record bodies.
//
// Field names match the live collections, so records written by older
// clients keep decoding.
package dbtypes

import (
	"strings"
	"time"

	"pigeon/backend"
)

// User is an account holder.  Immutable after creation except for the
// avatar URL, which is replaced on write.
type User struct {
	UID          string
	Email        string
	AvatarURL    string
	PasswordHash string
}

// Username derives the display name from the local part of the email.
func (u *User) Username() string {
	name, _, _ := strings.Cut(u.Email, "@")
	return name
}

func (u *User) Record() backend.Record {
	return backend.Record{
		"uid":             u.UID,
		"email":           u.Email,
		"profileImageURL": u.AvatarURL,
		"passwordHash":    u.PasswordHash,
	}
}

func UserFromRecord(r backend.Record) *User {
	return &User{
		UID:          str(r, "uid"),
		Email:        str(r, "email"),
		AvatarURL:    str(r, "profileImageURL"),
		PasswordHash: str(r, "passwordHash"),
	}
}

// MessageKind distinguishes text messages from image messages.
type MessageKind string

const (
	KindText  MessageKind = "text"
	KindImage MessageKind = "image"
)

// Message is one chat entry.  Exactly one of Text and ImageURL is non-empty,
// matching Kind.  Messages are immutable once written; they disappear only
// when a whole conversation log is cleared.
type Message struct {
	ID              string
	SenderID        string
	RecipientID     string
	Kind            MessageKind
	Text            string
	ImageURL        string
	Timestamp       time.Time
	SenderEmail     string
	SenderAvatarURL string
}

func (m *Message) Record() backend.Record {
	return backend.Record{
		"senderID":        m.SenderID,
		"recipientID":     m.RecipientID,
		"messageType":     string(m.Kind),
		"message":         m.Text,
		"messageImageURL": m.ImageURL,
		"timestamp":       m.Timestamp,
		"email":           m.SenderEmail,
		"profileImageURL": m.SenderAvatarURL,
	}
}

func MessageFromRecord(key string, r backend.Record) *Message {
	return &Message{
		ID:              key,
		SenderID:        str(r, "senderID"),
		RecipientID:     str(r, "recipientID"),
		Kind:            MessageKind(str(r, "messageType")),
		Text:            str(r, "message"),
		ImageURL:        str(r, "messageImageURL"),
		Timestamp:       stamp(r, "timestamp"),
		SenderEmail:     str(r, "email"),
		SenderAvatarURL: str(r, "profileImageURL"),
	}
}

// RecentMessage is the per-partner conversation summary shown on the main
// screen.  The record is keyed by the partner's uid, so each new message
// replaces the previous summary rather than appending.  Email and AvatarURL
// are the display identity of the conversation partner from the record
// owner's point of view.
type RecentMessage struct {
	ID          string
	SenderID    string
	RecipientID string
	Preview     string
	Timestamp   time.Time
	Email       string
	AvatarURL   string
}

// PartnerID returns the uid of the other party, given the uid of the user
// who owns this summary record.
func (rm *RecentMessage) PartnerID(ownerID string) string {
	if rm.SenderID == ownerID {
		return rm.RecipientID
	}
	return rm.SenderID
}

// Username derives the partner's display name from the local part of the
// email.
func (rm *RecentMessage) Username() string {
	name, _, _ := strings.Cut(rm.Email, "@")
	return name
}

func (rm *RecentMessage) Record() backend.Record {
	return backend.Record{
		"senderID":        rm.SenderID,
		"recipientID":     rm.RecipientID,
		"message":         rm.Preview,
		"timestamp":       rm.Timestamp,
		"email":           rm.Email,
		"profileImageURL": rm.AvatarURL,
	}
}

func RecentMessageFromRecord(key string, r backend.Record) *RecentMessage {
	return &RecentMessage{
		ID:          key,
		SenderID:    str(r, "senderID"),
		RecipientID: str(r, "recipientID"),
		Preview:     str(r, "message"),
		Timestamp:   stamp(r, "timestamp"),
		Email:       str(r, "email"),
		AvatarURL:   str(r, "profileImageURL"),
	}
}

// Status is an ephemeral story post.  A post is active until ExpiredAt;
// expired posts are purged lazily during listing.  SeenBy grows
// monotonically as viewers mark themselves.
type Status struct {
	ID        string
	PosterID  string
	Timestamp time.Time
	Email     string
	ImageURL  string
	ExpiredAt time.Time
	SeenBy    []string
}

// Active reports whether the post has not yet expired at the given instant.
func (s *Status) Active(now time.Time) bool {
	return now.Before(s.ExpiredAt)
}

// Username derives the poster's display name from the local part of the
// email.
func (s *Status) Username() string {
	name, _, _ := strings.Cut(s.Email, "@")
	return name
}

// SeenByViewer reports whether the given viewer has already marked the post
// seen.
func (s *Status) SeenByViewer(uid string) bool {
	for _, v := range s.SeenBy {
		if v == uid {
			return true
		}
	}
	return false
}

func (s *Status) Record() backend.Record {
	seenBy := make([]any, 0, len(s.SeenBy))
	for _, v := range s.SeenBy {
		seenBy = append(seenBy, v)
	}
	return backend.Record{
		"uid":            s.PosterID,
		"timestamp":      s.Timestamp,
		"email":          s.Email,
		"statusImageURL": s.ImageURL,
		"expiredAt":      s.ExpiredAt,
		"seenBy":         seenBy,
	}
}

func StatusFromRecord(key string, r backend.Record) *Status {
	return &Status{
		ID:        key,
		PosterID:  str(r, "uid"),
		Timestamp: stamp(r, "timestamp"),
		Email:     str(r, "email"),
		ImageURL:  str(r, "statusImageURL"),
		ExpiredAt: stamp(r, "expiredAt"),
		SeenBy:    strs(r, "seenBy"),
	}
}

// ReelPost is a video feed entry.  Append-only, no expiry, no seen
// tracking.
type ReelPost struct {
	ID        string
	PosterID  string
	Timestamp time.Time
	Email     string
	VideoURL  string
}

func (p *ReelPost) Record() backend.Record {
	return backend.Record{
		"uid":       p.PosterID,
		"timestamp": p.Timestamp,
		"email":     p.Email,
		"videoUrl":  p.VideoURL,
	}
}

func ReelPostFromRecord(key string, r backend.Record) *ReelPost {
	return &ReelPost{
		ID:        key,
		PosterID:  str(r, "uid"),
		Timestamp: stamp(r, "timestamp"),
		Email:     str(r, "email"),
		VideoURL:  str(r, "videoUrl"),
	}
}

func str(r backend.Record, key string) string {
	v, _ := r[key].(string)
	return v
}

func stamp(r backend.Record, key string) time.Time {
	v, _ := r[key].(time.Time)
	return v
}

func strs(r backend.Record, key string) []string {
	switch v := r[key].(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
