package chat

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pigeon/backend"
	"pigeon/dbtypes"
)

// Preview text recorded in summaries for image messages.
const imagePreview = "Image"

// Fan-out stages that can fail after the sender-side log write succeeded.
const (
	StageSenderSummary    = "sender-summary"
	StageRecipientSummary = "recipient-summary"
	StageRecipientLog     = "recipient-log"
)

// PartialSendError reports a fan-out that halted after the sender-side log
// write succeeded: the sender sees the message, but one or more of the
// remaining copies is missing.  The caller can repair the named stage
// instead of resending the whole message.
type PartialSendError struct {
	// MessageID is the key of the sender-side log copy that did land.
	MessageID string
	// Stage is the first write that failed.
	Stage string
	Err   error
}

func (e *PartialSendError) Error() string {
	return fmt.Sprintf("message %s recorded one-sided: %s write failed: %v", e.MessageID, e.Stage, e.Err)
}

func (e *PartialSendError) Unwrap() error {
	return e.Err
}

// Notifier delivers a best-effort out-of-band notification for a newly
// recorded message.
type Notifier interface {
	NotifyNewMessage(ctx context.Context, sender, recipient *dbtypes.User, preview string) error
}

// Fanout records each sent message under both participants and keeps both
// parties' recent-conversation summaries current.
//
// The four document writes are sequential, not transactional.  Concurrent
// sends between the same pair may interleave their summary upserts; the
// later timestamp wins, which is fine for a most-recent cache.
type Fanout struct {
	docs     backend.Docs
	blobs    backend.Blobs
	notifier Notifier
	now      func() time.Time
}

type FanoutOpt func(*Fanout)

// WithNotifier attaches a best-effort new-message notifier.
func WithNotifier(n Notifier) FanoutOpt {
	return func(f *Fanout) { f.notifier = n }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) FanoutOpt {
	return func(f *Fanout) { f.now = now }
}

func NewFanout(docs backend.Docs, blobs backend.Blobs, opts ...FanoutOpt) *Fanout {
	f := &Fanout{
		docs:  docs,
		blobs: blobs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SendText records a text message from sender to recipient.
func (f *Fanout) SendText(ctx context.Context, sender, recipient *dbtypes.User, text string) error {
	if sender == nil || sender.UID == "" {
		return ErrNotAuthenticated
	}
	if text == "" {
		return ErrEmptyMessage
	}

	msg := &dbtypes.Message{
		Kind: dbtypes.KindText,
		Text: text,
	}
	return f.send(ctx, sender, recipient, msg, text)
}

// SendImage uploads the image and records an image message from sender to
// recipient.  An upload failure aborts before any document write.
func (f *Fanout) SendImage(ctx context.Context, sender, recipient *dbtypes.User, image []byte) error {
	if sender == nil || sender.UID == "" {
		return ErrNotAuthenticated
	}
	if len(image) == 0 {
		return ErrEmptyMessage
	}

	url, err := f.blobs.Upload(ctx, fmt.Sprintf("message_image/%s/%s", sender.UID, randomHex(8)), image)
	if err != nil {
		return fmt.Errorf("while uploading chat image: %w", err)
	}

	msg := &dbtypes.Message{
		Kind:     dbtypes.KindImage,
		ImageURL: url,
	}
	return f.send(ctx, sender, recipient, msg, imagePreview)
}

func (f *Fanout) send(ctx context.Context, sender, recipient *dbtypes.User, msg *dbtypes.Message, preview string) error {
	if sender == nil || sender.UID == "" {
		return ErrNotAuthenticated
	}
	if recipient == nil || recipient.UID == "" {
		return ErrNoRecipient
	}

	ts := f.now()
	msg.SenderID = sender.UID
	msg.RecipientID = recipient.UID
	msg.Timestamp = ts
	msg.SenderEmail = sender.Email
	msg.SenderAvatarURL = sender.AvatarURL
	rec := msg.Record()

	// Sender-side log copy.  If this fails, nothing was written and the
	// whole send failed cleanly.
	msgID, err := f.docs.Add(ctx, messagesCollection(sender.UID, recipient.UID), rec)
	if err != nil {
		return fmt.Errorf("while recording message for sender: %w", err)
	}

	// The sender's summary shows the partner's display identity.
	senderSummary := &dbtypes.RecentMessage{
		SenderID:    sender.UID,
		RecipientID: recipient.UID,
		Preview:     preview,
		Timestamp:   ts,
		Email:       recipient.Email,
		AvatarURL:   recipient.AvatarURL,
	}
	if err := f.docs.Set(ctx, recentsCollection(sender.UID), recipient.UID, senderSummary.Record()); err != nil {
		return &PartialSendError{MessageID: msgID, Stage: StageSenderSummary, Err: err}
	}

	recipientSummary := &dbtypes.RecentMessage{
		SenderID:    sender.UID,
		RecipientID: recipient.UID,
		Preview:     preview,
		Timestamp:   ts,
		Email:       sender.Email,
		AvatarURL:   sender.AvatarURL,
	}
	if err := f.docs.Set(ctx, recentsCollection(recipient.UID), sender.UID, recipientSummary.Record()); err != nil {
		return &PartialSendError{MessageID: msgID, Stage: StageRecipientSummary, Err: err}
	}

	// Recipient-side mirror of the log copy.
	if _, err := f.docs.Add(ctx, messagesCollection(recipient.UID, sender.UID), rec); err != nil {
		return &PartialSendError{MessageID: msgID, Stage: StageRecipientLog, Err: err}
	}

	if f.notifier != nil {
		// Notification problems never fail a delivered send.
		if err := f.notifier.NotifyNewMessage(ctx, sender, recipient, preview); err != nil {
			slog.ErrorContext(ctx, "New-message notification failed", slog.Any("err", err))
		}
	}

	return nil
}
