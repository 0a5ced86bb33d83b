// Package identity manages accounts and log-in sessions on top of the
// document store.  It fills the identity-provider role for the rest of the
// application: everything else asks it for the current user.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pigeon/backend"
	"pigeon/dbtypes"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/idtoken"
)

var (
	ErrEmailMustNotBeEmpty        = errors.New("email must not be empty")
	ErrPasswordMustNotBeEmpty     = errors.New("password must not be empty")
	ErrUnknownUserOrWrongPassword = errors.New("unknown user or wrong password")
	ErrAccountAlreadyExists       = errors.New("an account with that email already exists")
)

const (
	usersCollection    = "users"
	sessionsCollection = "sessions"

	sessionLifetime = 18 * time.Hour
)

// Session is a log-in session.  Stored keyed by its cookie.
type Session struct {
	Cookie  string
	UserID  string
	Expires time.Time
}

func (s *Session) record() backend.Record {
	return backend.Record{
		"cookie":  s.Cookie,
		"userID":  s.UserID,
		"expires": s.Expires,
	}
}

func sessionFromRecord(r backend.Record) *Session {
	cookie, _ := r["cookie"].(string)
	userID, _ := r["userID"].(string)
	expires, _ := r["expires"].(time.Time)
	return &Session{Cookie: cookie, UserID: userID, Expires: expires}
}

type Provider struct {
	docs                backend.Docs
	blobs               backend.Blobs
	googleOAuthClientID string
	now                 func() time.Time
}

type Opt func(*Provider)

// WithGoogleOAuthClientID enables "Sign in with Google" federation.
func WithGoogleOAuthClientID(id string) Opt {
	return func(p *Provider) { p.googleOAuthClientID = id }
}

// WithClock overrides the session-expiry clock.
func WithClock(now func() time.Time) Opt {
	return func(p *Provider) { p.now = now }
}

func New(docs backend.Docs, blobs backend.Blobs, opts ...Opt) *Provider {
	p := &Provider{
		docs:  docs,
		blobs: blobs,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// CreateAccount registers a new user, uploading the avatar image if one was
// provided.  The returned user carries the assigned uid.
func (p *Provider) CreateAccount(ctx context.Context, email, password string, avatar []byte) (*dbtypes.User, error) {
	if email == "" {
		return nil, ErrEmailMustNotBeEmpty
	}
	if password == "" {
		return nil, ErrPasswordMustNotBeEmpty
	}

	existing, err := p.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrAccountAlreadyExists
	}

	uid := newUID()

	avatarURL := ""
	if len(avatar) > 0 {
		avatarURL, err = p.blobs.Upload(ctx, "avatars/"+uid, avatar)
		if err != nil {
			return nil, fmt.Errorf("while uploading avatar: %w", err)
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("while hashing password: %w", err)
	}

	user := &dbtypes.User{
		UID:          uid,
		Email:        email,
		AvatarURL:    avatarURL,
		PasswordHash: string(hash),
	}
	if err := p.docs.Set(ctx, usersCollection, uid, user.Record()); err != nil {
		return nil, fmt.Errorf("while storing user: %w", err)
	}

	return user, nil
}

// SessionFromPassword runs the password-based log-in process, returning a
// stored session or an error.
func (p *Provider) SessionFromPassword(ctx context.Context, email, password string) (*Session, error) {
	if email == "" {
		return nil, ErrEmailMustNotBeEmpty
	}
	if password == "" {
		return nil, ErrPasswordMustNotBeEmpty
	}

	user, err := p.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownUserOrWrongPassword
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrUnknownUserOrWrongPassword
	}

	return p.newSession(ctx, user.UID)
}

// SessionFromGoogleFederation signs in a user based on a Google identity
// token returned from the "Sign in with Google" process.  The account must
// already exist.
func (p *Provider) SessionFromGoogleFederation(ctx context.Context, idToken string) (*Session, error) {
	payload, err := idtoken.Validate(ctx, idToken, p.googleOAuthClientID)
	if err != nil {
		return nil, fmt.Errorf("while validating ID token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)

	user, err := p.userByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUnknownUserOrWrongPassword
	}

	return p.newSession(ctx, user.UID)
}

func (p *Provider) newSession(ctx context.Context, userID string) (*Session, error) {
	cookieBytes := make([]byte, 32)
	if _, err := rand.Read(cookieBytes); err != nil {
		return nil, fmt.Errorf("while generating session cookie: %w", err)
	}
	cookie := base64.URLEncoding.EncodeToString(cookieBytes)

	session := &Session{
		Cookie:  cookie,
		UserID:  userID,
		Expires: p.now().Add(sessionLifetime),
	}
	if err := p.docs.Set(ctx, sessionsCollection, cookie, session.record()); err != nil {
		return nil, fmt.Errorf("while storing session: %w", err)
	}

	return session, nil
}

// UserFromSession looks up the session by its cookie and returns the
// corresponding user.  A missing or expired session yields (nil, nil): the
// user simply is not logged in.
func (p *Provider) UserFromSession(ctx context.Context, cookie string) (*dbtypes.User, error) {
	rec, err := p.docs.Get(ctx, sessionsCollection, cookie)
	if errors.Is(err, backend.ErrNotFound) {
		slog.InfoContext(ctx, "No logged-in user because no session matches the cookie.")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while looking up session: %w", err)
	}

	session := sessionFromRecord(rec)
	if session.Expires.Before(p.now()) {
		slog.InfoContext(ctx, "No logged-in user because the session is expired.")
		return nil, nil
	}

	userRec, err := p.docs.Get(ctx, usersCollection, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("while getting user linked from session: %w", err)
	}

	return dbtypes.UserFromRecord(userRec), nil
}

// DeleteSession signs the session out.
func (p *Provider) DeleteSession(ctx context.Context, cookie string) error {
	if err := p.docs.Delete(ctx, sessionsCollection, cookie); err != nil {
		return fmt.Errorf("while deleting session: %w", err)
	}
	return nil
}

// User returns the user with the given uid.
func (p *Provider) User(ctx context.Context, uid string) (*dbtypes.User, error) {
	rec, err := p.docs.Get(ctx, usersCollection, uid)
	if err != nil {
		return nil, fmt.Errorf("while getting user %s: %w", uid, err)
	}
	return dbtypes.UserFromRecord(rec), nil
}

// Users returns all users except the one with excludeUID, for the
// new-conversation picker.
func (p *Provider) Users(ctx context.Context, excludeUID string) ([]*dbtypes.User, error) {
	found, err := p.docs.Query(ctx, usersCollection, "email")
	if err != nil {
		return nil, fmt.Errorf("while querying users: %w", err)
	}

	var users []*dbtypes.User
	for _, doc := range found {
		user := dbtypes.UserFromRecord(doc.Data)
		if user.UID == excludeUID {
			continue
		}
		users = append(users, user)
	}
	return users, nil
}

func (p *Provider) userByEmail(ctx context.Context, email string) (*dbtypes.User, error) {
	found, err := p.docs.Query(ctx, usersCollection, "email")
	if err != nil {
		return nil, fmt.Errorf("while looking up user with email %q: %w", email, err)
	}

	for _, doc := range found {
		user := dbtypes.UserFromRecord(doc.Data)
		if user.Email == email {
			return user, nil
		}
	}
	return nil, nil
}

func newUID() string {
	buf := make([]byte, 14)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
