package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"pigeon/backend/memstore"
)

func TestCreateAccountAndLogIn(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	idp := New(store, store)

	user, err := idp.CreateAccount(ctx, "alice@example.com", "hunter2", []byte("png bytes"))
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if user.UID == "" {
		t.Error("CreateAccount returned empty uid")
	}
	if user.AvatarURL == "" {
		t.Error("CreateAccount with avatar returned empty avatar URL")
	}
	if user.PasswordHash == "hunter2" {
		t.Error("Password stored in the clear")
	}

	session, err := idp.SessionFromPassword(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SessionFromPassword: %v", err)
	}
	if session.UserID != user.UID {
		t.Errorf("Session user = %q, want %q", session.UserID, user.UID)
	}

	got, err := idp.UserFromSession(ctx, session.Cookie)
	if err != nil {
		t.Fatalf("UserFromSession: %v", err)
	}
	if got == nil || got.UID != user.UID {
		t.Errorf("UserFromSession = %+v, want user %q", got, user.UID)
	}
}

func TestCreateAccountRejectsDuplicateEmail(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	idp := New(store, store)

	if _, err := idp.CreateAccount(ctx, "alice@example.com", "hunter2", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := idp.CreateAccount(ctx, "alice@example.com", "other", nil); !errors.Is(err, ErrAccountAlreadyExists) {
		t.Errorf("Duplicate CreateAccount = %v, want ErrAccountAlreadyExists", err)
	}
}

func TestCreateAccountValidatesArguments(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	idp := New(store, store)

	if _, err := idp.CreateAccount(ctx, "", "hunter2", nil); !errors.Is(err, ErrEmailMustNotBeEmpty) {
		t.Errorf("CreateAccount(empty email) = %v, want ErrEmailMustNotBeEmpty", err)
	}
	if _, err := idp.CreateAccount(ctx, "alice@example.com", "", nil); !errors.Is(err, ErrPasswordMustNotBeEmpty) {
		t.Errorf("CreateAccount(empty password) = %v, want ErrPasswordMustNotBeEmpty", err)
	}
}

func TestLogInRejectsBadCredentials(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	idp := New(store, store)

	if _, err := idp.CreateAccount(ctx, "alice@example.com", "hunter2", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	if _, err := idp.SessionFromPassword(ctx, "alice@example.com", "wrong"); !errors.Is(err, ErrUnknownUserOrWrongPassword) {
		t.Errorf("Wrong password = %v, want ErrUnknownUserOrWrongPassword", err)
	}
	if _, err := idp.SessionFromPassword(ctx, "nobody@example.com", "hunter2"); !errors.Is(err, ErrUnknownUserOrWrongPassword) {
		t.Errorf("Unknown email = %v, want ErrUnknownUserOrWrongPassword", err)
	}
}

func TestUserFromSessionMissingOrExpired(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	current := t0
	idp := New(store, store, WithClock(func() time.Time { return current }))

	got, err := idp.UserFromSession(ctx, "no-such-cookie")
	if err != nil || got != nil {
		t.Errorf("UserFromSession(unknown cookie) = %+v, %v; want nil, nil", got, err)
	}

	if _, err := idp.CreateAccount(ctx, "alice@example.com", "hunter2", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	session, err := idp.SessionFromPassword(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SessionFromPassword: %v", err)
	}

	current = t0.Add(sessionLifetime + time.Minute)
	got, err = idp.UserFromSession(ctx, session.Cookie)
	if err != nil || got != nil {
		t.Errorf("UserFromSession(expired) = %+v, %v; want nil, nil", got, err)
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	idp := New(store, store)

	if _, err := idp.CreateAccount(ctx, "alice@example.com", "hunter2", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	session, err := idp.SessionFromPassword(ctx, "alice@example.com", "hunter2")
	if err != nil {
		t.Fatalf("SessionFromPassword: %v", err)
	}

	if err := idp.DeleteSession(ctx, session.Cookie); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	got, err := idp.UserFromSession(ctx, session.Cookie)
	if err != nil || got != nil {
		t.Errorf("UserFromSession after log-out = %+v, %v; want nil, nil", got, err)
	}
}

func TestUsersExcludesCaller(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	idp := New(store, store)

	aliceUser, err := idp.CreateAccount(ctx, "alice@example.com", "hunter2", nil)
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	if _, err := idp.CreateAccount(ctx, "bob@example.com", "hunter2", nil); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}

	users, err := idp.Users(ctx, aliceUser.UID)
	if err != nil {
		t.Fatalf("Users: %v", err)
	}
	if len(users) != 1 || users[0].Email != "bob@example.com" {
		t.Errorf("Users = %+v, want only bob", users)
	}
}

func TestNewUIDShape(t *testing.T) {
	uid := newUID()
	if len(uid) != 28 {
		t.Errorf("newUID length = %d, want 28", len(uid))
	}
	if strings.ToLower(uid) != uid {
		t.Errorf("newUID %q is not lowercase hex", uid)
	}
}
