package token

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/louisbranch/credence/internal/identity/storage"
	"github.com/louisbranch/credence/internal/identity/user"
	apperrors "github.com/louisbranch/credence/internal/platform/errors"
)

type fakeUserStore struct {
	users map[string]user.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]user.User)}
}

func (s *fakeUserStore) PutUser(_ context.Context, u user.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *fakeUserStore) UpdateUser(_ context.Context, u user.User) error {
	s.users[u.ID] = u
	return nil
}

func (s *fakeUserStore) GetUser(_ context.Context, userID string) (user.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

func (s *fakeUserStore) GetUserByEmail(_ context.Context, email string) (user.User, error) {
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *fakeUserStore) GetUserByWebAuthnUniquifier(_ context.Context, uniquifier string) (user.User, error) {
	for _, u := range s.users {
		if u.WebAuthnUniquifier == uniquifier {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

func (s *fakeUserStore) DeleteUser(_ context.Context, userID string) error {
	delete(s.users, userID)
	return nil
}

func newTestIssuer(t *testing.T) (*Issuer, *fakeUserStore) {
	t.Helper()
	store := newFakeUserStore()
	issuer, err := NewIssuer(Config{SigningKey: []byte("test-signing-key"), TTL: time.Hour, Issuer: "credence"}, store)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	return issuer, store
}

func tokenCode(t *testing.T, err error) apperrors.Code {
	t.Helper()
	var appErr *apperrors.Error
	if !errors.As(err, &appErr) {
		t.Fatalf("expected coded error, got %v", err)
	}
	return appErr.Code
}

func TestIssueAndVerify(t *testing.T) {
	issuer, store := newTestIssuer(t)
	store.users["user-1"] = user.User{ID: "user-1", TokenUniquifier: "uniquifier-1"}

	token, err := issuer.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	userID, err := issuer.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("userID = %q", userID)
	}
}

func TestVerifyAfterRotationFails(t *testing.T) {
	issuer, store := newTestIssuer(t)
	store.users["user-1"] = user.User{ID: "user-1", TokenUniquifier: "uniquifier-1"}

	token, err := issuer.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	u := store.users["user-1"]
	u.TokenUniquifier = "uniquifier-2"
	store.users["user-1"] = u

	_, err = issuer.Verify(context.Background(), token)
	if code := tokenCode(t, err); code != apperrors.CodeTokenInvalid {
		t.Fatalf("code = %q, want %q", code, apperrors.CodeTokenInvalid)
	}
}

func TestVerifyExpiredToken(t *testing.T) {
	issuer, store := newTestIssuer(t)
	store.users["user-1"] = user.User{ID: "user-1", TokenUniquifier: "uniquifier-1"}

	base := time.Now()
	issuer.clock = func() time.Time { return base }
	token, err := issuer.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	issuer.clock = func() time.Time { return base.Add(2 * time.Hour) }
	_, err = issuer.Verify(context.Background(), token)
	if code := tokenCode(t, err); code != apperrors.CodeTokenInvalid {
		t.Fatalf("code = %q, want %q", code, apperrors.CodeTokenInvalid)
	}
}

func TestVerifyTamperedToken(t *testing.T) {
	issuer, store := newTestIssuer(t)
	store.users["user-1"] = user.User{ID: "user-1", TokenUniquifier: "uniquifier-1"}

	token, err := issuer.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	tampered := token[:len(token)-2] + "xx"
	_, err = issuer.Verify(context.Background(), tampered)
	if code := tokenCode(t, err); code != apperrors.CodeTokenInvalid {
		t.Fatalf("code = %q, want %q", code, apperrors.CodeTokenInvalid)
	}
}

func TestVerifyDeletedUser(t *testing.T) {
	issuer, store := newTestIssuer(t)
	store.users["user-1"] = user.User{ID: "user-1", TokenUniquifier: "uniquifier-1"}

	token, err := issuer.Issue(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	delete(store.users, "user-1")

	_, err = issuer.Verify(context.Background(), token)
	if code := tokenCode(t, err); code != apperrors.CodeTokenInvalid {
		t.Fatalf("code = %q, want %q", code, apperrors.CodeTokenInvalid)
	}
}

func TestNewIssuerRequiresKey(t *testing.T) {
	if _, err := NewIssuer(Config{}, newFakeUserStore()); err == nil {
		t.Fatal("expected error for missing signing key")
	}
}
