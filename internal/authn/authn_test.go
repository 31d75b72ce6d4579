package authn

import (
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/infodancer/smtpd/internal/oauth"
)

func writePasswdFile(t *testing.T, entries map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "passwd")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	for user, hash := range entries {
		if _, err := f.WriteString(user + ":" + hash + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	return path
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		t.Fatalf("rand: %v", err)
	}
	hash, err := HashPassword(password, salt)
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return hash
}

func TestPasswdStoreVerifyAcceptsCorrectPassword(t *testing.T) {
	path := writePasswdFile(t, map[string]string{"alice": mustHash(t, "s3cret")})
	store, err := LoadPasswdStore(path)
	if err != nil {
		t.Fatalf("LoadPasswdStore: %v", err)
	}
	if err := store.Verify("alice", "s3cret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestPasswdStoreVerifyRejectsWrongPassword(t *testing.T) {
	path := writePasswdFile(t, map[string]string{"alice": mustHash(t, "s3cret")})
	store, err := LoadPasswdStore(path)
	if err != nil {
		t.Fatalf("LoadPasswdStore: %v", err)
	}
	if err := store.Verify("alice", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPasswdStoreVerifyRejectsUnknownUser(t *testing.T) {
	path := writePasswdFile(t, map[string]string{"alice": mustHash(t, "s3cret")})
	store, err := LoadPasswdStore(path)
	if err != nil {
		t.Fatalf("LoadPasswdStore: %v", err)
	}
	if err := store.Verify("bob", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestPasswdStoreReload(t *testing.T) {
	path := writePasswdFile(t, map[string]string{"alice": mustHash(t, "s3cret")})
	store, err := LoadPasswdStore(path)
	if err != nil {
		t.Fatalf("LoadPasswdStore: %v", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open append: %v", err)
	}
	if _, err := f.WriteString("bob:" + mustHash(t, "hunter2") + "\n"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	if err := store.Verify("bob", "hunter2"); err == nil {
		t.Fatalf("expected bob to be unknown before Reload")
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if err := store.Verify("bob", "hunter2"); err != nil {
		t.Fatalf("expected bob to verify after Reload, got %v", err)
	}
}

type fakeOAuthAgent struct {
	username string
	err      error
}

func (f *fakeOAuthAgent) ValidateToken(ctx context.Context, token string) (string, error) {
	return f.username, f.err
}

func (f *fakeOAuthAgent) Close() error { return nil }

var _ oauth.Agent = (*fakeOAuthAgent)(nil)

func TestAuthenticatorPlainDelegatesToPasswdStore(t *testing.T) {
	path := writePasswdFile(t, map[string]string{"alice": mustHash(t, "s3cret")})
	store, err := LoadPasswdStore(path)
	if err != nil {
		t.Fatalf("LoadPasswdStore: %v", err)
	}
	a := &Authenticator{Passwd: store}
	if err := a.AuthenticatePlain(context.Background(), "alice", "s3cret"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestAuthenticatorOAuthBearerRequiresMatchingUsername(t *testing.T) {
	a := &Authenticator{OAuth: &fakeOAuthAgent{username: "alice@example.com"}}
	if err := a.AuthenticateOAuthBearer(context.Background(), "alice@example.com", "tok"); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if err := a.AuthenticateOAuthBearer(context.Background(), "mallory@example.com", "tok"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for mismatched username, got %v", err)
	}
}

func TestAuthenticatorOAuthBearerWithoutAgentFails(t *testing.T) {
	a := &Authenticator{}
	if err := a.AuthenticateOAuthBearer(context.Background(), "alice", "tok"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
}
