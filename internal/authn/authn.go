// Package authn implements SMTP AUTH credential verification: a file-backed
// password store for PLAIN/LOGIN and a thin wrapper delegating
// OAUTHBEARER to internal/oauth. It replaces the dropped
// github.com/infodancer/auth dependency with something this module owns
// end to end.
package authn

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/infodancer/smtpd/internal/oauth"
)

// ErrInvalidCredentials is returned for any authentication failure; the
// specific reason is never surfaced to the client or logged at a level
// visible to an unauthenticated peer.
var ErrInvalidCredentials = errors.New("authn: invalid credentials")

// PasswdStore holds username/password-hash pairs loaded from a colon
// separated file: "user:$argon2id$v=19$m=...,t=...,p=...$salt$hash".
// The format matches the PHC string produced by golang.org/x/crypto/argon2.
type PasswdStore struct {
	mu      sync.RWMutex
	entries map[string]string
	path    string
}

// LoadPasswdStore reads path and builds a PasswdStore. The file is not
// watched; callers needing to pick up edits call Reload.
func LoadPasswdStore(path string) (*PasswdStore, error) {
	s := &PasswdStore{path: path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the backing file, replacing the in-memory credential map.
func (s *PasswdStore) Reload() error {
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("authn: open passwd file: %w", err)
	}
	defer f.Close()

	entries := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		entries[line[:idx]] = line[idx+1:]
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("authn: scan passwd file: %w", err)
	}

	s.mu.Lock()
	s.entries = entries
	s.mu.Unlock()
	return nil
}

// Verify checks username/password against the stored hash. It returns
// ErrInvalidCredentials for both unknown usernames and mismatched
// passwords, never distinguishing the two to a caller.
func (s *PasswdStore) Verify(username, password string) error {
	s.mu.RLock()
	hash, ok := s.entries[username]
	s.mu.RUnlock()
	if !ok {
		return ErrInvalidCredentials
	}
	match, err := verifyArgon2id(hash, password)
	if err != nil || !match {
		return ErrInvalidCredentials
	}
	return nil
}

// HashPassword returns a PHC-formatted argon2id hash suitable for storing
// in a passwd file, using parameters matching Verify's expectations.
func HashPassword(password string, salt []byte) (string, error) {
	if len(salt) == 0 {
		return "", errors.New("authn: salt required")
	}
	hash := argon2.IDKey([]byte(password), salt, 3, 64*1024, 4, 32)
	return fmt.Sprintf("$argon2id$v=19$m=65536,t=3,p=4$%s$%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

func verifyArgon2id(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("authn: unrecognized hash format")
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, err
	}
	var memory, time uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &parallelism); err != nil {
		return false, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, err
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, time, memory, parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Authenticator implements internal/smtp.Authenticator, backing
// AUTH PLAIN/LOGIN with a PasswdStore and AUTH OAUTHBEARER with an
// oauth.Agent. Either may be nil, in which case the corresponding
// mechanism always fails.
type Authenticator struct {
	Passwd *PasswdStore
	OAuth  oauth.Agent
}

// AuthenticatePlain verifies username/password via the passwd store.
func (a *Authenticator) AuthenticatePlain(ctx context.Context, username, password string) error {
	if a.Passwd == nil {
		return ErrInvalidCredentials
	}
	return a.Passwd.Verify(username, password)
}

// AuthenticateOAuthBearer validates token via the oauth agent and confirms
// it authorizes the claimed username.
func (a *Authenticator) AuthenticateOAuthBearer(ctx context.Context, username, token string) error {
	if a.OAuth == nil {
		return ErrInvalidCredentials
	}
	claimed, err := a.OAuth.ValidateToken(ctx, token)
	if err != nil {
		return ErrInvalidCredentials
	}
	if claimed != username {
		return ErrInvalidCredentials
	}
	return nil
}

// Note: PasswdStore only supports mechanisms that can be checked against a
// salted hash (PLAIN, LOGIN). CRAM-MD5's challenge-response requires the
// plaintext password, which argon2id never recovers, so a server using this
// Authenticator cannot offer CRAM-MD5 to inbound AUTH attempts even though
// internal/smtpclient can use it when authenticating outbound.
