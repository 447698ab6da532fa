// Package auth holds the single-admin identity: session cookies, the
// dashboard password (bootstrap plaintext until first change, bcrypt after),
// and the threat-feed ingest API key.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gorilla/sessions"
	"golang.org/x/crypto/bcrypt"
)

const (
	sessionName = "threatmap.sid"
	sessionKey  = "userId"
)

// ErrStorage marks credential persistence failures, as opposed to policy
// violations. Handlers map it to a 500 rather than a 400.
var ErrStorage = errors.New("credential storage")

// Store is the session backend. The default cookie store can be swapped for
// a shared implementation without touching callers.
type Store = sessions.Store

// Manager authenticates requests and manages the admin credential.
type Manager struct {
	store    Store
	username string
	// bootstrapPassword is only consulted while data/password.hash does
	// not exist. The first successful change writes the hash and retires
	// the plaintext path for good.
	bootstrapPassword string
	hashPath          string
	apiKey            string
	log               *slog.Logger
}

// NewManager builds the manager. An empty or short secret gets a random
// fallback: sessions then reset on restart, which is the documented warning,
// not an error.
func NewManager(secret, username, bootstrapPassword, hashPath, apiKey string, production bool, log *slog.Logger) *Manager {
	if secret == "" {
		buf := make([]byte, 32)
		rand.Read(buf)
		secret = string(buf)
	}
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/",
		HttpOnly: true,
		Secure:   production,
		MaxAge:   86400,
	}

	return &Manager{
		store:             store,
		username:          username,
		bootstrapPassword: bootstrapPassword,
		hashPath:          hashPath,
		apiKey:            apiKey,
		log:               log.With("component", "auth"),
	}
}

// UserID returns the authenticated user id for the request, if any.
func (m *Manager) UserID(r *http.Request) (string, bool) {
	session, err := m.store.Get(r, sessionName)
	if err != nil {
		return "", false
	}
	id, ok := session.Values[sessionKey].(string)
	return id, ok && id != ""
}

// Login verifies credentials and establishes the session. The error text is
// deliberately generic: login failures must not reveal which half was wrong.
func (m *Manager) Login(w http.ResponseWriter, r *http.Request, username, password string) error {
	if subtle.ConstantTimeCompare([]byte(username), []byte(m.username)) != 1 || !m.VerifyPassword(password) {
		return fmt.Errorf("invalid credentials")
	}
	session, _ := m.store.Get(r, sessionName)
	session.Values[sessionKey] = m.username
	if err := session.Save(r, w); err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return nil
}

// Logout destroys the session.
func (m *Manager) Logout(w http.ResponseWriter, r *http.Request) {
	session, _ := m.store.Get(r, sessionName)
	session.Options.MaxAge = -1
	session.Save(r, w)
}

// VerifyPassword checks the given password against the stored hash when one
// exists, and against the bootstrap plaintext otherwise.
func (m *Manager) VerifyPassword(password string) bool {
	hash, err := os.ReadFile(m.hashPath)
	if err == nil {
		return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(m.bootstrapPassword)) == 1
}

// SetPassword hashes and persists a new password. Unlike the other persisted
// files, a write failure here is surfaced to the caller: losing the password
// file silently would re-open the bootstrap credential.
func (m *Manager) SetPassword(password string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("%w: hash: %v", ErrStorage, err)
	}
	if err := os.MkdirAll(filepath.Dir(m.hashPath), 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.WriteFile(m.hashPath, hash, 0o600); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	m.log.Info("dashboard password updated")
	return nil
}

// ValidatePassword enforces the minimum policy: 8+ characters with at least
// one lowercase, one uppercase, and one digit.
func ValidatePassword(password string) error {
	if len(password) < 8 {
		return fmt.Errorf("password must be at least 8 characters")
	}
	var lower, upper, digit bool
	for _, r := range password {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		}
	}
	if !lower || !upper || !digit {
		return fmt.Errorf("password must include lowercase, uppercase, and a digit")
	}
	return nil
}

// CheckAPIKey validates the X-API-Token header value in constant time.
// configured is false when no key is set at all (the ingest endpoint then
// answers 503, not 401).
func (m *Manager) CheckAPIKey(token string) (ok, configured bool) {
	if m.apiKey == "" {
		return false, false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(m.apiKey)) == 1, true
}
