// Package auth manages the process-wide authenticated session.
//
// A Manager is constructed once at startup, restores the persisted session with
// Restore, and is passed explicitly to every component that needs credentials.
// Invalidate is called when a remote call reports an expired grant; Logout is
// the explicit teardown.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/raphaelgruber/dishcapture/internal/remote"
	"gopkg.in/yaml.v3"
)

// ErrNotAuthenticated is returned when an operation needs a signed-in user.
var ErrNotAuthenticated = errors.New("not authenticated")

// Session is a signed-in user's access grant.
type Session struct {
	AccessToken  string    `yaml:"access_token"`
	RefreshToken string    `yaml:"refresh_token,omitempty"`
	UserID       string    `yaml:"user_id"`
	Email        string    `yaml:"email,omitempty"`
	ExpiresAt    time.Time `yaml:"expires_at"`
}

// Expired reports whether the access token is past its expiry.
func (s Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Manager owns the current session and its persisted copy.
// All methods are safe for concurrent use.
type Manager struct {
	mu        sync.RWMutex
	session   *Session
	path      string
	logger    *slog.Logger
	listeners []func(reason string)
	now       func() time.Time
}

// NewManager creates a manager persisting to path. An empty path keeps the
// session in memory only.
func NewManager(path string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// Restore loads the persisted session, if any. An expired session is
// discarded.
func (m *Manager) Restore() error {
	if m.path == "" {
		return nil
	}

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read session: %w", err)
	}

	var s Session
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("parse session: %w", err)
	}

	if s.AccessToken == "" || s.Expired(m.now()) {
		m.logger.Info("discarding expired session", "user_id", s.UserID)
		return m.removeFile()
	}

	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()

	m.logger.Info("session restored", "user_id", s.UserID, "expires_at", s.ExpiresAt)
	return nil
}

// Set replaces the current session and persists it.
func (m *Manager) Set(s Session) error {
	m.mu.Lock()
	m.session = &s
	m.mu.Unlock()

	if m.path == "" {
		return nil
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(m.path, data, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Current returns a copy of the current session.
func (m *Manager) Current() (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return Session{}, false
	}
	return *m.session, true
}

// AccessToken implements remote.TokenSource.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// UserID returns the signed-in user's ID.
func (m *Manager) UserID() (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil || m.session.UserID == "" {
		return "", ErrNotAuthenticated
	}
	return m.session.UserID, nil
}

// OnInvalidate registers fn to be called whenever the session is invalidated.
func (m *Manager) OnInvalidate(fn func(reason string)) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Invalidate drops the current session because its grant is no longer
// accepted. It is a no-op when no session is active.
func (m *Manager) Invalidate(reason string) {
	m.mu.Lock()
	if m.session == nil {
		m.mu.Unlock()
		return
	}
	userID := m.session.UserID
	m.session = nil
	listeners := append([]func(string){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("session invalidated", "user_id", userID, "reason", reason)
	if err := m.removeFile(); err != nil {
		m.logger.Warn("failed to remove persisted session", "error", err)
	}
	for _, fn := range listeners {
		fn(reason)
	}
}

// Logout clears the session and its persisted copy.
func (m *Manager) Logout() error {
	m.mu.Lock()
	m.session = nil
	m.mu.Unlock()
	return m.removeFile()
}

func (m *Manager) removeFile() error {
	if m.path == "" {
		return nil
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session: %w", err)
	}
	return nil
}

// tokenResponse is the password-grant response of the auth API.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

// Login exchanges email and password for a session and persists it.
// client must be configured with the anonymous API key.
func (m *Manager) Login(ctx context.Context, client *remote.Client, email, password string) (Session, error) {
	var resp tokenResponse
	err := client.DoJSON(ctx, "login", http.MethodPost, "/auth/v1/token",
		url.Values{"grant_type": {"password"}}, nil,
		map[string]string{"email": email, "password": password}, &resp)
	if err != nil {
		return Session{}, err
	}
	if resp.AccessToken == "" {
		return Session{}, fmt.Errorf("login: empty access token")
	}

	s := Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		UserID:       resp.User.ID,
		Email:        resp.User.Email,
	}
	switch {
	case resp.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
	case resp.ExpiresIn > 0:
		s.ExpiresAt = m.now().Add(time.Duration(resp.ExpiresIn) * time.Second)
	}

	if err := m.Set(s); err != nil {
		return Session{}, err
	}
	m.logger.Info("logged in", "user_id", s.UserID)
	return s, nil
}
