package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/oauth2"
)

// TokenStore persists the OAuth token between runs.
type TokenStore interface {
	Load() (*oauth2.Token, error)
	Save(tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a file readable only by the owner.
type FileTokenStore struct {
	Path string
}

// Load returns nil, nil when the file does not exist yet.
func (s FileTokenStore) Load() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token file %s: %w", s.Path, err)
	}
	return &tok, nil
}

// Save writes atomically via a temp file and rename.
func (s FileTokenStore) Save(tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create token dir: %w", err)
	}
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return os.Rename(tmp, s.Path)
}

// TokenManager owns the calendar access token. It refreshes from the stored refresh token when
// the access token is absent or expired and hands every refreshed token to the TokenStore.
// It implements oauth2.TokenSource so it can back the provider's HTTP transport.
type TokenManager struct {
	mu         sync.Mutex
	conf       *oauth2.Config
	token      *oauth2.Token
	store      TokenStore
	httpClient *http.Client
}

// TokenOption configures a TokenManager.
type TokenOption func(*TokenManager)

// WithTokenStore sets the persistence callback for refreshed tokens.
func WithTokenStore(s TokenStore) TokenOption {
	return func(m *TokenManager) { m.store = s }
}

// WithTokenHTTPClient sets the client used to reach the token endpoint.
func WithTokenHTTPClient(c *http.Client) TokenOption {
	return func(m *TokenManager) { m.httpClient = c }
}

// NewTokenManager creates a manager seeded with initial (which may carry only a refresh token).
func NewTokenManager(conf *oauth2.Config, initial *oauth2.Token, opts ...TokenOption) *TokenManager {
	m := &TokenManager{conf: conf, token: initial}
	if m.token == nil {
		m.token = &oauth2.Token{}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var (
	_ Credentials        = (*TokenManager)(nil)
	_ oauth2.TokenSource = (*TokenManager)(nil)
)

// EnsureValid refreshes the access token when it is absent or expired.
func (m *TokenManager) EnsureValid(ctx context.Context) error {
	_, err := m.valid(ctx)
	return err
}

// Token returns a valid access token, refreshing it if needed.
func (m *TokenManager) Token() (*oauth2.Token, error) {
	return m.valid(context.Background())
}

// Invalidate drops the access token but keeps the refresh token.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	refresh := m.token.RefreshToken
	m.token = &oauth2.Token{RefreshToken: refresh}
}

func (m *TokenManager) valid(ctx context.Context) (*oauth2.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token.Valid() {
		return m.token, nil
	}
	if m.token.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token configured", ErrAuthExpired)
	}

	if m.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	}
	stale := &oauth2.Token{RefreshToken: m.token.RefreshToken}
	tok, err := m.conf.TokenSource(ctx, stale).Token()
	if err != nil {
		slog.Error("TokenManager.valid: refresh failed", "error", err)
		return nil, classifyTokenError(err)
	}
	m.token = tok
	slog.Info("TokenManager.valid: access token refreshed", "expiry", tok.Expiry)

	if m.store != nil {
		if err := m.store.Save(tok); err != nil {
			slog.Warn("TokenManager.valid: persisting refreshed token failed", "error", err)
		}
	}
	return tok, nil
}

// classifyTokenError maps a rejected refresh to ErrAuthExpired and a transport or 5xx
// failure to ErrProviderUnavailable.
func classifyTokenError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return fmt.Errorf("%w: token endpoint: %v", ErrProviderUnavailable, err)
		}
		return fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return fmt.Errorf("%w: token endpoint: %v", ErrProviderUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrAuthExpired, err)
}
