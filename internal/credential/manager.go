package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/internal/store"
)

// ErrNotFound is returned when neither the local cache nor the account
// store holds credentials for a user.
var ErrNotFound = errors.New("credentials not found")

// TokenRefreshError is returned when the OAuth token endpoint rejects a
// refresh-token grant or cannot be reached. StatusCode is 0 for transport
// failures.
type TokenRefreshError struct {
	StatusCode int
	Err        error
}

func (e *TokenRefreshError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("token refresh failed: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed (%d): %v", e.StatusCode, e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// AccountLookup reads sign-in tokens from the relational account store.
type AccountLookup interface {
	LookupTokens(ctx context.Context, userID string) (model.TokenPair, bool, error)
}

// Manager owns the cached OAuth credentials of every user and refreshes
// access tokens on demand.
type Manager struct {
	state      *store.UserState
	accounts   AccountLookup
	oauth      *oauth2.Config
	httpClient *http.Client
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used to call the token endpoint.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.httpClient = c }
}

// WithClock overrides time.Now, used for LastRefreshedAt.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// OAuthConfig builds the refresh-token grant configuration. Client
// credentials travel in the form body alongside the refresh token.
func OAuthConfig(clientID, clientSecret, tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint: oauth2.Endpoint{
			TokenURL:  tokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// NewManager creates a credential manager. accounts may be nil when no
// relational store is configured; cache misses then resolve to ErrNotFound.
func NewManager(
	state *store.UserState,
	accounts AccountLookup,
	oauthCfg *oauth2.Config,
	logger zerolog.Logger,
	opts ...Option,
) *Manager {
	m := &Manager{
		state:      state,
		accounts:   accounts,
		oauth:      oauthCfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		now:        time.Now,
		logger:     logger.With().Str("component", "credentials").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// GetCredentials returns the cached credential for userID. On a cache miss
// the account store is consulted once and a hit is written back to the cache.
func (m *Manager) GetCredentials(ctx context.Context, userID string) (model.UserCredential, error) {
	cred, ok, err := m.state.Credentials(ctx, userID)
	if err != nil {
		return model.UserCredential{}, fmt.Errorf("reading cached credentials: %w", err)
	}
	if ok {
		return *cred, nil
	}

	if m.accounts == nil {
		return model.UserCredential{}, ErrNotFound
	}

	pair, found, err := m.accounts.LookupTokens(ctx, userID)
	if err != nil {
		return model.UserCredential{}, fmt.Errorf("reading account tokens: %w", err)
	}
	if !found {
		return model.UserCredential{}, ErrNotFound
	}

	fresh := model.UserCredential{
		UserID:       userID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	}
	if err := m.PutCredentials(ctx, userID, fresh); err != nil {
		return model.UserCredential{}, err
	}
	m.logger.Debug().Str("user", userID).Msg("credentials loaded from account store")

	return fresh, nil
}

// PutCredentials overwrites the cached credential for userID.
func (m *Manager) PutCredentials(ctx context.Context, userID string, cred model.UserCredential) error {
	if cred.RefreshToken == "" {
		return fmt.Errorf("storing credentials for %s: refresh token is empty", userID)
	}
	if err := m.state.PutCredentials(ctx, userID, cred); err != nil {
		return fmt.Errorf("storing credentials for %s: %w", userID, err)
	}
	return nil
}

// Refresh exchanges refreshToken for a new access token. The returned pair
// keeps the old refresh token unless the endpoint issued a new one.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (model.TokenPair, error) {
	if refreshToken == "" {
		return model.TokenPair{}, &TokenRefreshError{Err: errors.New("refresh token is empty")}
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
	tok, err := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		refreshErr := &TokenRefreshError{Err: err}
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
			refreshErr.StatusCode = retrieveErr.Response.StatusCode
		}
		return model.TokenPair{}, refreshErr
	}

	pair := model.TokenPair{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// RefreshUser refreshes the access token of a cached user and stores the
// result.
func (m *Manager) RefreshUser(ctx context.Context, userID string) (model.UserCredential, error) {
	cred, err := m.GetCredentials(ctx, userID)
	if err != nil {
		return model.UserCredential{}, err
	}

	pair, err := m.Refresh(ctx, cred.RefreshToken)
	if err != nil {
		return model.UserCredential{}, err
	}

	cred.AccessToken = pair.AccessToken
	cred.RefreshToken = pair.RefreshToken
	cred.LastRefreshedAt = m.now().UTC()
	if err := m.PutCredentials(ctx, userID, cred); err != nil {
		return model.UserCredential{}, err
	}
	return cred, nil
}

// ObserveSignIn applies tokens seen at sign-in or bootstrap. The cache is
// written only when the user has no record yet or the refresh token changed.
func (m *Manager) ObserveSignIn(ctx context.Context, userID string, pair model.TokenPair) (bool, error) {
	cred, ok, err := m.state.Credentials(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("reading cached credentials: %w", err)
	}
	if ok && cred.RefreshToken == pair.RefreshToken {
		return false, nil
	}

	err = m.PutCredentials(ctx, userID, model.UserCredential{
		UserID:       userID,
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
