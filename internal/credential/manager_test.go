package credential_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailpipe/internal/credential"
	"github.com/nhle/mailpipe/internal/model"
	"github.com/nhle/mailpipe/tests/testutil"
)

type fakeAccounts struct {
	pairs map[string]model.TokenPair
	calls atomic.Int32
}

func (f *fakeAccounts) LookupTokens(_ context.Context, userID string) (model.TokenPair, bool, error) {
	f.calls.Add(1)
	pair, ok := f.pairs[userID]
	return pair, ok, nil
}

func tokenServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(handler))
	t.Cleanup(srv.Close)
	return srv
}

func newManager(t *testing.T, accounts credential.AccountLookup, tokenURL string) *credential.Manager {
	t.Helper()
	state, _ := testutil.NewTestUserState(t)
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return credential.NewManager(
		state,
		accounts,
		credential.OAuthConfig("client-id", "client-secret", tokenURL),
		zerolog.Nop(),
		credential.WithClock(func() time.Time { return fixed }),
	)
}

func TestGetCredentialsFallsBackToAccountsOnce(t *testing.T) {
	ctx := context.Background()
	accounts := &fakeAccounts{pairs: map[string]model.TokenPair{
		"u1": {AccessToken: "a1", RefreshToken: "r1"},
	}}
	m := newManager(t, accounts, "http://unused")

	cred, err := m.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "r1", cred.RefreshToken)
	require.EqualValues(t, 1, accounts.calls.Load())

	cred, err = m.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "a1", cred.AccessToken)
	require.EqualValues(t, 1, accounts.calls.Load(), "cached credentials must not hit the account store")
}

func TestGetCredentialsNotFound(t *testing.T) {
	m := newManager(t, &fakeAccounts{}, "http://unused")

	_, err := m.GetCredentials(context.Background(), "ghost")
	require.ErrorIs(t, err, credential.ErrNotFound)

	withoutAccounts := newManager(t, nil, "http://unused")
	_, err = withoutAccounts.GetCredentials(context.Background(), "ghost")
	require.ErrorIs(t, err, credential.ErrNotFound)
}

func TestRefreshSendsRefreshGrant(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "client-id", r.PostForm.Get("client_id"))
		assert.Equal(t, "client-secret", r.PostForm.Get("client_secret"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "fresh",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	m := newManager(t, nil, srv.URL)

	pair, err := m.Refresh(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, model.TokenPair{AccessToken: "fresh", RefreshToken: "r1"}, pair)
}

func TestRefreshFailureIsTyped(t *testing.T) {
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	m := newManager(t, nil, srv.URL)

	_, err := m.Refresh(context.Background(), "revoked")
	var refreshErr *credential.TokenRefreshError
	require.True(t, errors.As(err, &refreshErr))
	require.Equal(t, http.StatusBadRequest, refreshErr.StatusCode)

	_, err = m.Refresh(context.Background(), "")
	require.True(t, errors.As(err, &refreshErr))
	require.Equal(t, 0, refreshErr.StatusCode)
}

func TestRefreshUserStoresNewToken(t *testing.T) {
	ctx := context.Background()
	srv := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"fresh","refresh_token":"rotated","token_type":"Bearer"}`))
	})
	m := newManager(t, nil, srv.URL)
	require.NoError(t, m.PutCredentials(ctx, "u1", model.UserCredential{AccessToken: "old", RefreshToken: "r1"}))

	cred, err := m.RefreshUser(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "fresh", cred.AccessToken)
	require.Equal(t, "rotated", cred.RefreshToken)
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), cred.LastRefreshedAt)

	stored, err := m.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, cred, stored)
}

func TestPutCredentialsRejectsEmptyRefreshToken(t *testing.T) {
	m := newManager(t, nil, "http://unused")
	err := m.PutCredentials(context.Background(), "u1", model.UserCredential{AccessToken: "a"})
	require.Error(t, err)
}

func TestObserveSignInUpdatePolicy(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, nil, "http://unused")

	wrote, err := m.ObserveSignIn(ctx, "u1", model.TokenPair{AccessToken: "a1", RefreshToken: "r1"})
	require.NoError(t, err)
	require.True(t, wrote, "no record yet")

	wrote, err = m.ObserveSignIn(ctx, "u1", model.TokenPair{AccessToken: "a2", RefreshToken: "r1"})
	require.NoError(t, err)
	require.False(t, wrote, "same refresh token")

	cred, err := m.GetCredentials(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, "a1", cred.AccessToken)

	wrote, err = m.ObserveSignIn(ctx, "u1", model.TokenPair{AccessToken: "a3", RefreshToken: "r2"})
	require.NoError(t, err)
	require.True(t, wrote, "refresh token changed")
}
