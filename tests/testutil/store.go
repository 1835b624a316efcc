package testutil

import (
	"testing"

	"github.com/nhle/mailpipe/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// NewTestUserState returns a UserState over a fresh in-memory store.
func NewTestUserState(t *testing.T) (*store.UserState, *store.SQLiteStore) {
	t.Helper()

	s := NewTestStore(t)
	return store.NewUserState(s), s
}

// NewTestAccountStore creates an account table inside s and seeds it with
// the given user → refresh token rows.
func NewTestAccountStore(t *testing.T, s *store.SQLiteStore, rows map[string]string) *store.AccountStore {
	t.Helper()

	_, err := s.DB().Exec(`CREATE TABLE IF NOT EXISTS account (
		user_id       TEXT NOT NULL,
		access_token  TEXT,
		refresh_token TEXT
	)`)
	if err != nil {
		t.Fatalf("creating account table: %v", err)
	}

	for userID, refresh := range rows {
		_, err := s.DB().Exec(
			"INSERT INTO account (user_id, access_token, refresh_token) VALUES (?, ?, ?)",
			userID, "access-"+userID, refresh,
		)
		if err != nil {
			t.Fatalf("seeding account %s: %v", userID, err)
		}
	}

	return store.NewAccountStore(s.DB())
}
