package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/nhle/mailpipe/internal/model"
)

// AccountStore reads sign-in tokens from the relational account table
// written by the authentication layer. It is read-only from this side.
type AccountStore struct {
	db *sqlx.DB
}

// OpenAccountStore connects to the account database. driver is
// "postgres" or "sqlite".
func OpenAccountStore(driver, dsn string) (*AccountStore, error) {
	if dsn == "" {
		return nil, errors.New("account store dsn is empty")
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s account db: %w", driver, err)
	}
	return &AccountStore{db: db}, nil
}

// NewAccountStore wraps an already open database handle.
func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

// Close closes the underlying database connection.
func (a *AccountStore) Close() error {
	return a.db.Close()
}

// LookupTokens returns the stored token pair for userID. The boolean is
// false when the user has no account row or no refresh token.
func (a *AccountStore) LookupTokens(
	ctx context.Context,
	userID string,
) (model.TokenPair, bool, error) {
	var row struct {
		AccessToken  sql.NullString `db:"access_token"`
		RefreshToken sql.NullString `db:"refresh_token"`
	}

	query := a.db.Rebind(
		"SELECT access_token, refresh_token FROM account WHERE user_id = ? LIMIT 1",
	)
	err := a.db.GetContext(ctx, &row, query, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.TokenPair{}, false, nil
	}
	if err != nil {
		return model.TokenPair{}, false, fmt.Errorf("looking up account for %s: %w", userID, err)
	}
	if row.RefreshToken.String == "" {
		return model.TokenPair{}, false, nil
	}

	return model.TokenPair{
		AccessToken:  row.AccessToken.String,
		RefreshToken: row.RefreshToken.String,
	}, true, nil
}
