package model

import "time"

// TokenPair is an OAuth access token with the refresh token that minted it.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// UserCredential is the cached OAuth state for one user.
type UserCredential struct {
	UserID       string `json:"userId"`
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`

	// LastRefreshedAt is zero until the access token has been refreshed
	// at least once by this process.
	LastRefreshedAt time.Time `json:"lastRefreshedAt,omitempty"`
}

// Tokens returns the credential as a token pair.
func (c UserCredential) Tokens() TokenPair {
	return TokenPair{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken}
}
