package oauth

import "time"

// Token is an issued OAuth credential as persisted in the token store.
type Token struct {
	AccessToken  string    `json:"accessToken"`
	TokenType    string    `json:"tokenType,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	IssuedAt     time.Time `json:"issuedAt"`
	// ExpiresIn is the provider-reported lifetime in seconds. Zero means
	// the token never expires.
	ExpiresIn    int    `json:"expiresIn,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`

	// NoRefresh marks tokens obtained through the manual fallback, where
	// the refresh exchange would hit the same CORS wall the original
	// request did.
	NoRefresh bool `json:"noRefresh,omitempty"`
}

// Expired reports whether the token's lifetime has passed. A token with no
// ExpiresIn never expires. An expired token is not deleted: it may still be
// refreshable, and if not, the user is told to re-authorize.
func (t *Token) Expired(now time.Time) bool {
	if t == nil || t.ExpiresIn <= 0 {
		return false
	}
	return now.After(t.IssuedAt.Add(time.Duration(t.ExpiresIn) * time.Second))
}

// Refreshable reports whether a refresh attempt is worth making.
func (t *Token) Refreshable() bool {
	return t != nil && t.RefreshToken != "" && !t.NoRefresh
}
