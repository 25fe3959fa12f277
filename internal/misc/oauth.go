// Package misc holds small helpers shared across the daemon: OAuth state
// generation, pasted-callback parsing, and config bootstrapping.
package misc

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// GenerateRandomState returns a hex-encoded 128-bit random value used as the
// CSRF-binding base segment of the OAuth state parameter.
func GenerateRandomState() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate random state: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// OAuthCallback carries the parameters extracted from an authorization
// redirect.
type OAuthCallback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// ParseOAuthCallback pulls the OAuth parameters out of whatever the user
// pasted: a full redirect URL, a bare query string, or a URL whose provider
// put the parameters in the fragment. Empty input returns nil without error.
func ParseOAuthCallback(input string) (*OAuthCallback, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, nil
	}
	candidate, err := normalizeCallbackInput(trimmed)
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(candidate)
	if err != nil {
		return nil, err
	}

	cb := &OAuthCallback{}
	cb.fill(parsed.Query())
	if parsed.Fragment != "" {
		if fragQuery, errFrag := url.ParseQuery(parsed.Fragment); errFrag == nil {
			cb.fill(fragQuery)
		}
	}

	// Some providers tack the state onto the code after a '#'.
	if cb.Code != "" && cb.State == "" && strings.Contains(cb.Code, "#") {
		parts := strings.SplitN(cb.Code, "#", 2)
		cb.Code, cb.State = parts[0], parts[1]
	}
	if cb.Error == "" && cb.ErrorDescription != "" {
		cb.Error, cb.ErrorDescription = cb.ErrorDescription, ""
	}
	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("callback URL missing code")
	}
	return cb, nil
}

// fill copies the standard callback parameters from values, keeping whatever
// was already set so query parameters win over fragment ones.
func (cb *OAuthCallback) fill(values url.Values) {
	set := func(dst *string, key string) {
		if *dst == "" {
			*dst = strings.TrimSpace(values.Get(key))
		}
	}
	set(&cb.Code, "code")
	set(&cb.State, "state")
	set(&cb.Error, "error")
	set(&cb.ErrorDescription, "error_description")
}

// normalizeCallbackInput turns the paste into something url.Parse accepts.
func normalizeCallbackInput(s string) (string, error) {
	if strings.Contains(s, "://") {
		return s, nil
	}
	switch {
	case strings.HasPrefix(s, "?"):
		return "http://localhost" + s, nil
	case strings.ContainsAny(s, "/?#") || strings.Contains(s, ":"):
		return "http://" + s, nil
	case strings.Contains(s, "="):
		return "http://localhost/?" + s, nil
	default:
		return "", fmt.Errorf("invalid callback URL")
	}
}
