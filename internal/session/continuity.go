// Package session carries the in-memory session key across the full-page
// OAuth redirect that would otherwise destroy it. The key is folded into the
// OAuth state parameter, which providers round-trip unmodified, giving a free
// continuity channel without any server-side storage. The key embedded here
// is only ever the password-equivalent the user already typed, never raw
// secret material of higher sensitivity.
package session

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// KeyHolder is the process-lifetime holder for the session key, the Go
// equivalent of the tab-scoped session storage the rest of the app exposes.
type KeyHolder interface {
	GetSessionKey() []byte
	SetSessionKey(key []byte)
}

// EncodeForState encodes a raw session key for embedding as a state segment.
// The encoding is url-safe base64 without padding so the segment survives
// query-string transport untouched.
func EncodeForState(sessionKey []byte) string {
	return base64.RawURLEncoding.EncodeToString(sessionKey)
}

// DecodeFromState reverses EncodeForState. Providers and browsers strip '='
// padding, so decode restores it from the length modulo 4 before falling
// back to the raw alphabet.
func DecodeFromState(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	switch len(s) % 4 {
	case 2:
		s += "=="
	case 3:
		s += "="
	case 1:
		return nil, fmt.Errorf("invalid session key encoding length %d", len(s))
	}
	decoded, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode session key: %w", err)
	}
	return decoded, nil
}

// BuildState assembles an OAuth state string from its segments:
// base[:namespace[:encodedSessionKey]]. Base must be present; the namespace
// is required whenever a session key is embedded so the callback can route to
// the right configuration set.
func BuildState(base, namespace string, sessionKey []byte) string {
	var b strings.Builder
	b.WriteString(base)
	if namespace != "" {
		b.WriteString(":")
		b.WriteString(namespace)
		if len(sessionKey) > 0 {
			b.WriteString(":")
			b.WriteString(EncodeForState(sessionKey))
		}
	}
	return b.String()
}

// ParseState splits an OAuth state string into its segments, tolerating one,
// two, or three of them. A malformed session-key segment is an error; a
// missing one is not.
func ParseState(state string) (base, namespace string, sessionKey []byte, err error) {
	if state == "" {
		return "", "", nil, fmt.Errorf("empty state parameter")
	}
	segments := strings.SplitN(state, ":", 3)
	base = segments[0]
	if len(segments) > 1 {
		namespace = segments[1]
	}
	if len(segments) > 2 && segments[2] != "" {
		sessionKey, err = DecodeFromState(segments[2])
		if err != nil {
			return "", "", nil, fmt.Errorf("state session-key segment: %w", err)
		}
	}
	return base, namespace, sessionKey, nil
}

// Restore installs a recovered session key into the holder. It reports false
// when no holder is available, in which case the caller falls back to
// prompting the user for their password instead of silently losing the
// session.
func Restore(holder KeyHolder, sessionKey []byte) bool {
	if holder == nil || len(sessionKey) == 0 {
		return false
	}
	holder.SetSessionKey(sessionKey)
	return true
}
