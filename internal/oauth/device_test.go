package oauth

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestParseDeviceAuthorizationDefaults(t *testing.T) {
	t.Parallel()

	auth, err := ParseDeviceAuthorization(`{"device_code":"d","user_code":"u","verification_uri":"https://x"}`)
	if err != nil {
		t.Fatalf("ParseDeviceAuthorization: %v", err)
	}
	if auth.Interval != 5 {
		t.Errorf("interval = %d, want default 5", auth.Interval)
	}
	if auth.ExpiresIn != 900 {
		t.Errorf("expires_in = %d, want default 900", auth.ExpiresIn)
	}
}

func TestPollDeviceTokenClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		status      int
		body        string
		wantOutcome pollOutcome
	}{
		{"pending 200", http.StatusOK, `{"error":"authorization_pending"}`, pollPending},
		{"pending 400", http.StatusBadRequest, `{"error":"authorization_pending"}`, pollPending},
		{"slow down", http.StatusBadRequest, `{"error":"slow_down"}`, pollSlowDown},
		{"expired", http.StatusBadRequest, `{"error":"expired_token"}`, pollExpired},
		{"denied", http.StatusBadRequest, `{"error":"access_denied"}`, pollDenied},
		{"protocol error", http.StatusBadRequest, `{"error":"incorrect_client_credentials"}`, pollError},
		{"success", http.StatusOK, `{"access_token":"tok","token_type":"bearer"}`, pollSuccess},
		{"success without token", http.StatusOK, `{}`, pollError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			}))
			defer server.Close()

			m := newTestManager(t)
			flow := &PendingFlow{
				State:      "s1",
				DeviceCode: "dev-1",
				Config: ProviderConfig{
					Name:          "github",
					ClientID:      "client-1",
					TokenEndpoint: server.URL,
				},
			}

			token, outcome, _ := m.pollDeviceToken(context.Background(), flow)
			if outcome != tt.wantOutcome {
				t.Errorf("outcome = %d, want %d", outcome, tt.wantOutcome)
			}
			if tt.wantOutcome == pollSuccess && (token == nil || token.AccessToken != "tok") {
				t.Errorf("token = %+v, want access token tok", token)
			}
		})
	}
}

func TestPollIncludesCodeVerifierWhenPKCEPresent(t *testing.T) {
	t.Parallel()

	var gotVerifier string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		gotVerifier = r.PostForm.Get("code_verifier")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"tok","token_type":"bearer"}`)
	}))
	defer server.Close()

	m := newTestManager(t)
	flow := &PendingFlow{
		State:      "s1",
		DeviceCode: "dev-1",
		PKCE:       &PKCECodes{CodeVerifier: "verifier-1", CodeChallenge: "challenge-1"},
		Config: ProviderConfig{
			Name:          "pkce-device",
			ClientID:      "client-1",
			TokenEndpoint: server.URL,
		},
	}

	if _, outcome, err := m.pollDeviceToken(context.Background(), flow); outcome != pollSuccess {
		t.Fatalf("outcome = %d, err = %v", outcome, err)
	}
	if gotVerifier != "verifier-1" {
		t.Errorf("code_verifier = %q, want verifier-1", gotVerifier)
	}
}

func TestTokenExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now()
	tests := []struct {
		name  string
		token *Token
		want  bool
	}{
		{"no lifetime never expires", &Token{AccessToken: "t", IssuedAt: now.Add(-24 * time.Hour)}, false},
		{"fresh", &Token{AccessToken: "t", IssuedAt: now, ExpiresIn: 3600}, false},
		{"expired", &Token{AccessToken: "t", IssuedAt: now.Add(-2 * time.Hour), ExpiresIn: 3600}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.token.Expired(now); got != tt.want {
				t.Errorf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}
