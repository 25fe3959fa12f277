package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DeviceAuthorization is the provider's response to a device-code request,
// per RFC 8628.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete,omitempty"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// pollOutcome classifies one device-token poll response.
type pollOutcome int

const (
	pollPending pollOutcome = iota
	pollSlowDown
	pollSuccess
	pollDenied
	pollExpired
	pollError
)

// requestDeviceCode asks the provider's device-code endpoint for a fresh
// code. A transport-level failure (the CORS signature in browser terms) is
// wrapped so the caller can fall back to the manual flow; an HTTP error
// status is reported as-is.
func (m *Manager) requestDeviceCode(ctx context.Context, cfg *ProviderConfig) (*DeviceAuthorization, error) {
	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	if cfg.Scope != "" {
		form.Set("scope", cfg.Scope)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.DeviceCodeEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.clientFor(cfg).Do(req)
	if err != nil {
		return nil, classifyTransportError(cfg.DeviceCodeEndpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read device code response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: %d %s. Response: %s", resp.StatusCode, resp.Status, string(body))
	}

	auth, err := ParseDeviceAuthorization(string(body))
	if err != nil {
		return nil, err
	}
	return auth, nil
}

// ParseDeviceAuthorization validates a device-code JSON document, whether it
// came from the provider directly or was pasted by the user in the manual
// flow. device_code, user_code, and verification_uri are mandatory.
func ParseDeviceAuthorization(raw string) (*DeviceAuthorization, error) {
	if !gjson.Valid(raw) {
		return nil, fmt.Errorf("device authorization response is not valid JSON")
	}
	var auth DeviceAuthorization
	if err := json.Unmarshal([]byte(raw), &auth); err != nil {
		return nil, fmt.Errorf("parse device authorization response: %w", err)
	}
	switch {
	case auth.DeviceCode == "":
		return nil, fmt.Errorf("device authorization response is missing device_code")
	case auth.UserCode == "":
		return nil, fmt.Errorf("device authorization response is missing user_code")
	case auth.VerificationURI == "":
		return nil, fmt.Errorf("device authorization response is missing verification_uri")
	}
	if auth.Interval <= 0 {
		auth.Interval = 5
	}
	if auth.ExpiresIn <= 0 {
		auth.ExpiresIn = 900
	}
	return &auth, nil
}

// pollDeviceToken performs exactly one token poll for a pending device flow
// and classifies the response. Polls are driven strictly sequentially by the
// flow's poller; this function never sleeps or retries on its own.
func (m *Manager) pollDeviceToken(ctx context.Context, flow *PendingFlow) (*Token, pollOutcome, error) {
	cfg := &flow.Config
	form := url.Values{}
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
	form.Set("client_id", cfg.ClientID)
	form.Set("device_code", flow.DeviceCode)
	if flow.PKCE != nil {
		form.Set("code_verifier", flow.PKCE.CodeVerifier)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, pollError, fmt.Errorf("create token poll request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.clientFor(cfg).Do(req)
	if err != nil {
		return nil, pollError, classifyTransportError(cfg.TokenEndpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pollError, fmt.Errorf("read token poll response: %w", err)
	}

	// GitHub answers polls with 200 plus an error field; stricter providers
	// use 400. Classify by the error code either way.
	errCode := gjson.GetBytes(body, "error").String()
	switch errCode {
	case "authorization_pending":
		return nil, pollPending, nil
	case "slow_down":
		return nil, pollSlowDown, nil
	case "expired_token":
		return nil, pollExpired, &DeviceCodeExpiredError{ServerName: cfg.Key()}
	case "access_denied":
		return nil, pollDenied, &AccessDeniedError{ServerName: cfg.Key()}
	case "":
	default:
		return nil, pollError, &TokenExchangeError{
			ServerName:  cfg.Key(),
			Code:        errCode,
			Description: gjson.GetBytes(body, "error_description").String(),
			StatusCode:  resp.StatusCode,
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, pollError, &TokenExchangeError{
			ServerName: cfg.Key(),
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("unexpected status %s: %s", resp.Status, string(body)),
		}
	}

	token, err := parseTokenResponse(body)
	if err != nil {
		return nil, pollError, &TokenExchangeError{ServerName: cfg.Key(), Cause: err}
	}
	return token, pollSuccess, nil
}

// parseTokenResponse converts a provider token document into a Token.
func parseTokenResponse(body []byte) (*Token, error) {
	doc := gjson.ParseBytes(body)
	accessToken := doc.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}
	return &Token{
		AccessToken:  accessToken,
		TokenType:    doc.Get("token_type").String(),
		Scope:        doc.Get("scope").String(),
		ExpiresIn:    int(doc.Get("expires_in").Int()),
		RefreshToken: doc.Get("refresh_token").String(),
		IssuedAt:     time.Now(),
	}, nil
}
