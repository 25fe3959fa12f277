package oauth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/chatlink-dev/chatlinkd/internal/misc"
	"github.com/chatlink-dev/chatlinkd/internal/session"
)

// oauth2Config maps a ProviderConfig onto the x/oauth2 config used for the
// authorization-code exchange.
func oauth2Config(cfg *ProviderConfig) *oauth2.Config {
	var scopes []string
	if cfg.Scope != "" {
		scopes = strings.Fields(cfg.Scope)
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationEndpoint,
			TokenURL: cfg.TokenEndpoint,
		},
	}
}

// buildAuthorizationURL assembles the provider authorization URL for a
// pending flow, including the PKCE challenge when the flow carries one.
func buildAuthorizationURL(flow *PendingFlow) string {
	conf := oauth2Config(&flow.Config)
	var opts []oauth2.AuthCodeOption
	if flow.PKCE != nil {
		opts = append(opts,
			oauth2.SetAuthURLParam("code_challenge", flow.PKCE.CodeChallenge),
			oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		)
	}
	return conf.AuthCodeURL(flow.State, opts...)
}

// ResumeAuthorizationCode finishes an authorization-code flow using the code
// and state delivered by the provider redirect. The state value both locates
// the suspended flow and, when it carries an embedded session key, restores
// the in-memory session that was lost across the interruption.
func (m *Manager) ResumeAuthorizationCode(ctx context.Context, code, state string) (*Token, error) {
	if _, _, sessionKey, err := session.ParseState(state); err == nil && len(sessionKey) > 0 {
		if session.Restore(m.sessionKeys, sessionKey) {
			log.Debug("session key restored from OAuth state parameter")
		}
	}

	flow, ok := m.pending.ByState(state)
	if !ok {
		return nil, &InvalidStateError{State: state}
	}
	if flow.Expired(time.Now()) {
		err := &AuthorizationExpiredError{ServerName: flow.Config.Key()}
		m.failFlow(flow, StateExpired, err)
		return nil, err
	}

	flow.FlowState = StateTokenExchangePending
	_ = m.pending.Put(flow)
	m.publish(FlowEvent{
		FlowID: flow.ID, Server: flow.Config.Key(), FlowState: StateTokenExchangePending,
		Message: "exchanging authorization code", At: time.Now(),
	})

	conf := oauth2Config(&flow.Config)
	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, m.clientFor(&flow.Config))

	var opts []oauth2.AuthCodeOption
	if flow.PKCE != nil {
		opts = append(opts, oauth2.SetAuthURLParam("code_verifier", flow.PKCE.CodeVerifier))
	}

	tok, err := conf.Exchange(exchangeCtx, code, opts...)
	if err != nil {
		exchangeErr := classifyExchangeError(&flow.Config, err)
		// The code may still be usable on retry; leave the flow pending
		// rather than tearing it down.
		flow.FlowState = StateAuthorizationRequested
		flow.LastError = exchangeErr.Error()
		_ = m.pending.Put(flow)
		m.publish(FlowEvent{
			FlowID: flow.ID, Server: flow.Config.Key(), FlowState: StateAuthorizationRequested,
			Message: UserFriendlyMessage(exchangeErr), At: time.Now(),
		})
		return nil, exchangeErr
	}

	token := &Token{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		IssuedAt:     time.Now(),
	}
	if !tok.Expiry.IsZero() {
		token.ExpiresIn = int(time.Until(tok.Expiry).Seconds())
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		token.Scope = scope
	}

	if err := m.completeFlow(flow, token); err != nil {
		return nil, err
	}
	return token, nil
}

// ParseCallbackURL extracts code and state from a pasted redirect URL. Users
// reach for this when the local callback server could not be used and the
// provider landed them on an unreachable redirect target; the parsing is
// deliberately lenient since the paste may be a bare query string or carry
// the parameters in the fragment.
func ParseCallbackURL(raw string) (code, state string, err error) {
	cb, err := misc.ParseOAuthCallback(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid callback URL: %w", err)
	}
	if cb == nil {
		return "", "", fmt.Errorf("callback URL is empty")
	}
	if cb.Error != "" {
		if cb.Error == "access_denied" {
			return "", "", &AccessDeniedError{}
		}
		return "", "", fmt.Errorf("authorization failed: %s (%s)", cb.Error, cb.ErrorDescription)
	}
	if cb.Code == "" || cb.State == "" {
		return "", "", fmt.Errorf("callback URL is missing code or state")
	}
	return cb.Code, cb.State, nil
}

// classifyExchangeError unwraps a token endpoint failure into the typed
// error surfaced to the user. Transport-level failures keep the manual
// fallback reachable; everything else reports what the provider said.
func classifyExchangeError(cfg *ProviderConfig, err error) error {
	serverName := cfg.Key()
	if transportErr := classifyTransportError(cfg.TokenEndpoint, err); IsCORSBlocked(transportErr) {
		return transportErr
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "access_denied" {
			return &AccessDeniedError{ServerName: serverName}
		}
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return &TokenExchangeError{
			ServerName:  serverName,
			Code:        retrieveErr.ErrorCode,
			Description: retrieveErr.ErrorDescription,
			StatusCode:  status,
			Cause:       err,
		}
	}
	return &TokenExchangeError{ServerName: serverName, Cause: err}
}
