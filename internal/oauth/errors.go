// Package oauth implements the credential-acquisition state machine for
// third-party service connections: the standard authorization-code flow, the
// device flow, and the manual device flow a user falls back to when the
// provider's CORS policy blocks the direct request path. All pending-flow
// state is persisted locally so a flow survives the full restart an OAuth
// redirect implies.
package oauth

import (
	"errors"
	"fmt"
	"net/url"
)

// InvalidStateError indicates a callback whose state parameter matches no
// pending flow: the flow was forgotten, expired, or the parameter was
// tampered with.
type InvalidStateError struct {
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("no pending authorization matches state %q", e.State)
}

// DeviceCodeExpiredError indicates that the device code expired before the
// user approved it. The flow must restart from the beginning.
type DeviceCodeExpiredError struct {
	ServerName string
}

func (e *DeviceCodeExpiredError) Error() string {
	return fmt.Sprintf("device code for %s expired before authorization completed", e.ServerName)
}

// AuthorizationExpiredError indicates a pending authorization outlived its
// window before the user finished it, for flows that carry no device code.
// The flow must restart from the beginning.
type AuthorizationExpiredError struct {
	ServerName string
}

func (e *AuthorizationExpiredError) Error() string {
	return fmt.Sprintf("authorization for %s expired before it completed", e.ServerName)
}

// TokenExchangeError indicates that exchanging an authorization or device
// code for tokens failed. The user can retry the exchange.
type TokenExchangeError struct {
	ServerName  string
	Code        string
	Description string
	StatusCode  int
	Cause       error
}

func (e *TokenExchangeError) Error() string {
	switch {
	case e.Description != "":
		return fmt.Sprintf("token exchange for %s failed: %s - %s", e.ServerName, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("token exchange for %s failed: %s", e.ServerName, e.Code)
	case e.Cause != nil:
		return fmt.Sprintf("token exchange for %s failed: %v", e.ServerName, e.Cause)
	default:
		return fmt.Sprintf("token exchange for %s failed", e.ServerName)
	}
}

func (e *TokenExchangeError) Unwrap() error { return e.Cause }

// RefreshFailedError indicates the provider rejected a refresh attempt. The
// old token stays in place so the user can retry or re-authorize.
type RefreshFailedError struct {
	ServerName string
	Cause      error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("token refresh for %s failed: %v", e.ServerName, e.Cause)
}

func (e *RefreshFailedError) Unwrap() error { return e.Cause }

// ReauthorizationRequiredError signals that the caller should start a fresh
// authorization flow. It is deliberately distinct from transport errors so a
// UI can show "please reconnect" instead of "something broke".
type ReauthorizationRequiredError struct {
	ServerName string
	Reason     string
}

func (e *ReauthorizationRequiredError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s needs to be reconnected: %s", e.ServerName, e.Reason)
	}
	return fmt.Sprintf("%s needs to be reconnected", e.ServerName)
}

// FlowInProgressError indicates a flow is already pending for the same
// server. Starting a replacement requires explicit confirmation; there is no
// silent overwrite.
type FlowInProgressError struct {
	ServerName string
}

func (e *FlowInProgressError) Error() string {
	return fmt.Sprintf("an authorization for %s is already in progress: cancel it or confirm replacing it", e.ServerName)
}

// AccessDeniedError indicates the user denied the authorization request at
// the provider.
type AccessDeniedError struct {
	ServerName string
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("authorization for %s was denied by the user", e.ServerName)
}

// CORSBlockedError wraps a network-level transport failure that, in browser
// terms, is an opaque CORS failure: the request never produced an HTTP
// status. It triggers the manual-flow fallback instead of surfacing as a
// generic network error.
type CORSBlockedError struct {
	Endpoint string
	Cause    error
}

func (e *CORSBlockedError) Error() string {
	return fmt.Sprintf("direct request to %s was blocked before any response arrived: %v", e.Endpoint, e.Cause)
}

func (e *CORSBlockedError) Unwrap() error { return e.Cause }

// classifyTransportError separates opaque transport failures (no HTTP status
// available, the CORS signature) from everything else. Only transport-level
// failures trigger the manual fallback; a genuine HTTP error status is
// reported as-is.
func classifyTransportError(endpoint string, err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return &CORSBlockedError{Endpoint: endpoint, Cause: err}
	}
	return err
}

// IsCORSBlocked reports whether err is (or wraps) an opaque transport
// failure requiring the manual fallback.
func IsCORSBlocked(err error) bool {
	var target *CORSBlockedError
	return errors.As(err, &target)
}

// UserFriendlyMessage maps an error to the message shown to the user, with
// actionable next steps for protocol errors.
func UserFriendlyMessage(err error) string {
	var (
		invalidState *InvalidStateError
		expired      *DeviceCodeExpiredError
		flowExpired  *AuthorizationExpiredError
		exchange     *TokenExchangeError
		refresh      *RefreshFailedError
		reauth       *ReauthorizationRequiredError
		inProgress   *FlowInProgressError
		denied       *AccessDeniedError
		cors         *CORSBlockedError
	)
	switch {
	case errors.As(err, &invalidState):
		return "This authorization link is no longer valid. Please start the connection again."
	case errors.As(err, &expired), errors.As(err, &flowExpired):
		return "The code expired before you finished authorizing. Please start the connection again."
	case errors.As(err, &denied):
		return "Authorization was cancelled or denied."
	case errors.As(err, &exchange):
		return "Could not complete the authorization. Please try again."
	case errors.As(err, &refresh):
		return "Could not refresh the connection. Please try again or reconnect."
	case errors.As(err, &reauth):
		return "This connection has expired. Please reconnect the service."
	case errors.As(err, &inProgress):
		return "A connection attempt for this service is already in progress."
	case errors.As(err, &cors):
		return "The provider blocks direct requests from this app. Follow the manual steps shown to connect."
	default:
		return "An unexpected error occurred. Please try again."
	}
}
