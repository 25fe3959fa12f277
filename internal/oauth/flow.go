package oauth

import "time"

// FlowState is the explicit lifecycle state of a pending authorization.
type FlowState string

const (
	StateAuthorizationRequested FlowState = "authorization_requested"
	StatePendingUserAction      FlowState = "pending_user_action"
	StateTokenExchangePending   FlowState = "token_exchange_pending"
	StateAuthorized             FlowState = "authorized"
	StateExpired                FlowState = "expired"
	StateFailed                 FlowState = "failed"
	StateRevoked                FlowState = "revoked"
)

// Terminal reports whether no further transitions can happen from s.
func (s FlowState) Terminal() bool {
	switch s {
	case StateAuthorized, StateExpired, StateFailed, StateRevoked:
		return true
	}
	return false
}

// PendingFlow is the persisted record of an in-progress authorization. It is
// plain structured data so it survives a JSON round trip through the local
// store; it must, because the authorization-code flow suspends across a full
// process restart.
type PendingFlow struct {
	// ID identifies the flow for management-API callers.
	ID string `json:"id"`

	// State is the random correlation token sent to the provider, possibly
	// carrying namespace and session-key segments (base[:ns[:key]]).
	State string `json:"state"`

	Config    ProviderConfig `json:"config"`
	FlowState FlowState      `json:"flowState"`

	// PKCE is set for authorization-code flows.
	PKCE *PKCECodes `json:"pkce,omitempty"`

	// AuthorizationURL is the provider URL the user must visit for the
	// code flow, kept so the UI can re-show it.
	AuthorizationURL string `json:"authorizationUrl,omitempty"`

	// Device-flow fields, absent for the code flow.
	DeviceCode          string    `json:"deviceCode,omitempty"`
	UserCode            string    `json:"userCode,omitempty"`
	VerificationURI     string    `json:"verificationUri,omitempty"`
	ExpiresAt           time.Time `json:"expiresAt,omitempty"`
	PollIntervalSeconds int       `json:"pollIntervalSeconds,omitempty"`

	// ManualPollFallback records that token polling itself hit the CORS
	// wall, so the UI must show the manual token-exchange instructions.
	ManualPollFallback bool `json:"manualPollFallback,omitempty"`

	CreatedAt time.Time `json:"createdAt"`

	// LastError carries the user-visible failure reason for terminal
	// failed states.
	LastError string `json:"lastError,omitempty"`
}

// Expired reports whether the device code's lifetime has passed.
func (f *PendingFlow) Expired(now time.Time) bool {
	return !f.ExpiresAt.IsZero() && now.After(f.ExpiresAt)
}

// clone returns an independent copy of the record. The store hands out and
// accepts only clones, so a flow a caller holds never shares memory with the
// stored record or with the poll goroutine mutating its own copy.
func (f *PendingFlow) clone() *PendingFlow {
	if f == nil {
		return nil
	}
	c := *f
	if f.PKCE != nil {
		pkce := *f.PKCE
		c.PKCE = &pkce
	}
	return &c
}

// FlowEvent is one progress update pushed to subscribers (the management
// API's websocket stream and the TUI).
type FlowEvent struct {
	FlowID    string    `json:"flowId"`
	Server    string    `json:"server"`
	FlowState FlowState `json:"flowState"`
	Message   string    `json:"message,omitempty"`
	// PollInterval reports the current device-poll cadence in seconds.
	PollInterval int       `json:"pollInterval,omitempty"`
	At           time.Time `json:"at"`
}
