package oauth

import (
	"fmt"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// The manual device flow exists for providers whose OAuth endpoints refuse
// direct requests from this process's network position. The user runs the
// two HTTP requests from somewhere that can reach the provider (a terminal,
// usually) and pastes the JSON responses back in. The flow state machine is
// the same as the automatic device flow; only the transport is human.

// ManualDeviceCommand renders the command the user runs to request a device
// code out-of-band.
func ManualDeviceCommand(cfg *ProviderConfig) string {
	var b strings.Builder
	b.WriteString("curl -sS -X POST ")
	b.WriteString(cfg.DeviceCodeEndpoint)
	b.WriteString(" -H 'Accept: application/json'")
	b.WriteString(fmt.Sprintf(" -d 'client_id=%s'", cfg.ClientID))
	if cfg.Scope != "" {
		b.WriteString(fmt.Sprintf(" --data-urlencode 'scope=%s'", cfg.Scope))
	}
	return b.String()
}

// ManualTokenCommand renders the command the user runs to poll for the token
// after approving the device code.
func ManualTokenCommand(flow *PendingFlow) string {
	var b strings.Builder
	b.WriteString("curl -sS -X POST ")
	b.WriteString(flow.Config.TokenEndpoint)
	b.WriteString(" -H 'Accept: application/json'")
	b.WriteString(fmt.Sprintf(" -d 'client_id=%s'", flow.Config.ClientID))
	b.WriteString(fmt.Sprintf(" -d 'device_code=%s'", flow.DeviceCode))
	b.WriteString(" -d 'grant_type=urn:ietf:params:oauth:grant-type:device_code'")
	return b.String()
}

// CopyCommand puts a rendered command on the system clipboard. Failure is
// reported but never fatal; the command is always shown as text too.
func CopyCommand(cmd string) error {
	if err := clipboard.WriteAll(cmd); err != nil {
		log.Debugf("clipboard unavailable: %v", err)
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}

// SubmitManualDeviceAuthorization accepts the pasted device-code JSON for a
// manual flow and moves it to the waiting-for-approval state. The document
// is validated the same way a direct provider response would be.
func (m *Manager) SubmitManualDeviceAuthorization(flowID, rawJSON string) (*PendingFlow, error) {
	flow, ok := m.pending.ByID(flowID)
	if !ok {
		return nil, fmt.Errorf("no pending authorization with id %q", flowID)
	}
	if flow.Config.Flow != FlowManualDevice {
		return nil, fmt.Errorf("flow for %s does not take manual device input", flow.Config.Key())
	}

	auth, err := ParseDeviceAuthorization(rawJSON)
	if err != nil {
		return nil, err
	}
	// The same pasted response must not attach one device code to two flows.
	if other, ok := m.pending.ByDeviceCode(auth.DeviceCode); ok && other.ID != flow.ID {
		return nil, fmt.Errorf("this device code already belongs to the pending authorization for %s", other.Config.Key())
	}

	flow.FlowState = StatePendingUserAction
	flow.DeviceCode = auth.DeviceCode
	flow.UserCode = auth.UserCode
	flow.VerificationURI = auth.VerificationURI
	if auth.VerificationURIComplete != "" {
		flow.VerificationURI = auth.VerificationURIComplete
	}
	flow.ExpiresAt = time.Now().Add(time.Duration(auth.ExpiresIn) * time.Second)
	flow.PollIntervalSeconds = auth.Interval
	flow.ManualPollFallback = true
	if err = m.pending.Put(flow); err != nil {
		return nil, err
	}

	m.publishFlow(flow, fmt.Sprintf("enter code %s at %s, then paste the token response", flow.UserCode, flow.VerificationURI))
	return flow, nil
}

// SubmitManualTokenResponse accepts the pasted token JSON that ends a manual
// exchange, for either a fully manual flow or an automatic one that fell
// back after its polling was blocked. Tokens that arrive this way are marked
// non-refreshable: a refresh would hit the same wall.
func (m *Manager) SubmitManualTokenResponse(flowID, rawJSON string) (*Token, error) {
	flow, ok := m.pending.ByID(flowID)
	if !ok {
		return nil, fmt.Errorf("no pending authorization with id %q", flowID)
	}
	if flow.FlowState.Terminal() {
		return nil, fmt.Errorf("authorization for %s already finished", flow.Config.Key())
	}
	if flow.Expired(time.Now()) {
		err := &DeviceCodeExpiredError{ServerName: flow.Config.Key()}
		m.failFlow(flow, StateExpired, err)
		return nil, err
	}

	if !gjson.Valid(rawJSON) {
		return nil, fmt.Errorf("token response is not valid JSON")
	}
	switch errCode := gjson.Get(rawJSON, "error").String(); errCode {
	case "":
	case "authorization_pending":
		return nil, fmt.Errorf("the provider has not seen your approval yet: enter the code first, then poll again")
	case "slow_down":
		return nil, fmt.Errorf("the provider asked you to wait a few seconds before polling again")
	case "expired_token":
		err := &DeviceCodeExpiredError{ServerName: flow.Config.Key()}
		m.failFlow(flow, StateExpired, err)
		return nil, err
	case "access_denied":
		err := &AccessDeniedError{ServerName: flow.Config.Key()}
		m.failFlow(flow, StateFailed, err)
		return nil, err
	default:
		return nil, &TokenExchangeError{
			ServerName:  flow.Config.Key(),
			Code:        errCode,
			Description: gjson.Get(rawJSON, "error_description").String(),
		}
	}

	token, err := parseTokenResponse([]byte(rawJSON))
	if err != nil {
		return nil, &TokenExchangeError{ServerName: flow.Config.Key(), Cause: err}
	}
	token.NoRefresh = true

	if err = m.completeFlow(flow, token); err != nil {
		return nil, err
	}
	return token, nil
}
