package oauth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/chatlink-dev/chatlinkd/internal/misc"
	"github.com/chatlink-dev/chatlinkd/internal/session"
)

// Options configures a Manager.
type Options struct {
	// Persister backs the pending-flow and token stores; the encrypted
	// local store satisfies it.
	Persister Persister

	// SessionKeys, when set, lets the authorization-code flow embed the
	// in-memory session key in the state parameter and restore it on the
	// callback.
	SessionKeys session.KeyHolder

	// Namespace is the configuration-set identifier embedded as the second
	// state segment so a shared callback endpoint can route back here.
	Namespace string

	// CallbackPort is the local port the authorization-code callback
	// server listens on.
	CallbackPort int

	// ProxyURL applies to every provider client.
	ProxyURL string

	// OpenBrowser opens a URL for the user. Nil disables auto-opening; the
	// caller then shows the URL instead.
	OpenBrowser func(url string) error
}

// Manager owns every in-progress and completed authorization: it starts
// flows, drives device polling, receives redirect callbacks, persists
// tokens, and publishes progress events.
type Manager struct {
	pending     *PendingFlowStore
	tokens      *TokenStore
	sessionKeys session.KeyHolder
	namespace   string

	callbackPort int
	proxyURL     string
	openBrowser  func(string) error

	mu        sync.Mutex
	providers map[string]ProviderConfig
	clients   map[string]*http.Client
	pollers   map[string]*poller
	callback  *CallbackServer

	subMu sync.Mutex
	subs  map[chan FlowEvent]struct{}
}

// NewManager loads persisted flows and tokens and returns a Manager.
// Suspended flows are loaded but not resumed; call ResumeSuspendedFlows once
// the process is ready to do network work.
func NewManager(opts Options) (*Manager, error) {
	if opts.Persister == nil {
		return nil, fmt.Errorf("oauth manager requires a persister")
	}
	pending, err := NewPendingFlowStore(opts.Persister)
	if err != nil {
		return nil, err
	}
	tokens, err := NewTokenStore(opts.Persister)
	if err != nil {
		return nil, err
	}
	return &Manager{
		pending:      pending,
		tokens:       tokens,
		sessionKeys:  opts.SessionKeys,
		namespace:    opts.Namespace,
		callbackPort: opts.CallbackPort,
		proxyURL:     opts.ProxyURL,
		openBrowser:  opts.OpenBrowser,
		providers:    make(map[string]ProviderConfig),
		clients:      make(map[string]*http.Client),
		pollers:      make(map[string]*poller),
		subs:         make(map[chan FlowEvent]struct{}),
	}, nil
}

// RegisterProvider makes a provider available for flows and refreshes.
// Registering the same key again replaces the configuration.
func (m *Manager) RegisterProvider(cfg ProviderConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[cfg.Key()] = cfg
	delete(m.clients, cfg.Key())
	return nil
}

// Provider returns a registered provider configuration.
func (m *Manager) Provider(serverName string) (ProviderConfig, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.providers[serverName]
	return cfg, ok
}

// Providers returns all registered provider configurations.
func (m *Manager) Providers() []ProviderConfig {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProviderConfig, 0, len(m.providers))
	for _, cfg := range m.providers {
		out = append(out, cfg)
	}
	return out
}

// clientFor returns the cached HTTP client for a provider.
func (m *Manager) clientFor(cfg *ProviderConfig) *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	if client, ok := m.clients[cfg.Key()]; ok {
		return client
	}
	client := newHTTPClient(cfg, m.proxyURL)
	m.clients[cfg.Key()] = client
	return client
}

// Subscribe returns a channel of flow events and a cancel function. Slow
// subscribers miss events rather than stalling flows.
func (m *Manager) Subscribe() (<-chan FlowEvent, func()) {
	ch := make(chan FlowEvent, 16)
	m.subMu.Lock()
	m.subs[ch] = struct{}{}
	m.subMu.Unlock()
	return ch, func() {
		m.subMu.Lock()
		delete(m.subs, ch)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(ev FlowEvent) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for ch := range m.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) publishFlow(flow *PendingFlow, message string) {
	m.publish(FlowEvent{
		FlowID:    flow.ID,
		Server:    flow.Config.Key(),
		FlowState: flow.FlowState,
		Message:   message,
		At:        time.Now(),
	})
}

// StartFlow begins an authorization for a registered provider. A live flow
// for the same server blocks a new one unless replace is set; replacement
// cancels the old flow first.
func (m *Manager) StartFlow(ctx context.Context, serverName string, replace bool) (*PendingFlow, error) {
	cfg, ok := m.Provider(serverName)
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", serverName)
	}

	if existing, found := m.pending.ByServer(cfg.Key()); found {
		if !replace {
			return nil, &FlowInProgressError{ServerName: cfg.Key()}
		}
		if err := m.CancelFlow(existing.ID); err != nil {
			return nil, fmt.Errorf("cancel previous flow: %w", err)
		}
	}
	// A finished failure for this server is history once a new attempt
	// starts; it must never shadow the live flow.
	if err := m.pending.PurgeTerminal(cfg.Key()); err != nil {
		log.Warnf("old flow records for %s not purged: %v", cfg.Key(), err)
	}

	base, err := misc.GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("generate state: %w", err)
	}

	flow := &PendingFlow{
		ID:        uuid.NewString(),
		Config:    cfg,
		CreatedAt: time.Now(),
	}

	switch cfg.Flow {
	case FlowAuthorizationCode:
		return flow, m.startAuthorizationCode(ctx, flow, base)
	case FlowDevice:
		return flow, m.startDevice(ctx, flow, base)
	case FlowManualDevice:
		return flow, m.startManualDevice(flow, base)
	default:
		return nil, fmt.Errorf("provider %s: unknown flow kind %q", cfg.Name, cfg.Flow)
	}
}

// startAuthorizationCode launches the redirect flow: PKCE, state with the
// embedded session key, the local callback server, and the browser.
func (m *Manager) startAuthorizationCode(ctx context.Context, flow *PendingFlow, baseState string) error {
	pkce, err := GeneratePKCECodes()
	if err != nil {
		return err
	}
	flow.PKCE = pkce

	var sessionKey []byte
	if m.sessionKeys != nil {
		sessionKey = m.sessionKeys.GetSessionKey()
	}
	flow.State = session.BuildState(baseState, m.namespace, sessionKey)

	if flow.Config.RedirectURI == "" {
		flow.Config.RedirectURI = fmt.Sprintf("http://localhost:%d/callback", m.callbackPort)
	}
	flow.FlowState = StateAuthorizationRequested
	flow.AuthorizationURL = buildAuthorizationURL(flow)
	if err = m.pending.Put(flow); err != nil {
		return err
	}

	if err = m.startCallbackServer(ctx); err != nil {
		// The flow can still finish through a pasted callback URL.
		log.Warnf("callback server unavailable, falling back to manual callback entry: %v", err)
	}

	authURL := flow.AuthorizationURL
	m.publishFlow(flow, "waiting for authorization in the browser")
	if m.openBrowser != nil {
		if errOpen := m.openBrowser(authURL); errOpen != nil {
			log.Warnf("could not open browser: %v", errOpen)
		}
	}
	log.Infof("authorize %s at: %s", flow.Config.Key(), authURL)
	return nil
}

// startDevice requests a device code and starts polling. A transport-level
// failure on the device-code request switches the whole flow to manual.
func (m *Manager) startDevice(ctx context.Context, flow *PendingFlow, baseState string) error {
	flow.State = session.BuildState(baseState, m.namespace, nil)

	auth, err := m.requestDeviceCode(ctx, &flow.Config)
	if err != nil {
		if IsCORSBlocked(err) {
			log.Warnf("device-code endpoint for %s unreachable directly, using manual flow: %v", flow.Config.Key(), err)
			flow.Config.Flow = FlowManualDevice
			return m.startManualDevice(flow, baseState)
		}
		return err
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
	if err = m.pending.Put(flow); err != nil {
		return err
	}

	m.publish(FlowEvent{
		FlowID: flow.ID, Server: flow.Config.Key(), FlowState: StatePendingUserAction,
		Message:      fmt.Sprintf("enter code %s at %s", flow.UserCode, flow.VerificationURI),
		PollInterval: flow.PollIntervalSeconds,
		At:           time.Now(),
	})
	if m.openBrowser != nil {
		if errOpen := m.openBrowser(flow.VerificationURI); errOpen != nil {
			log.Warnf("could not open browser: %v", errOpen)
		}
	}

	// The poller mutates its own copy of the record; the caller keeps this
	// one.
	m.mu.Lock()
	m.pollers[flow.State] = m.newPoller(flow.clone())
	m.mu.Unlock()
	return nil
}

// startManualDevice records a flow waiting for the user to fetch the device
// code out-of-band and paste the provider's JSON response back in.
func (m *Manager) startManualDevice(flow *PendingFlow, baseState string) error {
	if flow.State == "" {
		flow.State = session.BuildState(baseState, m.namespace, nil)
	}
	flow.FlowState = StateAuthorizationRequested
	if err := m.pending.Put(flow); err != nil {
		return err
	}
	m.publishFlow(flow, "run the device-code command and paste the JSON response")
	return nil
}

// startCallbackServer lazily starts the shared callback listener and the
// goroutine that feeds its results back into the manager.
func (m *Manager) startCallbackServer(ctx context.Context) error {
	m.mu.Lock()
	if m.callback != nil {
		m.mu.Unlock()
		return nil
	}
	server := NewCallbackServer(m.callbackPort)
	if err := server.Start(); err != nil {
		m.mu.Unlock()
		return err
	}
	m.callback = server
	m.mu.Unlock()

	go func() {
		result, err := server.WaitForCallback(10 * time.Minute)
		m.mu.Lock()
		if m.callback == server {
			m.callback = nil
		}
		m.mu.Unlock()
		_ = server.Stop(context.Background())

		if err != nil {
			log.Debugf("callback wait ended: %v", err)
			return
		}
		if result.Error != "" {
			log.Errorf("authorization callback failed: %s", result.Error)
			return
		}
		if _, errResume := m.ResumeAuthorizationCode(ctx, result.Code, result.State); errResume != nil {
			log.Errorf("authorization could not be completed: %s", UserFriendlyMessage(errResume))
		}
	}()
	return nil
}

// CancelFlow stops and removes a pending flow by ID.
func (m *Manager) CancelFlow(id string) error {
	flow, ok := m.pending.ByID(id)
	if !ok {
		return fmt.Errorf("no pending authorization with id %q", id)
	}

	m.mu.Lock()
	p := m.pollers[flow.State]
	delete(m.pollers, flow.State)
	m.mu.Unlock()
	if p != nil {
		p.stop()
	}

	if err := m.pending.Delete(flow.State); err != nil {
		return err
	}
	flow.FlowState = StateRevoked
	m.publishFlow(flow, "authorization cancelled")
	return nil
}

// PendingFlows returns every non-terminal pending flow.
func (m *Manager) PendingFlows() []*PendingFlow {
	return m.pending.Active()
}

// FlowByID returns a pending flow by its ID.
func (m *Manager) FlowByID(id string) (*PendingFlow, bool) {
	return m.pending.ByID(id)
}

// ResumeSuspendedFlows restarts polling for device flows that were pending
// when the previous process exited. Authorization-code flows need no resume
// step: their record just waits for the callback or a pasted URL.
func (m *Manager) ResumeSuspendedFlows(ctx context.Context) {
	now := time.Now()
	for _, flow := range m.pending.Active() {
		switch {
		case flow.Expired(now):
			m.failFlow(flow, StateExpired, &DeviceCodeExpiredError{ServerName: flow.Config.Key()})
		case flow.DeviceCode != "" && flow.FlowState == StatePendingUserAction && !flow.ManualPollFallback:
			log.Infof("resuming device authorization for %s", flow.Config.Key())
			m.mu.Lock()
			if _, running := m.pollers[flow.State]; !running {
				m.pollers[flow.State] = m.newPoller(flow)
			}
			m.mu.Unlock()
		case flow.Config.Flow == FlowAuthorizationCode:
			if err := m.startCallbackServer(ctx); err != nil {
				log.Debugf("callback server not restarted: %v", err)
			}
		}
	}
}

// completeFlow records the issued token, removes the pending flow, and
// announces success.
func (m *Manager) completeFlow(flow *PendingFlow, token *Token) error {
	if err := m.tokens.Put(flow.Config.Key(), token); err != nil {
		return fmt.Errorf("persist token for %s: %w", flow.Config.Key(), err)
	}
	if err := m.pending.Delete(flow.State); err != nil {
		log.Warnf("completed flow record not removed: %v", err)
	}
	m.detachPoller(flow.State)

	flow.FlowState = StateAuthorized
	log.Infof("%s connected", flow.Config.Key())
	m.publishFlow(flow, "connected")
	return nil
}

// completeDeviceFlow is completeFlow invoked from inside the poll loop.
func (m *Manager) completeDeviceFlow(flow *PendingFlow, token *Token) {
	if err := m.completeFlow(flow, token); err != nil {
		log.Errorf("device authorization for %s completed but could not be saved: %v", flow.Config.Key(), err)
	}
}

// failFlow transitions a flow to a terminal failure state. The record stays
// in the store so the UI can show what went wrong; starting a new flow for
// the same server replaces it without confirmation.
func (m *Manager) failFlow(flow *PendingFlow, state FlowState, cause error) {
	m.detachPoller(flow.State)
	flow.FlowState = state
	if cause != nil {
		flow.LastError = UserFriendlyMessage(cause)
	}
	if err := m.pending.Put(flow); err != nil {
		log.Warnf("failed flow record not persisted: %v", err)
	}
	m.publishFlow(flow, flow.LastError)
}

// switchToManualPoll keeps a device flow alive after its token polling hit a
// transport wall: the user performs the token exchange out-of-band and
// pastes the result.
func (m *Manager) switchToManualPoll(flow *PendingFlow, cause error) {
	m.detachPoller(flow.State)
	flow.ManualPollFallback = true
	flow.FlowState = StatePendingUserAction
	flow.LastError = UserFriendlyMessage(cause)
	if err := m.pending.Put(flow); err != nil {
		log.Warnf("manual-fallback flow record not persisted: %v", err)
	}
	log.Warnf("token polling for %s unreachable directly, switching to manual exchange", flow.Config.Key())
	m.publishFlow(flow, "finish the exchange manually and paste the token response")
}

// detachPoller forgets a flow's poller and cancels it without waiting, so it
// is safe to call from inside the poll loop itself.
func (m *Manager) detachPoller(flowState string) {
	m.mu.Lock()
	p := m.pollers[flowState]
	delete(m.pollers, flowState)
	m.mu.Unlock()
	if p != nil {
		p.stopOnce.Do(p.cancel)
	}
}

// Token returns the stored token for a server.
func (m *Manager) Token(serverName string) (*Token, bool) {
	return m.tokens.Get(serverName)
}

// GetAccessToken returns an access token for a server, refreshing it first
// when expired and refreshable. allowExpired returns the stored token as-is
// even past its expiry, for callers that want to attempt a request anyway. A
// token that cannot be made live reports as needing re-authorization; the
// expired token stays in the store either way.
func (m *Manager) GetAccessToken(ctx context.Context, serverName string, allowExpired bool) (string, error) {
	token, ok := m.tokens.Get(serverName)
	if !ok {
		return "", &ReauthorizationRequiredError{ServerName: serverName}
	}
	if allowExpired || !token.Expired(time.Now()) {
		return token.AccessToken, nil
	}
	if !token.Refreshable() {
		return "", &ReauthorizationRequiredError{ServerName: serverName}
	}
	refreshed, err := m.RefreshAccessToken(ctx, serverName)
	if err != nil {
		var reauth *ReauthorizationRequiredError
		if errors.As(err, &reauth) {
			return "", err
		}
		return "", &ReauthorizationRequiredError{ServerName: serverName, Reason: "the token could not be refreshed"}
	}
	return refreshed.AccessToken, nil
}

// RefreshAccessToken exchanges a refresh token for a new access token. The
// provider may rotate the refresh token; when it does not, the old one is
// kept.
func (m *Manager) RefreshAccessToken(ctx context.Context, serverName string) (*Token, error) {
	token, ok := m.tokens.Get(serverName)
	if !ok || !token.Refreshable() {
		return nil, &ReauthorizationRequiredError{ServerName: serverName}
	}
	cfg, ok := m.Provider(serverName)
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", serverName)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", token.RefreshToken)
	form.Set("client_id", cfg.ClientID)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.clientFor(&cfg).Do(req)
	if err != nil {
		return nil, &RefreshFailedError{ServerName: serverName, Cause: classifyTransportError(cfg.TokenEndpoint, err)}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshFailedError{ServerName: serverName, Cause: err}
	}

	errCode := gjson.GetBytes(body, "error").String()
	if errCode != "" || resp.StatusCode != http.StatusOK {
		if errCode == "invalid_grant" {
			// The refresh token itself was revoked or expired.
			return nil, &ReauthorizationRequiredError{ServerName: serverName}
		}
		return nil, &RefreshFailedError{
			ServerName: serverName,
			Cause:      fmt.Errorf("status %d, error %q: %s", resp.StatusCode, errCode, gjson.GetBytes(body, "error_description").String()),
		}
	}

	refreshed, err := parseTokenResponse(body)
	if err != nil {
		return nil, &RefreshFailedError{ServerName: serverName, Cause: err}
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = token.RefreshToken
	}
	if err = m.tokens.Put(serverName, refreshed); err != nil {
		return nil, err
	}
	log.Debugf("access token for %s refreshed", serverName)
	return refreshed, nil
}

// RevokeToken revokes a server's token at the provider when a revocation
// endpoint is configured, then forgets it locally either way.
func (m *Manager) RevokeToken(ctx context.Context, serverName string) error {
	token, ok := m.tokens.Get(serverName)
	if !ok {
		return nil
	}

	if cfg, found := m.Provider(serverName); found && cfg.RevocationEndpoint != "" {
		form := url.Values{}
		form.Set("token", token.AccessToken)
		form.Set("client_id", cfg.ClientID)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.RevocationEndpoint, strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			if resp, errDo := m.clientFor(&cfg).Do(req); errDo != nil {
				log.Warnf("provider revocation for %s failed, forgetting token locally anyway: %v", serverName, errDo)
			} else {
				_ = resp.Body.Close()
			}
		}
	}

	if err := m.tokens.Delete(serverName); err != nil {
		return err
	}
	m.publish(FlowEvent{Server: serverName, FlowState: StateRevoked, Message: "disconnected", At: time.Now()})
	return nil
}

// Close stops every poller and the callback server.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	pollers := make([]*poller, 0, len(m.pollers))
	for key, p := range m.pollers {
		pollers = append(pollers, p)
		delete(m.pollers, key)
	}
	callback := m.callback
	m.callback = nil
	m.mu.Unlock()

	for _, p := range pollers {
		p.stop()
	}
	if callback != nil {
		_ = callback.Stop(ctx)
	}
}
