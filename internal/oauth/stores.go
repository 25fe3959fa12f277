package oauth

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Persister is the slice of the local store the OAuth machinery needs:
// atomic per-key reads and writes of JSON values. The encrypted local store
// satisfies it.
type Persister interface {
	GetValue(key string) (raw string, ok bool)
	SetRawValue(key, rawJSON string) error
	DeleteValue(key string) error
}

const (
	pendingFlowsKey = "oauthPendingFlows"
	tokensKey       = "oauthTokens"
)

// PendingFlowStore persists in-progress authorizations keyed by their state
// token, with a secondary lookup by device code. Each entry is owned by the
// flow that created it; flows for different servers never touch each other's
// entries.
type PendingFlowStore struct {
	mu    sync.Mutex
	store Persister
	flows map[string]*PendingFlow
}

// NewPendingFlowStore loads persisted pending flows from the store. Records
// persist across restarts because an OAuth redirect implies one.
func NewPendingFlowStore(p Persister) (*PendingFlowStore, error) {
	s := &PendingFlowStore{store: p, flows: make(map[string]*PendingFlow)}
	raw, ok := p.GetValue(pendingFlowsKey)
	if !ok {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s.flows); err != nil {
		return nil, fmt.Errorf("pending flows are malformed: %w", err)
	}
	return s, nil
}

// Put stores (or replaces) the record for flow.State and persists the map.
// The store keeps its own copy; later mutations of the argument do not reach
// the stored record until the next Put.
func (s *PendingFlowStore) Put(flow *PendingFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[flow.State] = flow.clone()
	return s.persistLocked()
}

// ByState returns a copy of the pending flow with the given state token.
func (s *PendingFlowStore) ByState(state string) (*PendingFlow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flow, ok := s.flows[state]
	if !ok {
		return nil, false
	}
	return flow.clone(), true
}

// ByID returns a copy of the pending flow with the given flow ID, terminal
// records included.
func (s *PendingFlowStore) ByID(id string) (*PendingFlow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, flow := range s.flows {
		if flow.ID == id {
			return flow.clone(), true
		}
	}
	return nil, false
}

// ByDeviceCode returns a copy of the pending device flow holding the given
// code.
func (s *PendingFlowStore) ByDeviceCode(deviceCode string) (*PendingFlow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, flow := range s.flows {
		if flow.DeviceCode != "" && flow.DeviceCode == deviceCode {
			return flow.clone(), true
		}
	}
	return nil, false
}

// ByServer returns a copy of the live (non-terminal) flow for a server.
// Terminal records for the same server may coexist with a live one; only the
// live flow gates whether a new authorization can start.
func (s *PendingFlowStore) ByServer(serverName string) (*PendingFlow, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, flow := range s.flows {
		if flow.Config.Key() == serverName && !flow.FlowState.Terminal() {
			return flow.clone(), true
		}
	}
	return nil, false
}

// Active returns copies of every flow that has not reached a terminal state.
func (s *PendingFlowStore) Active() []*PendingFlow {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PendingFlow, 0, len(s.flows))
	for _, flow := range s.flows {
		if !flow.FlowState.Terminal() {
			out = append(out, flow.clone())
		}
	}
	return out
}

// PurgeTerminal removes every terminal record for a server. Called when a new
// flow starts so an old failure does not linger next to the fresh attempt.
func (s *PendingFlowStore) PurgeTerminal(serverName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := false
	for state, flow := range s.flows {
		if flow.Config.Key() == serverName && flow.FlowState.Terminal() {
			delete(s.flows, state)
			purged = true
		}
	}
	if !purged {
		return nil
	}
	return s.persistLocked()
}

// Delete removes the record for a state token. Deleting an absent record is
// not an error; cancellation and consumption race benignly.
func (s *PendingFlowStore) Delete(state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[state]; !ok {
		return nil
	}
	delete(s.flows, state)
	return s.persistLocked()
}

func (s *PendingFlowStore) persistLocked() error {
	raw, err := json.Marshal(s.flows)
	if err != nil {
		return fmt.Errorf("persist pending flows: %w", err)
	}
	return s.store.SetRawValue(pendingFlowsKey, string(raw))
}

// TokenStore persists issued tokens keyed by server name.
type TokenStore struct {
	mu     sync.Mutex
	store  Persister
	tokens map[string]*Token
}

// NewTokenStore loads persisted tokens from the store.
func NewTokenStore(p Persister) (*TokenStore, error) {
	s := &TokenStore{store: p, tokens: make(map[string]*Token)}
	raw, ok := p.GetValue(tokensKey)
	if !ok {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s.tokens); err != nil {
		return nil, fmt.Errorf("token store is malformed: %w", err)
	}
	return s, nil
}

// Get returns the token for a server.
func (s *TokenStore) Get(serverName string) (*Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.tokens[serverName]
	return token, ok
}

// Put stores (or replaces) the token for a server.
func (s *TokenStore) Put(serverName string, token *Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[serverName] = token
	return s.persistLocked()
}

// Delete removes the token for a server.
func (s *TokenStore) Delete(serverName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[serverName]; !ok {
		return nil
	}
	delete(s.tokens, serverName)
	return s.persistLocked()
}

func (s *TokenStore) persistLocked() error {
	raw, err := json.Marshal(s.tokens)
	if err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	return s.store.SetRawValue(tokensKey, string(raw))
}
