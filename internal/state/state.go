// Package state bridges the application's live configuration and the share
// payload: the collector gathers selected slots of local state into a
// SharePayload before encryption, and the applier writes a decrypted payload
// back. Both sides treat the local store as a set of named slots and nothing
// more.
package state

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tiktoken-go/tokenizer"

	"github.com/chatlink-dev/chatlinkd/internal/sharelink"
	"github.com/chatlink-dev/chatlinkd/internal/store"
)

// Store slot keys. These are the named slots of the local store contract;
// the applier only ever writes slots whose payload field is present.
const (
	slotAPIKey                   = "apiKey"
	slotBaseURL                  = "baseUrl"
	slotModel                    = "model"
	slotProvider                 = "provider"
	slotSystemPrompt             = "systemPrompt"
	slotWelcomeMessage           = "welcomeMessage"
	slotMessages                 = "messages"
	slotPrompts                  = "prompts"
	slotSelectedPromptIDs        = "selectedPromptIds"
	slotSelectedDefaultPromptIDs = "selectedDefaultPromptIds"
	slotFunctions                = "functions"
	slotEnabledFunctions         = "enabledFunctions"
	slotMCPConnections           = "mcpConnections"
)

// CollectOptions selects which parts of local state go into a share.
// Unselected parts are omitted from the payload entirely, not included as
// null, to keep the link short.
type CollectOptions struct {
	APIKey         bool
	Endpoint       bool // baseUrl, model, provider
	SystemPrompt   bool
	WelcomeMessage bool
	Messages       bool
	Prompts        bool
	Functions      bool
	MCPConnections bool
}

// Stats describes the collected payload for UI warnings. Token counts are
// approximate (cl100k unless the configured model says otherwise).
type Stats struct {
	MessageCount  int `json:"messageCount"`
	MessageTokens int `json:"messageTokens"`
	PayloadBytes  int `json:"payloadBytes"`
}

// Service reads and writes the named slots of the local store.
type Service struct {
	store *store.LocalStore

	// fallbackModel selects the token-count encoding when the payload
	// itself names no model.
	fallbackModel string
}

// NewService wires the collector/applier to its backing store.
func NewService(s *store.LocalStore) *Service {
	return &Service{store: s}
}

// SetFallbackTokenizerModel sets the model used for token estimates when the
// payload carries none.
func (s *Service) SetFallbackTokenizerModel(model string) {
	s.fallbackModel = model
}

// Collect builds a SharePayload from the selected slots of local state. It
// refuses to build a payload that would carry nothing besides the version
// tag, and normalizes every MCP credential down to its plain token form when
// the credential is simple.
func (s *Service) Collect(opts CollectOptions) (*sharelink.SharePayload, *Stats, error) {
	p := &sharelink.SharePayload{Version: sharelink.SchemaVersion}

	if opts.APIKey {
		p.APIKey = s.store.GetString(slotAPIKey)
	}
	if opts.Endpoint {
		p.BaseURL = s.store.GetString(slotBaseURL)
		p.Model = s.store.GetString(slotModel)
		p.Provider = s.store.GetString(slotProvider)
	}
	if opts.SystemPrompt {
		p.SystemPrompt = s.store.GetString(slotSystemPrompt)
	}
	if opts.WelcomeMessage {
		p.WelcomeMessage = s.store.GetString(slotWelcomeMessage)
	}
	if opts.Messages {
		if err := s.readSlot(slotMessages, &p.Messages); err != nil {
			return nil, nil, err
		}
	}
	if opts.Prompts {
		if err := s.readSlot(slotPrompts, &p.Prompts); err != nil {
			return nil, nil, err
		}
		if err := s.readSlot(slotSelectedPromptIDs, &p.SelectedPromptIDs); err != nil {
			return nil, nil, err
		}
		if err := s.readSlot(slotSelectedDefaultPromptIDs, &p.SelectedDefaultPromptIDs); err != nil {
			return nil, nil, err
		}
	}
	if opts.Functions {
		if err := s.readSlot(slotFunctions, &p.Functions); err != nil {
			return nil, nil, err
		}
		if err := s.readSlot(slotEnabledFunctions, &p.EnabledFunctions); err != nil {
			return nil, nil, err
		}
	}
	if opts.MCPConnections {
		if err := s.readSlot(slotMCPConnections, &p.MCPConnections); err != nil {
			return nil, nil, err
		}
		for key, cred := range p.MCPConnections {
			p.MCPConnections[key] = cred.Normalize()
		}
	}

	if p.IsEmpty() {
		return nil, nil, sharelink.ErrEmptyPayload
	}
	return p, s.stats(p), nil
}

// Apply writes every present field of the payload into its slot. Absent
// fields leave local state untouched. The operation is idempotent and
// all-or-nothing: validation runs before the first write, so a rejected
// payload changes nothing.
func (s *Service) Apply(p *sharelink.SharePayload) error {
	if p == nil {
		return &sharelink.PayloadFormatError{Reason: "nil payload"}
	}
	if p.Version == "" {
		return &sharelink.PayloadFormatError{Reason: "missing version tag"}
	}
	if err := s.validatePromptSelection(p); err != nil {
		return err
	}

	if p.APIKey != "" {
		if err := s.store.SetValue(slotAPIKey, p.APIKey); err != nil {
			return err
		}
	}
	if p.BaseURL != "" {
		if err := s.store.SetValue(slotBaseURL, p.BaseURL); err != nil {
			return err
		}
	}
	if p.Model != "" {
		if err := s.store.SetValue(slotModel, p.Model); err != nil {
			return err
		}
	}
	if p.Provider != "" {
		if err := s.store.SetValue(slotProvider, p.Provider); err != nil {
			return err
		}
	}
	if p.SystemPrompt != "" {
		if err := s.store.SetValue(slotSystemPrompt, p.SystemPrompt); err != nil {
			return err
		}
	}
	if p.WelcomeMessage != "" {
		if err := s.store.SetValue(slotWelcomeMessage, p.WelcomeMessage); err != nil {
			return err
		}
	}
	if p.Messages != nil {
		if err := s.writeSlot(slotMessages, p.Messages); err != nil {
			return err
		}
	}
	if p.Prompts != nil {
		if err := s.writeSlot(slotPrompts, p.Prompts); err != nil {
			return err
		}
	}
	if p.SelectedPromptIDs != nil {
		if err := s.writeSlot(slotSelectedPromptIDs, p.SelectedPromptIDs); err != nil {
			return err
		}
	}
	if p.SelectedDefaultPromptIDs != nil {
		if err := s.writeSlot(slotSelectedDefaultPromptIDs, p.SelectedDefaultPromptIDs); err != nil {
			return err
		}
	}
	if p.Functions != nil {
		if err := s.writeSlot(slotFunctions, p.Functions); err != nil {
			return err
		}
	}
	if p.EnabledFunctions != nil {
		if err := s.writeSlot(slotEnabledFunctions, p.EnabledFunctions); err != nil {
			return err
		}
	}
	for key, cred := range p.MCPConnections {
		cred = cred.Normalize()
		if cred.IsZero() {
			continue
		}
		var value any
		if cred.OAuth != nil {
			value = cred.OAuth
		} else {
			value = cred.Token
		}
		if err := s.store.SetValue(slotMCPConnections+"."+key, value); err != nil {
			return err
		}
	}
	return nil
}

// MCPToken returns the stored plain token for a service, or "" when the
// service is not connected.
func (s *Service) MCPToken(serviceKey string) string {
	return s.store.GetString(slotMCPConnections + "." + serviceKey)
}

// SetMCPToken stores a service credential, normalized to its plain token
// form when simple.
func (s *Service) SetMCPToken(serviceKey string, cred sharelink.Credential) error {
	cred = cred.Normalize()
	if cred.OAuth != nil {
		return s.store.SetValue(slotMCPConnections+"."+serviceKey, cred.OAuth)
	}
	return s.store.SetValue(slotMCPConnections+"."+serviceKey, cred.Token)
}

// DeleteMCPToken removes a service credential.
func (s *Service) DeleteMCPToken(serviceKey string) error {
	return s.store.DeleteValue(slotMCPConnections + "." + serviceKey)
}

func (s *Service) readSlot(key string, out any) error {
	raw, ok := s.store.GetValue(key)
	if !ok {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("state: slot %s is malformed: %w", key, err)
	}
	return nil
}

func (s *Service) writeSlot(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("state: marshal slot %s: %w", key, err)
	}
	return s.store.SetRawValue(key, string(raw))
}

// validatePromptSelection checks that every selected prompt ID references a
// prompt that will exist after the payload is applied: the shared library
// when the payload carries one, the already-stored local library otherwise
// (an absent prompts field leaves the local library in place). Default prompt
// IDs live in their own selection list and are not checked.
func (s *Service) validatePromptSelection(p *sharelink.SharePayload) error {
	if len(p.SelectedPromptIDs) == 0 {
		return nil
	}
	prompts := p.Prompts
	if prompts == nil {
		if err := s.readSlot(slotPrompts, &prompts); err != nil {
			return err
		}
	}
	known := make(map[string]struct{}, len(prompts))
	for _, prompt := range prompts {
		known[prompt.ID] = struct{}{}
	}
	for _, id := range p.SelectedPromptIDs {
		if _, ok := known[id]; !ok {
			return &sharelink.PayloadFormatError{
				Reason: fmt.Sprintf("selected prompt %q is not in the prompt library", id),
			}
		}
	}
	return nil
}

// stats computes payload statistics for UI display. Tokenizer failures only
// degrade the stats, never the share.
func (s *Service) stats(p *sharelink.SharePayload) *Stats {
	st := &Stats{MessageCount: len(p.Messages)}
	if raw, err := sharelink.Encode(p); err == nil {
		st.PayloadBytes = len(raw)
	}
	if len(p.Messages) == 0 {
		return st
	}

	model := p.Model
	if model == "" {
		model = s.fallbackModel
	}
	enc, err := encoderForModel(model)
	if err != nil {
		log.Debugf("tokenizer unavailable for model %q: %v", p.Model, err)
		return st
	}
	var parts []string
	for _, m := range p.Messages {
		parts = append(parts, m.Role, m.Content)
	}
	count, err := enc.Count(strings.Join(parts, "\n"))
	if err != nil {
		log.Debugf("token count failed: %v", err)
		return st
	}
	st.MessageTokens = count
	return st
}

func encoderForModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "gpt-3"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}
