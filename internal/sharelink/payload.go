// Package sharelink implements the encrypted share-link protocol: password
// based key derivation, the canonical share payload codec, and the
// authenticated link encryption/decryption used to move a complete chat
// configuration between browsers through a single URL fragment.
package sharelink

import (
	"encoding/json"
	"fmt"
)

// SchemaVersion is the payload schema version produced by this build.
// Older versions still decode; newer versions decode best-effort.
const SchemaVersion = "2.0"

// Message is a single chat turn. Order inside SharePayload.Messages is
// chronological and must be preserved.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Prompt is a reusable prompt template from the prompt library.
type Prompt struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Content string `json:"content"`
}

// FunctionDef carries the source and schema of a user-defined function.
type FunctionDef struct {
	Source string `json:"source"`
	Schema string `json:"schema,omitempty"`
}

// SharePayload is the structured configuration object that gets encrypted
// into a share link. Every field except Version is optional; an absent field
// means "do not touch this part of local state on apply", not "clear it".
type SharePayload struct {
	Version string `json:"version"`

	APIKey   string `json:"apiKey,omitempty"`
	BaseURL  string `json:"baseUrl,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	SystemPrompt   string `json:"systemPrompt,omitempty"`
	WelcomeMessage string `json:"welcomeMessage,omitempty"`

	Messages []Message `json:"messages,omitempty"`

	Prompts                  []Prompt `json:"prompts,omitempty"`
	SelectedPromptIDs        []string `json:"selectedPromptIds,omitempty"`
	SelectedDefaultPromptIDs []string `json:"selectedDefaultPromptIds,omitempty"`

	Functions        map[string]FunctionDef `json:"functions,omitempty"`
	EnabledFunctions []string               `json:"enabledFunctions,omitempty"`

	MCPConnections map[string]Credential `json:"mcpConnections,omitempty"`
}

// IsEmpty reports whether the payload carries nothing besides the version
// tag. Such a payload must never be built for sharing, although one received
// from elsewhere still decodes.
func (p *SharePayload) IsEmpty() bool {
	if p == nil {
		return true
	}
	return p.APIKey == "" && p.BaseURL == "" && p.Model == "" && p.Provider == "" &&
		p.SystemPrompt == "" && p.WelcomeMessage == "" &&
		len(p.Messages) == 0 && len(p.Prompts) == 0 &&
		len(p.SelectedPromptIDs) == 0 && len(p.SelectedDefaultPromptIDs) == 0 &&
		len(p.Functions) == 0 && len(p.EnabledFunctions) == 0 &&
		len(p.MCPConnections) == 0
}

// PresentFields lists the names of the populated optional fields, for
// showing a recipient what a link carries before they apply it.
func (p *SharePayload) PresentFields() []string {
	fields := make([]string, 0, 8)
	add := func(name string, present bool) {
		if present {
			fields = append(fields, name)
		}
	}
	add("apiKey", p.APIKey != "")
	add("baseUrl", p.BaseURL != "")
	add("model", p.Model != "")
	add("provider", p.Provider != "")
	add("systemPrompt", p.SystemPrompt != "")
	add("welcomeMessage", p.WelcomeMessage != "")
	add("messages", len(p.Messages) > 0)
	add("prompts", len(p.Prompts) > 0)
	add("selectedPromptIds", len(p.SelectedPromptIDs) > 0)
	add("selectedDefaultPromptIds", len(p.SelectedDefaultPromptIDs) > 0)
	add("functions", len(p.Functions) > 0)
	add("enabledFunctions", len(p.EnabledFunctions) > 0)
	add("mcpConnections", len(p.MCPConnections) > 0)
	return fields
}

// Credential is an MCP service credential. It is either a plain bearer token
// or a structured OAuth credential. The wire form of a plain token is a bare
// JSON string; historic senders sometimes wrapped plain tokens in an object,
// which Normalize folds back down so a token always round-trips unchanged.
type Credential struct {
	Token string
	OAuth *OAuthCredential
}

// OAuthCredential is the structured form of an MCP credential.
type OAuthCredential struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	TokenType    string `json:"tokenType,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ExpiresAt    string `json:"expiresAt,omitempty"`
}

// PlainToken builds a plain-token credential.
func PlainToken(token string) Credential {
	return Credential{Token: token}
}

// Normalize collapses a structured credential that carries nothing beyond a
// bearer token into the plain-token form. This runs at every storage
// boundary so decrypt-and-apply yields the identical string that was
// originally stored.
func (c Credential) Normalize() Credential {
	if c.OAuth == nil {
		return c
	}
	o := c.OAuth
	if o.RefreshToken == "" && o.Scope == "" && o.ExpiresAt == "" {
		return Credential{Token: o.AccessToken}
	}
	return c
}

// IsZero reports whether the credential carries no token material.
func (c Credential) IsZero() bool {
	return c.Token == "" && c.OAuth == nil
}

// MarshalJSON encodes a plain token as a bare string and a structured
// credential as an object.
func (c Credential) MarshalJSON() ([]byte, error) {
	if c.OAuth != nil {
		return json.Marshal(c.OAuth)
	}
	return json.Marshal(c.Token)
}

// UnmarshalJSON accepts a bare string, a structured credential object, or the
// legacy {"token": "..."} wrapper.
func (c *Credential) UnmarshalJSON(data []byte) error {
	var token string
	if err := json.Unmarshal(data, &token); err == nil {
		*c = Credential{Token: token}
		return nil
	}

	var wrapper struct {
		Token        string `json:"token"`
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		TokenType    string `json:"tokenType"`
		Scope        string `json:"scope"`
		ExpiresAt    string `json:"expiresAt"`
	}
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return fmt.Errorf("credential must be a string or an object: %w", err)
	}

	if wrapper.Token != "" {
		*c = Credential{Token: wrapper.Token}
		return nil
	}
	*c = Credential{OAuth: &OAuthCredential{
		AccessToken:  wrapper.AccessToken,
		RefreshToken: wrapper.RefreshToken,
		TokenType:    wrapper.TokenType,
		Scope:        wrapper.Scope,
		ExpiresAt:    wrapper.ExpiresAt,
	}}
	*c = c.Normalize()
	return nil
}
