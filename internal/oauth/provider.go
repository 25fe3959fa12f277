package oauth

import "fmt"

// FlowKind selects which authorization flow a provider uses. It is decided
// once when the flow starts and threaded through unchanged; nothing later in
// the flow re-derives it from provider names or ad-hoc flags.
type FlowKind string

const (
	// FlowAuthorizationCode is the standard redirect/code flow with PKCE.
	FlowAuthorizationCode FlowKind = "authorization_code"
	// FlowDevice is the RFC 8628 device authorization flow.
	FlowDevice FlowKind = "device"
	// FlowManualDevice is the device flow with the user performing the
	// HTTP requests out-of-band because the provider blocks direct ones.
	FlowManualDevice FlowKind = "device_manual"
)

// ProviderConfig describes one connectable service and how to authorize
// against it.
type ProviderConfig struct {
	// Name is the provider identity: "github", "google", or "custom".
	Name string `yaml:"name" json:"name"`

	// ServerName is the key the issued token is stored under. Defaults to
	// Name when empty.
	ServerName string `yaml:"server-name,omitempty" json:"serverName,omitempty"`

	// Flow selects the authorization flow kind.
	Flow FlowKind `yaml:"flow" json:"flow"`

	ClientID     string `yaml:"client-id" json:"clientId"`
	ClientSecret string `yaml:"client-secret,omitempty" json:"clientSecret,omitempty"`
	Scope        string `yaml:"scope,omitempty" json:"scope,omitempty"`

	AuthorizationEndpoint string `yaml:"authorization-endpoint,omitempty" json:"authorizationEndpoint,omitempty"`
	DeviceCodeEndpoint    string `yaml:"device-code-endpoint,omitempty" json:"deviceCodeEndpoint,omitempty"`
	TokenEndpoint         string `yaml:"token-endpoint" json:"tokenEndpoint"`
	RevocationEndpoint    string `yaml:"revocation-endpoint,omitempty" json:"revocationEndpoint,omitempty"`

	// RedirectURI overrides the local callback URL for the
	// authorization-code flow.
	RedirectURI string `yaml:"redirect-uri,omitempty" json:"redirectUri,omitempty"`

	// TLSFingerprint enables the Firefox-fingerprint TLS transport for
	// providers that reject Go's default TLS stack on their OAuth hosts.
	TLSFingerprint bool `yaml:"tls-fingerprint,omitempty" json:"tlsFingerprint,omitempty"`
}

// Key returns the token-store key for this provider.
func (p *ProviderConfig) Key() string {
	if p.ServerName != "" {
		return p.ServerName
	}
	return p.Name
}

// Validate checks that the config carries what its flow kind needs.
func (p *ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if p.ClientID == "" {
		return fmt.Errorf("provider %s: client-id is required", p.Name)
	}
	if p.TokenEndpoint == "" {
		return fmt.Errorf("provider %s: token-endpoint is required", p.Name)
	}
	switch p.Flow {
	case FlowAuthorizationCode:
		if p.AuthorizationEndpoint == "" {
			return fmt.Errorf("provider %s: authorization-endpoint is required for the code flow", p.Name)
		}
	case FlowDevice, FlowManualDevice:
		if p.DeviceCodeEndpoint == "" {
			return fmt.Errorf("provider %s: device-code-endpoint is required for the device flow", p.Name)
		}
	default:
		return fmt.Errorf("provider %s: unknown flow kind %q", p.Name, p.Flow)
	}
	return nil
}

// GitHubProvider returns the built-in GitHub device-flow configuration.
// GitHub's OAuth endpoints famously sit behind a CORS policy that blocks
// browser-origin requests, which is what exercises the manual fallback.
func GitHubProvider(clientID, scope string) ProviderConfig {
	if scope == "" {
		scope = "repo read:user"
	}
	return ProviderConfig{
		Name:               "github",
		Flow:               FlowDevice,
		ClientID:           clientID,
		Scope:              scope,
		DeviceCodeEndpoint: "https://github.com/login/device/code",
		TokenEndpoint:      "https://github.com/login/oauth/access_token",
	}
}

// GoogleProvider returns the built-in Google authorization-code
// configuration used for Gmail/Calendar connections.
func GoogleProvider(clientID, clientSecret, scope string) ProviderConfig {
	return ProviderConfig{
		Name:                  "google",
		Flow:                  FlowAuthorizationCode,
		ClientID:              clientID,
		ClientSecret:          clientSecret,
		Scope:                 scope,
		AuthorizationEndpoint: "https://accounts.google.com/o/oauth2/v2/auth",
		TokenEndpoint:         "https://oauth2.googleapis.com/token",
		RevocationEndpoint:    "https://oauth2.googleapis.com/revoke",
	}
}
