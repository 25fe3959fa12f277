// Package config provides configuration management for the chatlinkd server.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the management port,
// local store location, share-link base URL, OAuth providers, and logging.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/chatlink-dev/chatlinkd/internal/oauth"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Host is the address the management API binds to. Defaults to
	// 127.0.0.1; the API carries secrets and is not meant to be exposed.
	Host string `yaml:"host" json:"host"`

	// Port is the TCP port the management API listens on.
	Port int `yaml:"port" json:"port"`

	// APIKeys is a list of keys for authenticating clients to the
	// management API.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// ShareBaseURL is the page URL share links are built on. The encrypted
	// payload rides in the URL fragment, which never reaches that server.
	ShareBaseURL string `yaml:"share-base-url" json:"share-base-url"`

	// StorePath is the location of the encrypted local store file. A
	// leading tilde expands to the user's home directory.
	StorePath string `yaml:"store-path" json:"store-path"`

	// ProxyURL is the URL of an optional proxy server for outbound
	// requests to OAuth providers.
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`

	// OAuthCallbackPort is the local port the authorization-code callback
	// server listens on.
	OAuthCallbackPort int `yaml:"oauth-callback-port" json:"oauth-callback-port"`

	// OAuthNamespace identifies this configuration set in OAuth state
	// parameters so a shared callback endpoint can route back here.
	OAuthNamespace string `yaml:"oauth-namespace,omitempty" json:"oauth-namespace,omitempty"`

	// Providers lists the connectable OAuth services.
	Providers []oauth.ProviderConfig `yaml:"oauth-providers,omitempty" json:"oauth-providers,omitempty"`

	// TokenizerModel selects the encoding used for payload token counts.
	// Empty falls back to a general-purpose encoding.
	TokenizerModel string `yaml:"tokenizer-model,omitempty" json:"tokenizer-model,omitempty"`

	// DisableBrowser stops the server from opening authorization URLs in
	// the user's browser; URLs are only logged and reported instead.
	DisableBrowser bool `yaml:"disable-browser,omitempty" json:"disable-browser,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty" json:"debug,omitempty"`

	// LoggingToFile switches logging from stdout to rotating files.
	LoggingToFile bool `yaml:"logging-to-file,omitempty" json:"logging-to-file,omitempty"`

	// LogsMaxTotalSizeMB caps the total size of the logs directory.
	// <= 0 disables the cleaner.
	LogsMaxTotalSizeMB int64 `yaml:"logs-max-total-size-mb,omitempty" json:"logs-max-total-size-mb,omitempty"`
}

const (
	defaultHost         = "127.0.0.1"
	defaultPort         = 8317
	defaultCallbackPort = 8318
	defaultShareBaseURL = "https://chat.example.com/"
	defaultStorePath    = "~/.chatlinkd/store.bin"

	defaultOAuthNamespace = "default"
)

// LoadConfig reads the YAML configuration file at path, applies defaults,
// and validates provider entries.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = defaultHost
	}
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.OAuthCallbackPort <= 0 {
		c.OAuthCallbackPort = defaultCallbackPort
	}
	if c.ShareBaseURL == "" {
		c.ShareBaseURL = defaultShareBaseURL
	}
	if c.StorePath == "" {
		c.StorePath = defaultStorePath
	}
	// The namespace doubles as the routing segment of the OAuth state
	// parameter; the session key only rides along when one is present.
	if c.OAuthNamespace == "" {
		c.OAuthNamespace = defaultOAuthNamespace
	}
}

// Validate checks the configuration for inconsistencies a typo would cause.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.ShareBaseURL, "http://") && !strings.HasPrefix(c.ShareBaseURL, "https://") {
		return fmt.Errorf("share-base-url must be an absolute http(s) URL, got %q", c.ShareBaseURL)
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i := range c.Providers {
		p := &c.Providers[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("oauth-providers[%d]: %w", i, err)
		}
		if _, dup := seen[p.Key()]; dup {
			return fmt.Errorf("oauth-providers: duplicate server name %q", p.Key())
		}
		seen[p.Key()] = struct{}{}
	}
	return nil
}

// ResolveStorePath expands the configured store path, creating its parent
// directory if needed.
func (c *Config) ResolveStorePath() (string, error) {
	path := c.StorePath
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve store path: %w", err)
		}
		path = filepath.Join(home, strings.TrimLeft(strings.TrimPrefix(path, "~"), "/\\"))
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("create store directory: %w", err)
	}
	return path, nil
}

// Clone returns a deep copy. The watcher hands clones to reload listeners so
// a listener can never mutate the shared configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.APIKeys = append([]string(nil), c.APIKeys...)
	out.Providers = append([]oauth.ProviderConfig(nil), c.Providers...)
	return &out
}
