package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, "api-keys:\n  - key-1\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Host != "127.0.0.1" {
		t.Errorf("host = %q, want 127.0.0.1", cfg.Host)
	}
	if cfg.Port != 8317 {
		t.Errorf("port = %d, want 8317", cfg.Port)
	}
	if cfg.OAuthCallbackPort != 8318 {
		t.Errorf("callback port = %d, want 8318", cfg.OAuthCallbackPort)
	}
	if cfg.StorePath == "" || cfg.ShareBaseURL == "" {
		t.Error("store path and share base URL must have defaults")
	}
	if cfg.OAuthNamespace != "default" {
		t.Errorf("oauth namespace = %q, want default", cfg.OAuthNamespace)
	}
}

func TestLoadConfigParsesProviders(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
port: 9000
share-base-url: https://chat.internal.example/
oauth-providers:
  - name: github
    flow: device
    client-id: abc123
    device-code-endpoint: https://github.com/login/device/code
    token-endpoint: https://github.com/login/oauth/access_token
  - name: google
    flow: authorization_code
    client-id: def456
    authorization-endpoint: https://accounts.google.com/o/oauth2/v2/auth
    token-endpoint: https://oauth2.googleapis.com/token
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	if cfg.Providers[0].Key() != "github" || cfg.Providers[1].Key() != "google" {
		t.Errorf("provider keys = %q, %q", cfg.Providers[0].Key(), cfg.Providers[1].Key())
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000", cfg.Port)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"bad base url", "share-base-url: not-a-url\n"},
		{"provider missing client id", `
oauth-providers:
  - name: github
    flow: device
    device-code-endpoint: https://x/device
    token-endpoint: https://x/token
`},
		{"duplicate server names", `
oauth-providers:
  - name: github
    flow: device
    client-id: a
    device-code-endpoint: https://x/device
    token-endpoint: https://x/token
  - name: github
    flow: device
    client-id: b
    device-code-endpoint: https://x/device
    token-endpoint: https://x/token
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := writeConfig(t, tt.content)
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestCloneIsIndependent(t *testing.T) {
	t.Parallel()

	cfg := &Config{APIKeys: []string{"key-1"}}
	cfg.applyDefaults()
	clone := cfg.Clone()
	clone.APIKeys[0] = "mutated"
	clone.Port = 1

	if cfg.APIKeys[0] != "key-1" {
		t.Error("clone shares the api-keys slice")
	}
	if cfg.Port == 1 {
		t.Error("clone shares scalar fields")
	}
}
