package sharelink

import (
	"encoding/base64"
	"reflect"
	"strings"
	"testing"
)

func TestCreateLinkDecryptLinkRoundTrip(t *testing.T) {
	t.Parallel()

	payload := &SharePayload{
		Version: SchemaVersion,
		APIKey:  "sk-test123",
		Model:   "gpt-4",
	}

	link, err := CreateLink(payload, "correct-horse-battery", "https://chat.example.com/")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	if !strings.HasPrefix(link, "https://chat.example.com/#gpt=") {
		t.Fatalf("unexpected link prefix: %s", link)
	}

	fragment, ok := ExtractLink(link)
	if !ok {
		t.Fatal("ExtractLink did not find fragment")
	}

	got, err := DecryptLink(fragment, "correct-horse-battery")
	if err != nil {
		t.Fatalf("DecryptLink failed: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, payload)
	}
}

func TestDecryptLinkWrongPassword(t *testing.T) {
	t.Parallel()

	payload := &SharePayload{Version: SchemaVersion, APIKey: "sk-test123", Model: "gpt-4"}
	link, err := CreateLink(payload, "correct-horse-battery", "https://chat.example.com/")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	fragment, _ := ExtractLink(link)

	got, err := DecryptLink(fragment, "wrong-password")
	if err == nil {
		t.Fatal("expected authentication error, got nil")
	}
	if !IsDecryptionAuthenticationError(err) {
		t.Fatalf("expected DecryptionAuthenticationError, got %T: %v", err, err)
	}
	if got != nil {
		t.Fatalf("expected no payload on auth failure, got %+v", got)
	}
}

func TestCreateLinkFreshSaltAndNonce(t *testing.T) {
	t.Parallel()

	payload := &SharePayload{Version: SchemaVersion, Model: "gpt-4"}
	first, err := CreateLink(payload, "pw", "https://a/")
	if err != nil {
		t.Fatalf("first CreateLink failed: %v", err)
	}
	second, err := CreateLink(payload, "pw", "https://a/")
	if err != nil {
		t.Fatalf("second CreateLink failed: %v", err)
	}
	if first == second {
		t.Fatal("two encryptions of the same payload produced identical links")
	}
}

func TestCreateLinkValidation(t *testing.T) {
	t.Parallel()

	if _, err := CreateLink(&SharePayload{Version: SchemaVersion}, "pw", "https://a/"); err != ErrEmptyPayload {
		t.Fatalf("empty payload: got %v, want ErrEmptyPayload", err)
	}
	if _, err := CreateLink(nil, "pw", "https://a/"); err != ErrEmptyPayload {
		t.Fatalf("nil payload: got %v, want ErrEmptyPayload", err)
	}
	if _, err := CreateLink(&SharePayload{Version: SchemaVersion, Model: "m"}, "", "https://a/"); err != ErrInvalidPassword {
		t.Fatalf("empty password: got %v, want ErrInvalidPassword", err)
	}
}

func TestDecryptLinkTampered(t *testing.T) {
	t.Parallel()

	payload := &SharePayload{Version: SchemaVersion, Model: "gpt-4"}
	link, err := CreateLink(payload, "pw", "")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	fragment, _ := ExtractLink(link)

	blob, err := base64.RawURLEncoding.DecodeString(fragment)
	if err != nil {
		t.Fatalf("decode fragment: %v", err)
	}
	// Flip one ciphertext bit.
	blob[len(blob)-1] ^= 0x01
	tampered := base64.RawURLEncoding.EncodeToString(blob)

	if _, err = DecryptLink(tampered, "pw"); !IsDecryptionAuthenticationError(err) {
		t.Fatalf("tampered link: got %T (%v), want DecryptionAuthenticationError", err, err)
	}
}

func TestExtractLink(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		url    string
		want   string
		wantOK bool
	}{
		{"current marker", "https://a/#gpt=abc123", "abc123", true},
		{"legacy marker", "https://a/#shared=def456", "def456", true},
		{"no fragment", "https://a/?q=1", "", false},
		{"unrelated fragment", "https://a/#settings", "", false},
		{"bare fragment", "#gpt=xyz", "xyz", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ExtractLink(tt.url)
			if ok != tt.wantOK || got != tt.want {
				t.Fatalf("ExtractLink(%q) = (%q, %v), want (%q, %v)", tt.url, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRoundTripUnicode(t *testing.T) {
	t.Parallel()

	payload := &SharePayload{
		Version:      SchemaVersion,
		SystemPrompt: "日本語のプロンプト — emoji 🚀 and ümlaut",
		Messages: []Message{
			{Role: "user", Content: "¿Qué hora es?"},
			{Role: "assistant", Content: "Это ответ"},
		},
	}
	link, err := CreateLink(payload, "pässwörd", "https://a/")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	fragment, _ := ExtractLink(link)
	got, err := DecryptLink(fragment, "pässwörd")
	if err != nil {
		t.Fatalf("DecryptLink failed: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("unicode round trip mismatch: got %+v", got)
	}
}

func TestRoundTripCredentialNormalization(t *testing.T) {
	t.Parallel()

	payload := &SharePayload{
		Version: SchemaVersion,
		MCPConnections: map[string]Credential{
			"github": {OAuth: &OAuthCredential{AccessToken: "ghp_abc"}},
		},
	}
	link, err := CreateLink(payload, "pw", "")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	fragment, _ := ExtractLink(link)
	got, err := DecryptLink(fragment, "pw")
	if err != nil {
		t.Fatalf("DecryptLink failed: %v", err)
	}

	cred, ok := got.MCPConnections["github"]
	if !ok {
		t.Fatal("github connection missing after round trip")
	}
	if cred.OAuth != nil || cred.Token != "ghp_abc" {
		t.Fatalf("credential not normalized to plain token: %+v", cred)
	}
}
