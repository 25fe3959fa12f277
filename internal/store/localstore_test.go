package store

import (
	"path/filepath"
	"testing"

	"github.com/chatlink-dev/chatlinkd/internal/sharelink"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bin")
	s, err := OpenLocalStore(path, "hunter2")
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}

	if err = s.SetValue("apiKey", "sk-abc"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err = s.SetValue("mcpConnections.github", "ghp_xyz"); err != nil {
		t.Fatalf("SetValue nested failed: %v", err)
	}

	// Reopen with the same password: values survive.
	reopened, err := OpenLocalStore(path, "hunter2")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if got := reopened.GetString("apiKey"); got != "sk-abc" {
		t.Fatalf("apiKey = %q, want sk-abc", got)
	}
	if got := reopened.GetString("mcpConnections.github"); got != "ghp_xyz" {
		t.Fatalf("github token = %q, want ghp_xyz", got)
	}
	if _, ok := reopened.GetValue("missing"); ok {
		t.Fatal("missing key reported present")
	}
}

func TestLocalStoreWrongPassword(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bin")
	s, err := OpenLocalStore(path, "correct")
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	if err = s.SetValue("model", "gpt-4"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	_, err = OpenLocalStore(path, "wrong")
	if err == nil {
		t.Fatal("expected error opening with wrong password")
	}
	if !sharelink.IsDecryptionAuthenticationError(err) {
		t.Fatalf("expected DecryptionAuthenticationError, got %T: %v", err, err)
	}
}

func TestLocalStoreDelete(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.bin")
	s, err := OpenLocalStore(path, "pw")
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	if err = s.SetValue("systemPrompt", "be nice"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err = s.DeleteValue("systemPrompt"); err != nil {
		t.Fatalf("DeleteValue failed: %v", err)
	}
	if _, ok := s.GetValue("systemPrompt"); ok {
		t.Fatal("deleted key still present")
	}
	// Deleting an absent key is fine.
	if err = s.DeleteValue("neverExisted"); err != nil {
		t.Fatalf("deleting absent key failed: %v", err)
	}
}

func TestSessionKeyHolder(t *testing.T) {
	t.Parallel()

	h := NewSessionKeyHolder()
	if h.GetSessionKey() != nil {
		t.Fatal("fresh holder should be empty")
	}
	h.SetSessionKey([]byte("secret"))
	got := h.GetSessionKey()
	if string(got) != "secret" {
		t.Fatalf("got %q", got)
	}
	// Mutating the returned slice must not affect the holder.
	got[0] = 'X'
	if string(h.GetSessionKey()) != "secret" {
		t.Fatal("holder key aliased to caller slice")
	}
}
