package state

import (
	"path/filepath"
	"reflect"
	"testing"

	"github.com/chatlink-dev/chatlinkd/internal/sharelink"
	"github.com/chatlink-dev/chatlinkd/internal/store"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := store.OpenLocalStore(filepath.Join(t.TempDir(), "state.bin"), "test-pw")
	if err != nil {
		t.Fatalf("OpenLocalStore failed: %v", err)
	}
	return NewService(s)
}

func TestCollectRefusesEmptyShare(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	_, _, err := svc.Collect(CollectOptions{APIKey: true, Messages: true})
	if err != sharelink.ErrEmptyPayload {
		t.Fatalf("got %v, want ErrEmptyPayload", err)
	}
}

func TestCollectOmitsUnselectedFields(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	seed := &sharelink.SharePayload{
		Version:      sharelink.SchemaVersion,
		APIKey:       "sk-abc",
		Model:        "gpt-4",
		BaseURL:      "https://api.example.com",
		SystemPrompt: "be terse",
	}
	if err := svc.Apply(seed); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	p, stats, err := svc.Collect(CollectOptions{APIKey: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if p.APIKey != "sk-abc" {
		t.Fatalf("apiKey = %q", p.APIKey)
	}
	if p.Model != "" || p.BaseURL != "" || p.SystemPrompt != "" {
		t.Fatalf("unselected fields leaked: %+v", p)
	}
	if stats == nil || stats.PayloadBytes == 0 {
		t.Fatalf("stats missing: %+v", stats)
	}
}

func TestApplyIdempotent(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	payload := &sharelink.SharePayload{
		Version:      sharelink.SchemaVersion,
		APIKey:       "sk-abc",
		Model:        "gpt-4",
		SystemPrompt: "be nice",
		Messages: []sharelink.Message{
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "hello"},
		},
	}

	if err := svc.Apply(payload); err != nil {
		t.Fatalf("first Apply failed: %v", err)
	}
	first, _, err := svc.Collect(CollectOptions{APIKey: true, Endpoint: true, SystemPrompt: true, Messages: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if err = svc.Apply(payload); err != nil {
		t.Fatalf("second Apply failed: %v", err)
	}
	second, _, err := svc.Collect(CollectOptions{APIKey: true, Endpoint: true, SystemPrompt: true, Messages: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("apply is not idempotent:\n%+v\n%+v", first, second)
	}
}

func TestApplyAbsentFieldsUntouched(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	if err := svc.Apply(&sharelink.SharePayload{
		Version:      sharelink.SchemaVersion,
		APIKey:       "sk-original",
		SystemPrompt: "original prompt",
	}); err != nil {
		t.Fatalf("seed Apply failed: %v", err)
	}

	// A payload carrying only a model must not clear the other slots.
	if err := svc.Apply(&sharelink.SharePayload{
		Version: sharelink.SchemaVersion,
		Model:   "gpt-4o",
	}); err != nil {
		t.Fatalf("partial Apply failed: %v", err)
	}

	p, _, err := svc.Collect(CollectOptions{APIKey: true, Endpoint: true, SystemPrompt: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if p.APIKey != "sk-original" || p.SystemPrompt != "original prompt" || p.Model != "gpt-4o" {
		t.Fatalf("absent fields were disturbed: %+v", p)
	}
}

func TestApplyRejectsDanglingPromptSelection(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	err := svc.Apply(&sharelink.SharePayload{
		Version:           sharelink.SchemaVersion,
		Prompts:           []sharelink.Prompt{{ID: "p1", Name: "One", Content: "..."}},
		SelectedPromptIDs: []string{"p1", "ghost"},
	})
	if !sharelink.IsPayloadFormatError(err) {
		t.Fatalf("got %v, want PayloadFormatError for dangling prompt id", err)
	}
	// Nothing may have been written.
	if p, _, errCollect := svc.Collect(CollectOptions{Prompts: true}); errCollect != sharelink.ErrEmptyPayload {
		t.Fatalf("rejected payload left partial state: %+v (err=%v)", p, errCollect)
	}
}

func TestApplyChecksSelectionAgainstLocalPromptLibrary(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)
	if err := svc.Apply(&sharelink.SharePayload{
		Version: sharelink.SchemaVersion,
		Prompts: []sharelink.Prompt{{ID: "p1", Name: "One", Content: "..."}},
	}); err != nil {
		t.Fatalf("seed Apply failed: %v", err)
	}

	// A payload carrying only a selection leaves the local library in
	// place, so the selection is valid against it.
	if err := svc.Apply(&sharelink.SharePayload{
		Version:           sharelink.SchemaVersion,
		SelectedPromptIDs: []string{"p1"},
	}); err != nil {
		t.Fatalf("selection-only Apply failed: %v", err)
	}
	p, _, err := svc.Collect(CollectOptions{Prompts: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(p.SelectedPromptIDs) != 1 || p.SelectedPromptIDs[0] != "p1" {
		t.Fatalf("selection not applied: %+v", p.SelectedPromptIDs)
	}

	// A selection the local library cannot satisfy is still rejected.
	err = svc.Apply(&sharelink.SharePayload{
		Version:           sharelink.SchemaVersion,
		SelectedPromptIDs: []string{"ghost"},
	})
	if !sharelink.IsPayloadFormatError(err) {
		t.Fatalf("got %v, want PayloadFormatError for unknown prompt id", err)
	}
}

func TestMCPTokenRoundTripInvariant(t *testing.T) {
	t.Parallel()

	svc := newTestService(t)

	// A structured credential that only wraps a token normalizes to the
	// plain string on the way in.
	cred := sharelink.Credential{OAuth: &sharelink.OAuthCredential{AccessToken: "ghp_abc"}}
	if err := svc.SetMCPToken("github", cred); err != nil {
		t.Fatalf("SetMCPToken failed: %v", err)
	}
	if got := svc.MCPToken("github"); got != "ghp_abc" {
		t.Fatalf("stored token = %q, want plain ghp_abc", got)
	}

	// Full collect -> encrypt -> decrypt -> apply round trip keeps the
	// plain string.
	p, _, err := svc.Collect(CollectOptions{MCPConnections: true})
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	link, err := sharelink.CreateLink(p, "pw", "")
	if err != nil {
		t.Fatalf("CreateLink failed: %v", err)
	}
	fragment, _ := sharelink.ExtractLink(link)
	decrypted, err := sharelink.DecryptLink(fragment, "pw")
	if err != nil {
		t.Fatalf("DecryptLink failed: %v", err)
	}

	dest := newTestService(t)
	if err = dest.Apply(decrypted); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := dest.MCPToken("github"); got != "ghp_abc" {
		t.Fatalf("token after round trip = %q, want ghp_abc", got)
	}
}
