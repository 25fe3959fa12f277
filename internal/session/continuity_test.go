package session

import (
	"bytes"
	"testing"
)

func TestParseState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		state      string
		wantBase   string
		wantNS     string
		wantKey    string
		wantErr    bool
		wantNilKey bool
	}{
		{
			// The padding-stripped segment decodes to "session-key".
			name:     "three segments with stripped padding",
			state:    "xyz789:ns42:c2Vzc2lvbi1rZXk",
			wantBase: "xyz789",
			wantNS:   "ns42",
			wantKey:  "session-key",
		},
		{
			name:       "two segments",
			state:      "abc:ns7",
			wantBase:   "abc",
			wantNS:     "ns7",
			wantNilKey: true,
		},
		{
			name:       "single segment",
			state:      "justbase",
			wantBase:   "justbase",
			wantNilKey: true,
		},
		{
			name:    "empty state",
			state:   "",
			wantErr: true,
		},
		{
			name:    "garbage key segment",
			state:   "abc:ns:!!!not-base64!!!",
			wantErr: true,
		},
		{
			name:       "empty trailing segment tolerated",
			state:      "abc:ns:",
			wantBase:   "abc",
			wantNS:     "ns",
			wantNilKey: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			base, ns, key, err := ParseState(tt.state)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.state)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseState(%q) failed: %v", tt.state, err)
			}
			if base != tt.wantBase || ns != tt.wantNS {
				t.Fatalf("got (%q, %q), want (%q, %q)", base, ns, tt.wantBase, tt.wantNS)
			}
			if tt.wantNilKey {
				if key != nil {
					t.Fatalf("expected nil session key, got %q", key)
				}
				return
			}
			if string(key) != tt.wantKey {
				t.Fatalf("session key = %q, want %q", key, tt.wantKey)
			}
		})
	}
}

func TestBuildStateParseStateRoundTrip(t *testing.T) {
	t.Parallel()

	key := []byte("the quick brown fox")
	state := BuildState("base123", "ns42", key)

	base, ns, gotKey, err := ParseState(state)
	if err != nil {
		t.Fatalf("ParseState failed: %v", err)
	}
	if base != "base123" || ns != "ns42" || !bytes.Equal(gotKey, key) {
		t.Fatalf("round trip mismatch: (%q, %q, %q)", base, ns, gotKey)
	}

	// Key lengths that produce every padding remainder must round-trip.
	for n := 1; n <= 8; n++ {
		k := bytes.Repeat([]byte{0xAB}, n)
		_, _, got, err := ParseState(BuildState("b", "ns", k))
		if err != nil {
			t.Fatalf("length %d: %v", n, err)
		}
		if !bytes.Equal(got, k) {
			t.Fatalf("length %d: got %x, want %x", n, got, k)
		}
	}
}

type memoryHolder struct {
	key []byte
}

func (m *memoryHolder) GetSessionKey() []byte    { return m.key }
func (m *memoryHolder) SetSessionKey(key []byte) { m.key = key }

func TestRestore(t *testing.T) {
	t.Parallel()

	holder := &memoryHolder{}
	if !Restore(holder, []byte("k")) {
		t.Fatal("Restore with holder and key should succeed")
	}
	if string(holder.GetSessionKey()) != "k" {
		t.Fatalf("holder key = %q", holder.GetSessionKey())
	}

	if Restore(nil, []byte("k")) {
		t.Fatal("Restore without holder must report false")
	}
	if Restore(holder, nil) {
		t.Fatal("Restore without key must report false")
	}
}
