package id

import (
	"strings"
	"testing"
)

func TestSessionIDPrefix(t *testing.T) {
	sid := NewSessionID()
	if !strings.HasPrefix(sid.String(), SessionPrefix+"_") {
		t.Errorf("Expected %q prefix, got %s", SessionPrefix, sid)
	}
	if !IsValid(sid.String()) {
		t.Errorf("Generated session ID should be valid: %s", sid)
	}
}

func TestGenerateUnique(t *testing.T) {
	g := NewGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		s := g.GenerateString()
		if seen[s] {
			t.Fatalf("Duplicate ULID generated: %s", s)
		}
		seen[s] = true
	}
}

func TestSecureToken(t *testing.T) {
	a := SecureToken(64)
	b := SecureToken(64)

	if len(a) != 64 {
		t.Errorf("Expected 64 characters, got %d", len(a))
	}
	if a == b {
		t.Error("Two tokens should never match")
	}
	for _, r := range a {
		if !strings.ContainsRune(tokenAlphabet, r) {
			t.Errorf("Token contains character outside alphabet: %q", r)
		}
	}
}
