package session

import (
	"testing"
)

func newBareSession(id string) *Session {
	return &Session{id: id, send: make(chan []byte, sendQueueSize)}
}

func TestLookupFallsBackToMostRecent(t *testing.T) {
	r := NewRegistry()
	if r.Lookup("") != nil {
		t.Fatal("empty registry returned a session")
	}

	s1 := newBareSession("s1")
	r.Add(s1)
	if r.Lookup("") != s1 {
		t.Fatal("most recent session not returned for empty deviceid")
	}
	// Unknown deviceid also falls back to most recent.
	if r.Lookup("nope") != s1 {
		t.Fatal("unknown deviceid did not fall back to most recent")
	}
}

func TestBindSupersedesPreviousSession(t *testing.T) {
	r := NewRegistry()
	s1 := newBareSession("s1")
	s2 := newBareSession("s2")

	if prev := r.Bind("AAA", s1); prev != nil {
		t.Fatalf("first bind returned superseded session %v", prev)
	}
	if prev := r.Bind("AAA", s1); prev != nil {
		t.Fatal("rebinding same session reported supersession")
	}
	prev := r.Bind("AAA", s2)
	if prev != s1 {
		t.Fatalf("expected s1 superseded, got %v", prev)
	}
	if r.Lookup("AAA") != s2 {
		t.Fatal("AAA not bound to replacement session")
	}
}

func TestRemoveOnlyReleasesOwnedEntries(t *testing.T) {
	r := NewRegistry()
	s1 := newBareSession("s1")
	s2 := newBareSession("s2")

	r.Bind("AAA", s1)
	r.Bind("AAA", s2)

	// Superseded session closing late must not evict its replacement.
	r.Remove(s1)
	if r.Lookup("AAA") != s2 {
		t.Fatal("late removal of superseded session evicted replacement")
	}
	if !r.Connected("AAA") {
		t.Fatal("AAA should still be connected")
	}

	r.Remove(s2)
	if r.Connected("AAA") {
		t.Fatal("AAA still connected after owner removed")
	}
	if r.Lookup("AAA") != nil {
		t.Fatal("lookup after removal returned a session")
	}
}

func TestDevicesAndLen(t *testing.T) {
	r := NewRegistry()
	r.Bind("AAA", newBareSession("s1"))
	r.Bind("BBB", newBareSession("s2"))
	if r.Len() != 2 {
		t.Fatalf("len: got %d", r.Len())
	}
	seen := map[string]bool{}
	for _, id := range r.Devices() {
		seen[id] = true
	}
	if !seen["AAA"] || !seen["BBB"] {
		t.Fatalf("devices list incomplete: %v", r.Devices())
	}
}
