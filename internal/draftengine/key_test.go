package draftengine

import "testing"

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("doc-1", "case-9", "summary")
	b := DeriveKey("doc-1", "case-9", "summary")
	if a != b {
		t.Fatalf("same inputs produced different keys: %s vs %s", a, b)
	}
}

func TestDeriveKeyComponentsChangeKey(t *testing.T) {
	base := DeriveKey("doc-1", "case-9", "summary")
	variants := []DraftKey{
		DeriveKey("doc-2", "case-9", "summary"),
		DeriveKey("doc-1", "case-10", "summary"),
		DeriveKey("doc-1", "case-9", "full"),
	}
	for _, v := range variants {
		if v == base {
			t.Fatalf("changed component produced identical key %s", v)
		}
	}
}

func TestDeriveKeyDefaultsEmptyComponents(t *testing.T) {
	got := DeriveKey("", "", "")
	want := DraftKey("draft:3:new:4:none:7:default")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
	if DeriveKey("  ", "\t", "") != want {
		t.Fatal("whitespace-only components must default the same way")
	}
}

func TestDeriveKeyNoSeparatorCollisions(t *testing.T) {
	// Without length prefixes both would flatten to the same string.
	a := DeriveKey("doc:1", "x", "default")
	b := DeriveKey("doc", "1:x", "default")
	if a == b {
		t.Fatalf("distinct identities collided on %s", a)
	}
}
