package trie

import (
	"testing"

	"snchub/internal/uid"
)

func TestAddReplacesPrevious(t *testing.T) {
	f := New()
	u, _ := uid.Parse("0011223344550002")

	f.Add(u, "x")
	f.Add(u, "y")

	v, ok := f.Lookup(u)
	if !ok || v != "y" {
		t.Fatalf("got (%v,%v), want (y,true)", v, ok)
	}
}

func TestDeleteRemovesEntry(t *testing.T) {
	f := New()
	u, _ := uid.Parse("0011223344550002")
	f.Add(u, "x")
	f.Delete(u)

	if _, ok := f.Lookup(u); ok {
		t.Fatalf("expected entry to be gone")
	}
}

func TestLookupMissing(t *testing.T) {
	f := New()
	u, _ := uid.Parse("aabbccddeeff0003")
	if _, ok := f.Lookup(u); ok {
		t.Fatalf("expected miss")
	}
}

func TestSnapshotRoundTrips(t *testing.T) {
	f := New()
	u1, _ := uid.Parse("0011223344550002")
	u2, _ := uid.Parse("aabbccddeeff0003")
	f.Add(u1, "a")
	f.Add(u2, "b")

	got := map[uid.UID]bool{}
	for _, u := range f.Snapshot() {
		got[u] = true
	}
	if !got[u1] || !got[u2] {
		t.Fatalf("snapshot missing entries: %v", got)
	}
}
