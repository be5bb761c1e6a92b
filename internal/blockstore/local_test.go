package blockstore

import (
	"bytes"
	"testing"
)

func newTestStore(t *testing.T, compress bool) *Local {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir+"/blocks", dir+"/stash", 16, compress)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStoreFetchRoundTrip(t *testing.T) {
	for _, compress := range []bool{false, true} {
		s := newTestStore(t, compress)
		data := bytes.Repeat([]byte{0x5A}, 16)

		hash, err := s.Store(data, 3)
		if err != nil {
			t.Fatalf("Store: %v", err)
		}
		if len(hash) != HashSize {
			t.Fatalf("hash length = %d, want %d", len(hash), HashSize)
		}

		got, err := s.Fetch(3, hash)
		if err != nil {
			t.Fatalf("Fetch: %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Fatalf("Fetch returned %v, want %v", got, data)
		}
	}
}

func TestStoreIsDeterministicByContent(t *testing.T) {
	s := newTestStore(t, false)
	data := bytes.Repeat([]byte{0x01}, 16)

	h1, err := s.Store(data, 0)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	h2, err := s.Store(data, 0)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("identical content hashed differently: %s vs %s", h1, h2)
	}
}

func TestStashLifecycle(t *testing.T) {
	s := newTestStore(t, false)
	data := bytes.Repeat([]byte{0x42}, 16)

	if got := s.StashPath(5); got != "" {
		t.Fatalf("StashPath before Stash = %q, want empty", got)
	}

	if err := s.Stash(data, 5); err != nil {
		t.Fatalf("Stash: %v", err)
	}
	if got := s.StashPath(5); got == "" {
		t.Fatal("StashPath after Stash = empty, want non-empty")
	}
	if err := s.Unstash(5); err != nil {
		t.Fatalf("Unstash: %v", err)
	}

	stashed, err := s.FetchStash(5)
	if err != nil {
		t.Fatalf("FetchStash: %v", err)
	}
	if !bytes.Equal(stashed, data) {
		t.Fatalf("FetchStash = %v, want %v", stashed, data)
	}

	hash, err := s.CommitStash(5)
	if err != nil {
		t.Fatalf("CommitStash: %v", err)
	}
	if got := s.StashPath(5); got != "" {
		t.Fatalf("StashPath after CommitStash = %q, want empty", got)
	}

	committed, err := s.Fetch(5, hash)
	if err != nil {
		t.Fatalf("Fetch after commit: %v", err)
	}
	if !bytes.Equal(committed, data) {
		t.Fatalf("Fetch after commit = %v, want %v", committed, data)
	}
}

func TestStoreRejectsWrongSize(t *testing.T) {
	s := newTestStore(t, false)
	if _, err := s.Store([]byte{1, 2, 3}, 0); err == nil {
		t.Fatal("Store with wrong-sized block: want error, got nil")
	}
}
