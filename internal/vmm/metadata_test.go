package vmm

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteAndReadVersionDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meta")
	if err := writeVersionDir(dir, "/blocks", 65536); err != nil {
		t.Fatalf("writeVersionDir: %v", err)
	}

	blocksPath, capacity, hashes, err := readVersionDir(dir, 4)
	if err != nil {
		t.Fatalf("readVersionDir: %v", err)
	}
	if blocksPath != "/blocks" {
		t.Errorf("blocksPath = %q, want /blocks", blocksPath)
	}
	if capacity != 65536 {
		t.Errorf("capacity = %d, want 65536", capacity)
	}
	if len(hashes) != 4 {
		t.Fatalf("len(hashes) = %d, want 4", len(hashes))
	}
	for i, h := range hashes {
		if h != EmptyHash {
			t.Errorf("hashes[%d] = %q, want EmptyHash", i, h)
		}
	}
}

func TestWriteMetadataHashesTruncates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meta")
	if err := writeVersionDir(dir, "/blocks", 4*4096); err != nil {
		t.Fatalf("writeVersionDir: %v", err)
	}

	hashes := []string{
		strings.Repeat("1", HashSize),
		strings.Repeat("2", HashSize),
		EmptyHash,
		EmptyHash,
	}
	if err := writeMetadataHashes(dir, hashes, 2); err != nil {
		t.Fatalf("writeMetadataHashes: %v", err)
	}

	count, err := metadataBlockCount(dir)
	if err != nil {
		t.Fatalf("metadataBlockCount: %v", err)
	}
	if count != 2 {
		t.Fatalf("metadataBlockCount = %d, want 2", count)
	}

	_, _, got, err := readVersionDir(dir, 4)
	if err != nil {
		t.Fatalf("readVersionDir: %v", err)
	}
	if got[0] != hashes[0] || got[1] != hashes[1] {
		t.Errorf("got[0:2] = %v, want %v", got[:2], hashes[:2])
	}
	if got[2] != EmptyHash || got[3] != EmptyHash {
		t.Errorf("got[2:4] = %v, want padded EmptyHash", got[2:])
	}
}

func TestVersionCapacity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "meta")
	if err := writeVersionDir(dir, "/blocks", 12345); err != nil {
		t.Fatalf("writeVersionDir: %v", err)
	}

	capacity, ok := VersionCapacity(dir)
	if !ok || capacity != 12345 {
		t.Fatalf("VersionCapacity = (%d, %v), want (12345, true)", capacity, ok)
	}

	missing := filepath.Join(t.TempDir(), "nope")
	if _, ok := VersionCapacity(missing); ok {
		t.Fatal("VersionCapacity on missing dir returned ok=true")
	}
	if got := VersionCapacityOrSentinel(missing); got != ^uint64(0) {
		t.Fatalf("VersionCapacityOrSentinel = %d, want sentinel", got)
	}
}
