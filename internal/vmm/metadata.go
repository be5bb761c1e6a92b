package vmm

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/natefinch/atomic"
)

// writeVersionDir creates the version metadata directory layout from
// spec.md §6: an empty _metadata, and the _blocks_path / _capacity
// sidecar files.
func writeVersionDir(metaPath, blocksPath string, capacity uint64) error {
	if err := os.MkdirAll(metaPath, 0o755); err != nil {
		return fmt.Errorf("creating metadata dir: %w", err)
	}
	if err := atomic.WriteFile(filepath.Join(metaPath, metaFileName), bytes.NewReader(nil)); err != nil {
		return fmt.Errorf("writing empty metadata: %w", err)
	}
	return writeVersionSidecars(metaPath, blocksPath, capacity)
}

// writeVersionSidecars (re)writes _blocks_path and _capacity without
// touching _metadata; used by Create and Snapshot.
func writeVersionSidecars(metaPath, blocksPath string, capacity uint64) error {
	if err := atomic.WriteFile(filepath.Join(metaPath, blocksPathFileName), strings.NewReader(blocksPath+"\n")); err != nil {
		return fmt.Errorf("writing blocks path: %w", err)
	}
	capBytes := []byte(strconv.FormatUint(capacity, 10))
	if err := atomic.WriteFile(filepath.Join(metaPath, capacityFileName), bytes.NewReader(capBytes)); err != nil {
		return fmt.Errorf("writing capacity: %w", err)
	}
	return nil
}

// readVersionDir reads an existing version directory: the referenced block
// store path, the region capacity, and the block hash vector (padded with
// EmptyHash beyond what _metadata actually stores).
func readVersionDir(metaPath string, numBlocks uint64) (blocksPath string, capacity uint64, hashes []string, err error) {
	bp, err := os.ReadFile(filepath.Join(metaPath, blocksPathFileName))
	if err != nil {
		return "", 0, nil, fmt.Errorf("reading blocks path: %w", err)
	}
	blocksPath = strings.TrimSpace(string(bp))

	cp, err := os.ReadFile(filepath.Join(metaPath, capacityFileName))
	if err != nil {
		return "", 0, nil, fmt.Errorf("reading capacity: %w", err)
	}
	capacity, err = strconv.ParseUint(strings.TrimSpace(string(cp)), 10, 64)
	if err != nil {
		return "", 0, nil, fmt.Errorf("parsing capacity: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(metaPath, metaFileName))
	if err != nil {
		return "", 0, nil, fmt.Errorf("reading metadata: %w", err)
	}
	stored := len(raw) / HashSize

	hashes = make([]string, numBlocks)
	for i := range hashes {
		if i < stored {
			hashes[i] = string(raw[i*HashSize : (i+1)*HashSize])
		} else {
			hashes[i] = EmptyHash
		}
	}
	return blocksPath, capacity, hashes, nil
}

// metadataBlockCount returns the number of hash entries currently stored in
// _metadata, i.e. the high-water count written by the last sync (not the
// region's total block count).
func metadataBlockCount(metaPath string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(metaPath, metaFileName))
	if err != nil {
		return 0, fmt.Errorf("reading metadata: %w", err)
	}
	return len(raw) / HashSize, nil
}

// writeMetadataHashes overwrites _metadata with the concatenation of
// hashes[0:highWater], truncating any entries beyond it, so the file's
// length is the high-water count rather than the region's block count.
func writeMetadataHashes(metaPath string, hashes []string, highWater uint64) error {
	var buf bytes.Buffer
	for i := uint64(0); i < highWater && i < uint64(len(hashes)); i++ {
		h := hashes[i]
		if len(h) != HashSize {
			h = EmptyHash
		}
		buf.WriteString(h)
	}
	return atomic.WriteFile(filepath.Join(metaPath, metaFileName), bytes.NewReader(buf.Bytes()))
}

// VersionCapacity parses just the _capacity sidecar of a version directory,
// without constructing a Manager (spec.md §6 "static version_capacity").
// ok is false if the file is missing or malformed, mirroring the original's
// (size_t)-1 sentinel in a more idiomatic Go shape.
func VersionCapacity(metaPath string) (capacity uint64, ok bool) {
	raw, err := os.ReadFile(filepath.Join(metaPath, capacityFileName))
	if err != nil {
		return 0, false
	}
	n, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// VersionCapacityOrSentinel mirrors the original C++ signature exactly,
// for callers ported from the original single-return convention.
func VersionCapacityOrSentinel(metaPath string) uint64 {
	n, ok := VersionCapacity(metaPath)
	if !ok {
		return ^uint64(0)
	}
	return n
}
