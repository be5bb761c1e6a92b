package vmm

import (
	"os"
	"path/filepath"
)

// Sync implements spec.md §4.4: persist every dirty block, commit every
// stashed block, and rewrite the version directory's metadata to reflect
// the new high-water mark. Safe to call repeatedly; with nothing dirty or
// stashed it makes no block-store writes, but _metadata is still rewritten
// from the current high-water mark, which also counts clean resident blocks.
func (m *Manager) Sync() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	return m.syncAllLocked()
}

// syncAllLocked does the work of Sync assuming lifecycleMu is already held
// (shared with Close, which syncs before tearing down).
func (m *Manager) syncAllLocked() error {
	for _, sr := range m.subregions {
		if err := m.syncSubregion(sr); err != nil {
			return err
		}
	}

	// A single global high_water rewrite after all sub-regions have
	// persisted, rather than one rewrite per sub-region: spec.md §3 defines
	// high_water as the region-wide largest present block index, and
	// repeating the rewrite per sub-region would have each pass truncate
	// what the previous pass wrote.
	highWater := m.globalHighWater()
	return m.rewriteMetadata(highWater)
}

// syncSubregion persists sr's dirty blocks and commits its stashed blocks.
// Persisted dirty blocks move to the clean LRU and are re-write-protected;
// they stay resident, since Sync is a durability boundary, not an eviction.
func (m *Manager) syncSubregion(sr *subregion) error {
	sr.mu.Lock()
	dirtyAddrs := make([]uint64, 0, sr.dirty.len())
	for e := sr.dirty.order.Back(); e != nil; e = e.Prev() {
		dirtyAddrs = append(dirtyAddrs, e.Value.(uint64))
	}
	stashedIdx := make([]uint64, 0, len(sr.stash))
	for addr := range sr.stash {
		stashedIdx = append(stashedIdx, m.blockIndex(addr))
	}
	sr.mu.Unlock()

	for _, addr := range dirtyAddrs {
		index := m.blockIndex(addr)
		offset := addr - uint64(m.base)
		data := make([]byte, m.blockSize)
		copy(data, m.transport.Bytes()[offset:offset+m.blockSize])

		hash, err := m.store.Store(data, index)
		if err != nil {
			return newErr(KindBlockStoreError, "Sync", err)
		}
		m.setHash(index, hash)

		if err := m.transport.WriteProtect(addr, m.blockSize, true); err != nil {
			return newErr(KindFaultTransportError, "Sync", err)
		}

		sr.mu.Lock()
		sr.dirty.remove(addr)
		sr.clean.pushFront(addr)
		sr.mu.Unlock()
	}

	for _, index := range stashedIdx {
		hash, err := m.store.CommitStash(index)
		if err != nil {
			return newErr(KindBlockStoreError, "Sync", err)
		}
		m.setHash(index, hash)

		sr.mu.Lock()
		delete(sr.stash, m.indexToAddr(index))
		sr.mu.Unlock()
	}

	return nil
}

func (m *Manager) indexToAddr(index uint64) uint64 {
	return uint64(m.base) + index*m.blockSize
}

// globalHighWater returns the largest present-or-ever-written block index
// observed across every sub-region, plus one (spec.md §3's high_water).
func (m *Manager) globalHighWater() uint64 {
	var max uint64
	found := false

	for _, sr := range m.subregions {
		sr.mu.Lock()
		for addr := range sr.present {
			idx := m.blockIndex(addr)
			if !found || idx > max {
				max, found = idx, true
			}
		}
		for addr := range sr.stash {
			idx := m.blockIndex(addr)
			if !found || idx > max {
				max, found = idx, true
			}
		}
		sr.mu.Unlock()
	}

	m.hashMu.RLock()
	for i, h := range m.blockHash {
		if h != EmptyHash && (!found || uint64(i) > max) {
			max, found = uint64(i), true
		}
	}
	m.hashMu.RUnlock()

	if !found {
		return 0
	}
	return max + 1
}

// rewriteMetadata atomically overwrites _metadata with the current hash
// vector truncated to highWater entries.
func (m *Manager) rewriteMetadata(highWater uint64) error {
	m.hashMu.RLock()
	hashes := make([]string, len(m.blockHash))
	copy(hashes, m.blockHash)
	m.hashMu.RUnlock()

	if err := writeMetadataHashes(m.metaPath, hashes, highWater); err != nil {
		return newErr(KindMetadataIoError, "Sync", err)
	}
	return nil
}

// Snapshot implements spec.md §4.4's snapshot operation: sync the live
// session, then fork a new version directory that points at the same
// content-addressed block store (no block data is copied; only the
// metadata pointer and hash vector are).
func (m *Manager) Snapshot(destMetaPath string) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if err := m.syncAllLocked(); err != nil {
		return err
	}

	if _, err := os.Stat(destMetaPath); err == nil {
		return newErr(KindMetadataConflict, "Snapshot", os.ErrExist)
	}
	if err := os.MkdirAll(filepath.Dir(destMetaPath), 0o755); err != nil {
		return newErr(KindMetadataIoError, "Snapshot", err)
	}

	if err := writeVersionDir(destMetaPath, m.store.BlocksPath(), m.capacity); err != nil {
		return newErr(KindMetadataIoError, "Snapshot", err)
	}

	m.hashMu.RLock()
	hashes := make([]string, len(m.blockHash))
	copy(hashes, m.blockHash)
	m.hashMu.RUnlock()

	if err := writeMetadataHashes(destMetaPath, hashes, uint64(len(hashes))); err != nil {
		return newErr(KindMetadataIoError, "Snapshot", err)
	}
	return nil
}
