package vmm

import (
	"fmt"

	"github.com/karimyoussef91/privateer/internal/faultqueue"
)

// subregionIndex partitions by block_address mod N, the literal formula in
// spec.md §4.3 — not (block_address/block_size) mod N, which would spread
// load more evenly but is not what the original computes.
func (m *Manager) subregionIndex(addr uint64) int {
	return int(addr % uint64(m.numWorkers))
}

// workerLoop is one of the N handler-pool goroutines (C4). It runs until it
// dequeues its single poison event.
func (m *Manager) workerLoop(i int) {
	defer m.workerWG.Done()
	for {
		e := m.queue.Dequeue()
		if e == faultqueue.Poison {
			return
		}
		m.handleFault(e)
		m.queue.RemoveProcessed(e)
	}
}

// handleFault dispatches a dequeued event to the missing-page or
// write-protect handler and routes fatal errors through m.fatal, per
// spec.md §7 (handler failures are unrecoverable).
func (m *Manager) handleFault(e faultqueue.Event) {
	sr := m.subregions[m.subregionIndex(e.Address)]
	if e.IsWP {
		if err := m.handleWPFault(sr, e.Address); err != nil {
			m.fatal(errKindFor(err), "handleWPFault", err)
		}
		return
	}
	if err := m.handleMissingFault(sr, e.Address, e.IsWrite); err != nil {
		m.fatal(errKindFor(err), "handleMissingFault", err)
	}
}

func errKindFor(err error) Kind {
	if verr, ok := err.(*Error); ok {
		return verr.Kind
	}
	return KindFaultTransportError
}

func (m *Manager) blockIndex(blockAddr uint64) uint64 {
	return (blockAddr - uint64(m.base)) / m.blockSize
}

// handleMissingFault implements spec.md §4.3's missing-page branch: resolve
// content (zero page, committed block, or stash) into the resident set,
// always installed into clean_lru and mapped write-protected — a
// stash-sourced block is not reclaimed or promoted to dirty here, only on
// an actual subsequent write-protect fault. If the sub-region is at its
// budget, room is made (makeRoom) before the new block is added to it.
func (m *Manager) handleMissingFault(sr *subregion, faultAddr uint64, isWrite bool) error {
	blockAddr := m.BlockAddress(faultAddr)

	sr.mu.Lock()
	if _, ok := sr.present[blockAddr]; ok {
		sr.mu.Unlock()
		return m.transport.Wake(blockAddr, m.blockSize)
	}
	_, stashed := sr.stash[blockAddr]
	sr.mu.Unlock()

	index := m.blockIndex(blockAddr)

	var data []byte
	var err error
	switch {
	case stashed:
		data, err = m.store.FetchStash(index)
	default:
		hash := m.blockHashAt(index)
		if hash == EmptyHash {
			data = make([]byte, m.blockSize)
		} else {
			data, err = m.store.Fetch(index, hash)
		}
	}
	if err != nil {
		return err
	}

	if err := m.transport.PopulateWP(blockAddr, data); err != nil {
		return err
	}
	if err := m.transport.Wake(blockAddr, m.blockSize); err != nil {
		return err
	}

	sr.mu.Lock()
	// Make room before inserting the block that was just faulted in, so an
	// over-budget sub-region never evicts the very block this fault is
	// trying to resolve.
	m.makeRoom(sr)
	sr.present[blockAddr] = struct{}{}
	sr.clean.pushFront(blockAddr)
	sr.mu.Unlock()

	if isWrite {
		return m.handleWPFault(sr, blockAddr)
	}
	return nil
}

// handleWPFault implements spec.md §4.3's write-protect branch: reclaim a
// stash-sourced block (block_store.Unstash, drop it from stash[sub]) if
// this is the first write since it was restored, then promote the
// resident clean block to dirty and lift its write protection.
func (m *Manager) handleWPFault(sr *subregion, faultAddr uint64) error {
	if m.readOnly {
		return newErr(KindReadOnlyViolation, "handleWPFault", fmt.Errorf("write fault at 0x%x on a read-only region", faultAddr))
	}
	blockAddr := m.BlockAddress(faultAddr)

	sr.mu.Lock()
	if _, ok := sr.present[blockAddr]; !ok {
		sr.mu.Unlock()
		return m.handleMissingFault(sr, blockAddr, true)
	}
	_, stashed := sr.stash[blockAddr]
	sr.mu.Unlock()

	if stashed {
		index := m.blockIndex(blockAddr)
		if err := m.store.Unstash(index); err != nil {
			return newErr(KindBlockStoreError, "handleWPFault.Unstash", err)
		}
		sr.mu.Lock()
		delete(sr.stash, blockAddr)
		sr.mu.Unlock()
	}

	sr.mu.Lock()
	sr.clean.remove(blockAddr)
	sr.dirty.pushFront(blockAddr)
	sr.mu.Unlock()

	if err := m.transport.WriteProtect(blockAddr, m.blockSize, false); err != nil {
		return err
	}
	return m.transport.Wake(blockAddr, m.blockSize)
}

// makeRoom implements spec.md §4.4's overflow path: clean blocks are simply
// dropped (their content is already durable); dirty blocks are stashed so
// their content survives until the next Sync commits it. Evicts until the
// sub-region is under budget, making room for one more block. Caller must
// hold sr.mu.
func (m *Manager) makeRoom(sr *subregion) {
	for uint64(sr.size()) >= m.maxMemBlocksSub {
		if addr, ok := sr.clean.popBack(); ok {
			delete(sr.present, addr)
			if err := m.transport.Unmap(addr, m.blockSize); err != nil {
				m.log.WithError(err).Warn("evict: unmap clean block failed")
			}
			m.evictions.Add(1)
			continue
		}

		addr, ok := sr.dirty.popBack()
		if !ok {
			return
		}
		index := m.blockIndex(addr)
		offset := addr - uint64(m.base)
		data := make([]byte, m.blockSize)
		copy(data, m.transport.Bytes()[offset:offset+m.blockSize])

		if err := m.store.Stash(data, index); err != nil {
			m.fatal(KindBlockStoreError, "makeRoom.Stash", err)
			return
		}
		sr.stash[addr] = struct{}{}
		delete(sr.present, addr)
		if err := m.transport.Unmap(addr, m.blockSize); err != nil {
			m.log.WithError(err).Warn("evict: unmap dirty block failed")
		}
		m.evictions.Add(1)
	}
}
