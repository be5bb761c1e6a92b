// Package vmm implements the Virtual Memory Manager: the page-fault-driven
// cache between a process-attached virtual region and a content-addressed
// block store (SPEC_FULL §2-§6).
package vmm

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/karimyoussef91/privateer/internal/blockstore"
	"github.com/karimyoussef91/privateer/internal/faultqueue"
	"github.com/karimyoussef91/privateer/internal/transport"
)

// Manager is the session-scoped VMM (C6 Session lifecycle plus the fault
// handler pool, sub-region state, and sync engine bound to it).
type Manager struct {
	// lifecycleMu serializes Create/Open/Sync/Snapshot/Close exactly as the
	// original's single global handler mutex did, but scoped to this
	// Manager instead of a process-wide global (Design Notes "Global
	// mutable state").
	lifecycleMu sync.Mutex

	log *log.Logger

	transport transport.Transport
	store     blockstore.Store

	base            uintptr
	capacity        uint64
	blockSize       uint64
	numBlocks       uint64
	maxMemBlocksSub uint64 // per-sub-region resident cap (spec.md §4.4)
	numWorkers      int
	readOnly        bool

	metaPath string

	hashMu    sync.RWMutex
	blockHash []string

	subregions []*subregion

	queue    *faultqueue.Queue
	workerWG sync.WaitGroup
	active   atomic.Bool

	evictions atomic.Int64
	closed    bool
}

// CreateConfig parametrizes Create.
type CreateConfig struct {
	StartAddr      uintptr
	Capacity       uint64
	MetaPath       string
	BlocksPath     string
	StashPath      string
	AllowOverwrite bool

	Workers  int  // 0 => DefaultWorkers
	Compress bool // passed through to the default local block store

	// Transport and Store are injectable for tests; nil selects the real
	// uffd transport (Linux only) and a Local disk-backed block store.
	Transport transport.Transport
	Store     blockstore.Store
	Logger    *log.Logger
}

// OpenConfig parametrizes Open.
type OpenConfig struct {
	StartAddr uintptr
	MetaPath  string
	StashPath string
	ReadOnly  bool

	Workers  int
	Compress bool

	Transport transport.Transport
	Store     blockstore.Store
	Logger    *log.Logger
}

func resolveLogger(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.StandardLogger()
}

func resolveWorkers(n int) int {
	if n <= 0 {
		return DefaultWorkers
	}
	return n
}

// pageSize is the host page size; block sizes must be a multiple of it
// (spec.md §4.5).
func pageSize() uint64 { return uint64(os.Getpagesize()) }

// Create implements spec.md §4.5 Create: validates configuration, lays
// down the version metadata directory, reserves the virtual range, binds
// the fault transport, and starts the handler pool.
func Create(cfg CreateConfig) (*Manager, error) {
	logger := resolveLogger(cfg.Logger)

	ps := pageSize()
	if cfg.StartAddr%uintptr(ps) != 0 {
		return nil, newErr(KindConfigInvalid, "Create", fmt.Errorf("start address 0x%x is not page-aligned", cfg.StartAddr))
	}

	blockSize, err := resolveBlockSize(cfg.Capacity)
	if err != nil {
		return nil, err
	}
	if blockSize%ps != 0 {
		return nil, newErr(KindConfigInvalid, "Create", fmt.Errorf("block size %d is not a multiple of the page size %d", blockSize, ps))
	}
	if cfg.Capacity < blockSize {
		logger.Warnf("region capacity %d is less than block size %d; clamping block size to capacity", cfg.Capacity, blockSize)
		blockSize = cfg.Capacity
	}

	maxMemBlocks, err := resolveMaxMemBlocks()
	if err != nil {
		return nil, err
	}

	if err := prepareMetaDir(cfg.MetaPath, cfg.AllowOverwrite); err != nil {
		return nil, err
	}
	if err := writeVersionDir(cfg.MetaPath, cfg.BlocksPath, cfg.Capacity); err != nil {
		return nil, newErr(KindMetadataIoError, "Create", err)
	}

	store := cfg.Store
	if store == nil {
		store, err = blockstore.Open(cfg.BlocksPath, cfg.StashPath, blockSize, cfg.Compress)
		if err != nil {
			return nil, newErr(KindBlockStoreError, "Create", err)
		}
	}

	tr := cfg.Transport
	if tr == nil {
		tr, err = newDefaultTransport()
		if err != nil {
			return nil, newErr(KindMappingError, "Create", err)
		}
	}

	numBlocks := cfg.Capacity / blockSize
	base, err := tr.Reserve(cfg.StartAddr, cfg.Capacity, cfg.StartAddr != 0, false)
	if err != nil {
		return nil, newErr(KindMappingError, "Create", err)
	}

	m := &Manager{
		log:        logger,
		transport:  tr,
		store:      store,
		base:       base,
		capacity:   cfg.Capacity,
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		maxMemBlocksSub: maxMemBlocks,
		numWorkers: resolveWorkers(cfg.Workers),
		readOnly:   false,
		metaPath:   cfg.MetaPath,
		blockHash:  make([]string, numBlocks),
	}
	for i := range m.blockHash {
		m.blockHash[i] = EmptyHash
	}
	m.startSession()
	logger.WithField("capacity", cfg.Capacity).WithField("block_size", blockSize).Info("privateer: region created")
	return m, nil
}

// Open implements spec.md §4.5 Open: reads the version directory, opens the
// referenced block store, reserves the virtual range, and resumes handling.
func Open(cfg OpenConfig) (*Manager, error) {
	logger := resolveLogger(cfg.Logger)

	ps := pageSize()
	if cfg.StartAddr%uintptr(ps) != 0 {
		return nil, newErr(KindConfigInvalid, "Open", fmt.Errorf("start address 0x%x is not page-aligned", cfg.StartAddr))
	}

	// blocksPath/capacity/hashes are read once the block size (from the
	// store) is known, so peek capacity first to size the hash vector's
	// upper bound conservatively; readVersionDir is re-invoked below.
	capacity, ok := VersionCapacity(cfg.MetaPath)
	if !ok {
		return nil, newErr(KindMetadataIoError, "Open", fmt.Errorf("reading capacity from %s", cfg.MetaPath))
	}

	blocksPath, _, _, err := readVersionDir(cfg.MetaPath, 0)
	if err != nil {
		return nil, newErr(KindMetadataIoError, "Open", err)
	}

	var blockSize uint64
	if cfg.Store != nil {
		blockSize = cfg.Store.BlockGranularity()
	} else {
		// _metadata holds only high_water entries, so its length is not the
		// region's block count; resolve the block size the way Create does.
		blockSize, err = resolveBlockSize(capacity)
		if err != nil {
			return nil, err
		}
		if capacity < blockSize {
			blockSize = capacity
		}
	}

	store := cfg.Store
	if store == nil {
		store, err = blockstore.Open(blocksPath, cfg.StashPath, blockSize, cfg.Compress)
		if err != nil {
			return nil, newErr(KindBlockStoreError, "Open", err)
		}
	}

	numBlocks := capacity / blockSize
	_, _, hashes, err := readVersionDir(cfg.MetaPath, numBlocks)
	if err != nil {
		return nil, newErr(KindMetadataIoError, "Open", err)
	}

	tr := cfg.Transport
	if tr == nil {
		tr, err = newDefaultTransport()
		if err != nil {
			return nil, newErr(KindMappingError, "Open", err)
		}
	}
	base, err := tr.Reserve(cfg.StartAddr, capacity, cfg.StartAddr != 0, cfg.ReadOnly)
	if err != nil {
		return nil, newErr(KindMappingError, "Open", err)
	}

	maxMemBlocks, err := resolveMaxMemBlocks()
	if err != nil {
		return nil, err
	}

	m := &Manager{
		log:        logger,
		transport:  tr,
		store:      store,
		base:       base,
		capacity:   capacity,
		blockSize:  blockSize,
		numBlocks:  numBlocks,
		maxMemBlocksSub: maxMemBlocks,
		numWorkers: resolveWorkers(cfg.Workers),
		readOnly:   cfg.ReadOnly,
		metaPath:   cfg.MetaPath,
		blockHash:  hashes,
	}
	m.startSession()
	logger.WithField("capacity", capacity).WithField("block_size", blockSize).Info("privateer: region opened")
	return m, nil
}

func prepareMetaDir(metaPath string, allowOverwrite bool) error {
	if _, err := os.Stat(metaPath); err == nil {
		if !allowOverwrite {
			return newErr(KindMetadataConflict, "Create", fmt.Errorf("metadata path %s already exists", metaPath))
		}
		if err := os.RemoveAll(metaPath); err != nil {
			return newErr(KindMetadataIoError, "Create", fmt.Errorf("removing existing metadata path: %w", err))
		}
	}
	return nil
}

// startSession wires the fault queue, sub-regions, transport binding, and
// handler pool common to both Create and Open.
func (m *Manager) startSession() {
	m.queue = faultqueue.New(4096)
	m.subregions = make([]*subregion, m.numWorkers)
	for i := range m.subregions {
		m.subregions[i] = newSubregion()
	}
	m.recoverStashFromDisk()
	m.active.Store(true)

	m.transport.Bind(m.base, m.capacity, m.EnqueueFault)

	m.workerWG.Add(m.numWorkers)
	for i := 0; i < m.numWorkers; i++ {
		go m.workerLoop(i)
	}
}

// Close implements spec.md §4.5 Close: sync, unmap everything present,
// drain workers, release the block store. Idempotent.
func (m *Manager) Close() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.closed {
		return nil
	}

	if !m.readOnly {
		if err := m.syncAllLocked(); err != nil {
			return err
		}
	}

	m.active.Store(false)
	for _, sr := range m.subregions {
		sr.mu.Lock()
		for addr := range sr.present {
			if err := m.transport.Unmap(uintptr(addr), m.blockSize); err != nil {
				m.log.WithError(err).Warn("close: unmap failed")
			}
		}
		sr.mu.Unlock()
	}

	m.queue.BroadcastPoison(m.numWorkers)
	m.workerWG.Wait()

	if err := m.transport.Close(); err != nil {
		m.log.WithError(err).Warn("close: transport close failed")
	}
	if err := m.store.Close(); err != nil {
		m.log.WithError(err).Warn("close: block store close failed")
	}

	m.closed = true
	return nil
}

// RegionStart returns the region's base virtual address.
func (m *Manager) RegionStart() uintptr { return m.base }

// RegionCapacity returns the region's total byte capacity.
func (m *Manager) RegionCapacity() uint64 { return m.capacity }

// BlockSize returns the block granularity in bytes.
func (m *Manager) BlockSize() uint64 { return m.blockSize }

// BlockAddress aligns faultAddr down to its containing block's base
// address.
func (m *Manager) BlockAddress(faultAddr uint64) uint64 {
	off := faultAddr - uint64(m.base)
	return uint64(m.base) + (off/m.blockSize)*m.blockSize
}

// EnqueueFault delivers a single fault event to the handler pool. This is
// the function bound to the transport as its Deliver callback, and is also
// the public entry point collaborating transports use directly.
func (m *Manager) EnqueueFault(e transport.FaultEvent) {
	if !m.active.Load() {
		return
	}
	m.queue.Enqueue(faultqueue.Event{Address: e.Address, IsWP: e.IsWP, IsWrite: e.IsWrite})
}

// EnqueueFaultAll broadcasts e to every sub-region's partition by
// retargeting its address to one representative block address per
// sub-region, rather than enqueuing the identical event N times into a
// single partition (Design Notes, fixing the original's broadcast bug).
func (m *Manager) EnqueueFaultAll(e transport.FaultEvent) {
	for i := 0; i < m.numWorkers; i++ {
		addr := m.addressForSubregion(e.Address, i)
		ev := e
		ev.Address = addr
		m.EnqueueFault(ev)
	}
}

// addressForSubregion returns any resident block address of sub-region i
// (map iteration order, not necessarily the smallest). When the sub-region
// has no resident blocks it returns the lowest block address in the region
// that maps to sub-region i under addr mod N, and if no block address maps
// there it returns hint unchanged, which may belong to another sub-region.
func (m *Manager) addressForSubregion(hint uint64, i int) uint64 {
	sr := m.subregions[i]
	sr.mu.Lock()
	for addr := range sr.present {
		sr.mu.Unlock()
		return addr
	}
	sr.mu.Unlock()

	n := uint64(m.numWorkers)
	for blockAddr := uint64(m.base); blockAddr < uint64(m.base)+m.capacity; blockAddr += m.blockSize {
		if blockAddr%n == uint64(i) {
			return blockAddr
		}
	}
	return hint
}

// Stats reports the SUPPLEMENTED debug counters (eviction count, resident
// set shape) for the inspect CLI verb.
type Stats struct {
	Present   int   `json:"present"`
	Clean     int   `json:"clean"`
	Dirty     int   `json:"dirty"`
	Stashed   int   `json:"stashed"`
	Evictions int64 `json:"evictions"`
}

func (m *Manager) Stats() Stats {
	var s Stats
	for _, sr := range m.subregions {
		sr.mu.Lock()
		s.Present += len(sr.present)
		s.Clean += sr.clean.len()
		s.Dirty += sr.dirty.len()
		s.Stashed += len(sr.stash)
		sr.mu.Unlock()
	}
	s.Evictions = m.evictions.Load()
	return s
}

// recoverStashFromDisk adopts any stash entries left on disk by a session
// that evicted dirty blocks but never reached Sync (crash recovery). Each
// recovered index is marked stashed in its owning sub-region so the next
// missing-page fault for it routes through FetchStash instead of Fetch, and
// Sync commits it like any other stashed block.
func (m *Manager) recoverStashFromDisk() {
	indices, err := m.store.ListStash()
	if err != nil {
		m.log.WithError(err).Warn("recoverStashFromDisk: listing stash failed")
		return
	}
	for _, index := range indices {
		if index >= m.numBlocks {
			continue
		}
		addr := m.indexToAddr(index)
		sr := m.subregions[m.subregionIndex(addr)]
		sr.mu.Lock()
		sr.stash[addr] = struct{}{}
		sr.mu.Unlock()
	}
	if len(indices) > 0 {
		m.log.WithField("count", len(indices)).Info("privateer: recovered stashed blocks from a prior session")
	}
}

func (m *Manager) blockHashAt(index uint64) string {
	m.hashMu.RLock()
	defer m.hashMu.RUnlock()
	return m.blockHash[index]
}

func (m *Manager) setHash(index uint64, hash string) {
	m.hashMu.Lock()
	defer m.hashMu.Unlock()
	m.blockHash[index] = hash
}

// fatal logs the failure and terminates the process. The fault handlers
// call it, since a failed fault cannot be reported back to the faulting
// access; Create, Open, Sync and Snapshot return their errors instead.
func (m *Manager) fatal(kind Kind, op string, err error) {
	m.log.WithField("kind", kind.String()).WithField("op", op).WithError(err).Fatal("privateer: fatal error")
}
