package vmm

import (
	"container/list"
	"sync"
)

// lru is an O(1) ordered set of block addresses: push-front, remove-by-key,
// and pop-back all run in constant time via the position index.
type lru struct {
	order *list.List
	pos   map[uint64]*list.Element
}

func newLRU() *lru {
	return &lru{order: list.New(), pos: make(map[uint64]*list.Element)}
}

func (r *lru) pushFront(addr uint64) {
	if e, ok := r.pos[addr]; ok {
		r.order.MoveToFront(e)
		return
	}
	r.pos[addr] = r.order.PushFront(addr)
}

func (r *lru) remove(addr uint64) bool {
	e, ok := r.pos[addr]
	if !ok {
		return false
	}
	r.order.Remove(e)
	delete(r.pos, addr)
	return true
}

func (r *lru) popBack() (uint64, bool) {
	e := r.order.Back()
	if e == nil {
		return 0, false
	}
	addr := e.Value.(uint64)
	r.order.Remove(e)
	delete(r.pos, addr)
	return addr, true
}

func (r *lru) contains(addr uint64) bool {
	_, ok := r.pos[addr]
	return ok
}

func (r *lru) len() int { return r.order.Len() }

// subregion is C3: one partition's resident-set bookkeeping, guarded by a
// single mutex covering present/clean/dirty/stash together (spec.md §4.2).
type subregion struct {
	mu sync.Mutex

	present map[uint64]struct{}
	clean   *lru
	dirty   *lru
	stash   map[uint64]struct{}
}

func newSubregion() *subregion {
	return &subregion{
		present: make(map[uint64]struct{}),
		clean:   newLRU(),
		dirty:   newLRU(),
		stash:   make(map[uint64]struct{}),
	}
}

// size returns the current resident block count. Caller must hold mu.
func (s *subregion) size() int { return len(s.present) }
