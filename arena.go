package rhi

import "sync"

// Arena owns resource objects between creation and destruction. Adopt is
// called when an object is created; Reclaim is called when its last
// reference is dropped and must run destroy exactly once.
type Arena interface {
	Adopt(r Resource)
	Reclaim(r Resource, destroy func())
}

// ArenaStats is a snapshot of a HeapArena.
type ArenaStats struct {
	Live      [resourceKindCount]int
	Adopted   uint64
	Reclaimed uint64
}

// LiveCount returns the number of live objects of kind k.
func (s ArenaStats) LiveCount(k ResourceKind) int {
	if k >= resourceKindCount {
		return 0
	}
	return s.Live[k]
}

// TotalLive returns the number of live objects of every kind.
func (s ArenaStats) TotalLive() int {
	n := 0
	for _, c := range s.Live {
		n += c
	}
	return n
}

// HeapArena is the default Arena. It keeps objects in a set so that double
// reclamation is ignored and leaks can be counted.
type HeapArena struct {
	mu    sync.Mutex
	live  map[Resource]struct{}
	stats ArenaStats
}

// NewHeapArena returns an empty arena.
func NewHeapArena() *HeapArena {
	return &HeapArena{live: make(map[Resource]struct{})}
}

// Adopt records r as live.
func (a *HeapArena) Adopt(r Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.live[r]; ok {
		return
	}
	a.live[r] = struct{}{}
	a.stats.Adopted++
	if k := r.Kind(); k < resourceKindCount {
		a.stats.Live[k]++
	}
}

// Reclaim removes r and runs destroy. A second call for the same object is
// a no-op.
func (a *HeapArena) Reclaim(r Resource, destroy func()) {
	a.mu.Lock()
	if _, ok := a.live[r]; !ok {
		a.mu.Unlock()
		return
	}
	delete(a.live, r)
	a.stats.Reclaimed++
	if k := r.Kind(); k < resourceKindCount {
		a.stats.Live[k]--
	}
	a.mu.Unlock()

	if destroy != nil {
		destroy()
	}
}

// Stats returns a snapshot of the arena counters.
func (a *HeapArena) Stats() ArenaStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
