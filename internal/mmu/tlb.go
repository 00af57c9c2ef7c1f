package mmu

import (
	"sync"
	"sync/atomic"
)

// tlbShards is the number of independent TLB shards, each guarded by its
// own RWMutex so lookups on disjoint address ranges never contend.
const tlbShards = 16

// tlbWays bounds the number of entries held per shard before an LRU
// candidate is evicted to make room for a new translation.
const tlbWays = 256

// tlbEntry is a single cached guest-virtual-page -> guest-physical-page
// translation, keyed by its containing shard on (vpn % tlbShards).
type tlbEntry struct {
	vpn        uint64
	ppn        uint64
	pageShift  uint64
	flags      Flags
	lastAccess uint64
}

type tlbShard struct {
	mu      sync.RWMutex
	entries map[uint64]*tlbEntry
}

// TLB is a sharded translation-lookaside buffer. Shard selection uses the
// low bits of the virtual page number so that sequential access patterns
// spread across shards instead of hammering one.
type TLB struct {
	shards [tlbShards]tlbShard
	clock  atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	flushes   atomic.Uint64
	prefetches atomic.Uint64
}

// NewTLB constructs an empty sharded TLB.
func NewTLB() *TLB {
	t := &TLB{}
	for i := range t.shards {
		t.shards[i].entries = make(map[uint64]*tlbEntry, tlbWays)
	}
	return t
}

func (t *TLB) shardFor(vpn uint64) *tlbShard {
	return &t.shards[vpn%tlbShards]
}

// Lookup returns the cached translation for vpn, if any, bumping its
// last-access timestamp for LRU purposes.
func (t *TLB) Lookup(vpn uint64) (ppn uint64, pageShift uint64, flags Flags, ok bool) {
	s := t.shardFor(vpn)
	s.mu.RLock()
	e, found := s.entries[vpn]
	s.mu.RUnlock()
	if !found {
		t.misses.Add(1)
		return 0, 0, 0, false
	}
	e.lastAccess = t.clock.Add(1)
	t.hits.Add(1)
	return e.ppn, e.pageShift, e.flags, true
}

// Insert records a new translation, evicting the least-recently-used entry
// in the target shard if it is at capacity.
func (t *TLB) Insert(vpn, ppn uint64, pageShift uint64, flags Flags) {
	s := t.shardFor(vpn)
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) >= tlbWays {
		s.evictLocked()
	}
	s.entries[vpn] = &tlbEntry{
		vpn:        vpn,
		ppn:        ppn,
		pageShift:  pageShift,
		flags:      flags,
		lastAccess: t.clock.Add(1),
	}
}

// evictLocked removes the entry with the oldest last-access timestamp in
// the shard. Callers hold s.mu for writing.
func (s *tlbShard) evictLocked() {
	var oldestKey uint64
	var oldestTS uint64 = ^uint64(0)
	first := true
	for k, e := range s.entries {
		if first || e.lastAccess < oldestTS {
			oldestKey = k
			oldestTS = e.lastAccess
			first = false
		}
	}
	if !first {
		delete(s.entries, oldestKey)
	}
}

// FlushPage invalidates the single translation for vpn, if present.
func (t *TLB) FlushPage(vpn uint64) {
	s := t.shardFor(vpn)
	s.mu.Lock()
	delete(s.entries, vpn)
	s.mu.Unlock()
	t.flushes.Add(1)
}

// FlushAll clears every shard, used on a full SFENCE.VMA/TLBI ALL or an
// address-space-id rollover.
func (t *TLB) FlushAll() {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		s.entries = make(map[uint64]*tlbEntry, tlbWays)
		s.mu.Unlock()
	}
	t.flushes.Add(1)
}

// FlushRange invalidates every cached translation whose page falls within
// [loVPN, hiVPN), used for a targeted unmap of a virtual address range.
func (t *TLB) FlushRange(loVPN, hiVPN uint64) {
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.Lock()
		for vpn := range s.entries {
			if vpn >= loVPN && vpn < hiVPN {
				delete(s.entries, vpn)
			}
		}
		s.mu.Unlock()
	}
	t.flushes.Add(1)
}

// Prefetch installs a translation ahead of an access that will need it,
// driven by the predictive flush policy's stride detector. It is
// equivalent to Insert but counted separately for observability.
func (t *TLB) Prefetch(vpn, ppn uint64, pageShift uint64, flags Flags) {
	t.Insert(vpn, ppn, pageShift, flags)
	t.prefetches.Add(1)
}

// Stats snapshots the TLB's cumulative hit/miss/flush/prefetch counters.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Flushes    uint64
	Prefetches uint64
}

func (t *TLB) Stats() Stats {
	return Stats{
		Hits:       t.hits.Load(),
		Misses:     t.misses.Load(),
		Flushes:    t.flushes.Load(),
		Prefetches: t.prefetches.Load(),
	}
}

// BatchTranslate looks up a sequence of virtual page numbers in one call,
// for a caller (e.g. a block prefetcher) that knows it will need several
// entries contiguously. Each vpn is a separate Lookup that takes its
// shard's lock on its own; only hits are returned.
func (t *TLB) BatchTranslate(vpns []uint64) []tlbEntry {
	out := make([]tlbEntry, 0, len(vpns))
	for _, vpn := range vpns {
		if ppn, shift, flags, ok := t.Lookup(vpn); ok {
			out = append(out, tlbEntry{vpn: vpn, ppn: ppn, pageShift: shift, flags: flags})
		}
	}
	return out
}
