// Package xlate implements the translation cache: the sharded, budget-
// bounded store of compiled blocks the hybrid executor consults before
// falling back to decode+compile. It generalizes internal/ir.DecodeCache
// from "one mutex, one LRU list, entry-count bound" to "N shards, each
// bounded by both byte size and entry count, evicted by an approximate-
// recency sample instead of an exact list". An evicted or flushed
// entry's native execmem.Region, if it has one, is freed through
// jit.CompiledBlock.Release as part of removing it.
package xlate

import (
	"sync"

	"github.com/xarchvm/corevm/internal/jit"
)

// DefaultShardCount matches the TLB's shard count so both subsystems
// spread load the same way across a guest's address space.
const DefaultShardCount = 16

// DefaultSampleWindow is how many entries an eviction pass inspects
// before picking the least-valuable one. This approximates LRU by
// sampling rather than maintaining an exact global order, which would
// need a lock spanning every shard on every access.
const DefaultSampleWindow = 5

// Budget bounds a single shard's resident set.
type Budget struct {
	MaxEntries int
	MaxBytes   int64
}

type entry struct {
	pc          uint64
	block       *jit.CompiledBlock
	sizeBytes   int64
	accessCount uint64
	lastUse     uint64
	refCount    int32
	compiling   bool
	readyCh     chan struct{}
}

type shard struct {
	mu      sync.Mutex
	entries map[uint64]*entry
	bytes   int64
	clock   uint64
}

// Cache is the translation cache. Each guest core shares one Cache with
// every other core in the same address space; it is process-wide, not
// per-core.
type Cache struct {
	shards [DefaultShardCount]shard
	budget Budget
}

// New constructs a Cache. A zero Budget field is replaced with a
// permissive default so a misconfigured budget degrades to "effectively
// unbounded" rather than to "never caches anything".
func New(budget Budget) *Cache {
	if budget.MaxEntries <= 0 {
		budget.MaxEntries = 4096
	}
	if budget.MaxBytes <= 0 {
		budget.MaxBytes = 64 << 20
	}
	c := &Cache{budget: budget}
	for i := range c.shards {
		c.shards[i].entries = make(map[uint64]*entry)
	}
	return c
}

func (c *Cache) shardFor(pc uint64) *shard {
	return &c.shards[pc%DefaultShardCount]
}

// opSize approximates a compiled block's resident footprint for the byte
// budget: one "slot" per optimized Op plus a small fixed header, plus
// the exact size of its native region when it has one.
func opSize(cb *jit.CompiledBlock) int64 {
	const opSlotBytes = 48
	const headerBytes = 64
	size := headerBytes + int64(len(cb.Block.Ops))*opSlotBytes
	if cb.Native != nil {
		size += int64(cb.Native.Size())
	}
	return size
}

// Lookup returns a cached compiled block for pc, bumping its recency
// stats. The returned ref must be released via Release once the caller
// is done executing it, so a concurrent eviction never frees a block a
// core is still running.
func (c *Cache) Lookup(pc uint64) (*jit.CompiledBlock, bool) {
	sh := c.shardFor(pc)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[pc]
	if !ok || e.compiling {
		return nil, false
	}
	sh.clock++
	e.accessCount++
	e.lastUse = sh.clock
	e.refCount++
	return e.block, true
}

// Release drops the reference Lookup handed back. It never frees the
// entry itself; freeing an evicted entry's native region is done by
// eviction.
func (c *Cache) Release(pc uint64) {
	sh := c.shardFor(pc)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[pc]; ok && e.refCount > 0 {
		e.refCount--
	}
}

// BeginCompile marks pc as having a compile job in flight and returns a
// channel the caller must close via FinishCompile, plus false if another
// caller already owns the in-flight job (the caller should instead wait
// on the returned channel and then Lookup again); only one compile for a
// given PC is ever in flight at a time.
func (c *Cache) BeginCompile(pc uint64) (wait <-chan struct{}, owner bool) {
	sh := c.shardFor(pc)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if e, ok := sh.entries[pc]; ok && e.compiling {
		return e.readyCh, false
	}

	e := &entry{pc: pc, compiling: true, readyCh: make(chan struct{})}
	sh.entries[pc] = e
	return e.readyCh, true
}

// FinishCompile installs the compiled block (or, on failure, simply
// clears the in-flight marker) and wakes every waiter blocked on the
// channel BeginCompile returned.
func (c *Cache) FinishCompile(pc uint64, cb *jit.CompiledBlock, err error) {
	sh := c.shardFor(pc)
	sh.mu.Lock()

	e, ok := sh.entries[pc]
	if !ok {
		sh.mu.Unlock()
		return
	}
	ch := e.readyCh
	if err != nil || cb == nil {
		delete(sh.entries, pc)
		sh.mu.Unlock()
		close(ch)
		return
	}

	e.compiling = false
	e.readyCh = nil
	e.block = cb
	e.sizeBytes = opSize(cb)
	sh.bytes += e.sizeBytes
	sh.clock++
	e.lastUse = sh.clock

	c.evictIfOverBudgetLocked(sh)
	sh.mu.Unlock()
	close(ch)
}

// importance scores an entry for eviction purposes: more accesses and
// more recent use both make an entry less likely to be chosen as the
// victim, mirroring the MMU flush manager's frequency/recency scoring
// without needing a shared dependency between the two packages.
func importance(e *entry, now uint64) float64 {
	age := float64(now - e.lastUse)
	return float64(e.accessCount+1) / (age + 1)
}

// evictIfOverBudgetLocked removes entries, sampled rather than globally
// ranked, until the shard is back under budget or has no evictable
// (non-in-flight, unreferenced) entries left. Called with sh.mu held.
func (c *Cache) evictIfOverBudgetLocked(sh *shard) {
	for len(sh.entries) > c.budget.MaxEntries || sh.bytes > c.budget.MaxBytes {
		victim, ok := sampleVictimLocked(sh)
		if !ok {
			return
		}
		sh.bytes -= victim.sizeBytes
		delete(sh.entries, victim.pc)
		releaseEntry(victim)
	}
}

// releaseEntry frees e's native region, if any, once e has been
// removed from its shard's map: sampleVictimLocked only ever returns
// entries with refCount == 0, and FlushPage/FlushAll only release
// entries that were also unreferenced at flush time, so this never
// unmaps memory a core is still executing.
func releaseEntry(e *entry) {
	if e.block != nil {
		_ = e.block.Release()
	}
}

// sampleVictimLocked scans up to DefaultSampleWindow entries and picks
// the least important one. Go's map iteration order is randomized per
// run, which gives a randomly-sampled window without needing a separate
// shuffle step.
func sampleVictimLocked(sh *shard) (*entry, bool) {
	if len(sh.entries) == 0 {
		return nil, false
	}
	var worst *entry
	worstScore := 0.0
	sampled := 0
	for _, e := range sh.entries {
		if e.compiling || e.refCount > 0 {
			continue
		}
		score := importance(e, sh.clock)
		if worst == nil || score < worstScore {
			worst, worstScore = e, score
		}
		sampled++
		if sampled >= DefaultSampleWindow {
			break
		}
	}
	return worst, worst != nil
}

// FlushPage invalidates pc unconditionally, used when the guest has
// self-modified code at that address. An entry still referenced by a
// running core has its map entry removed (a later Lookup misses and
// recompiles) but its native region, if any, is left unfreed rather
// than unmapped out from under that core — a flush racing an in-flight
// execution of stale code is the guest's own responsibility to
// serialize, same as on real hardware.
func (c *Cache) FlushPage(pc uint64) {
	sh := c.shardFor(pc)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if e, ok := sh.entries[pc]; ok {
		sh.bytes -= e.sizeBytes
		delete(sh.entries, pc)
		if e.refCount == 0 {
			releaseEntry(e)
		}
	}
}

// FlushAll clears every shard, used on a full TLB/ICache invalidation.
// Same unreferenced-only release rule as FlushPage.
func (c *Cache) FlushAll() {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		for _, e := range sh.entries {
			if e.refCount == 0 {
				releaseEntry(e)
			}
		}
		sh.entries = make(map[uint64]*entry)
		sh.bytes = 0
		sh.mu.Unlock()
	}
}

// Stats reports aggregate cache occupancy across every shard.
type Stats struct {
	Entries int
	Bytes   int64
}

func (c *Cache) Stats() Stats {
	var s Stats
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.Lock()
		s.Entries += len(sh.entries)
		s.Bytes += sh.bytes
		sh.mu.Unlock()
	}
	return s
}
