// Package hybrid implements the hybrid executor: per-block hotness
// counters drive promotion from the plain interpreter to the jit
// package's compiled tier (native machine code where jit's codegen
// backend covers it, optimized IR re-interpreted otherwise), compiled
// in the background by a
// semaphore-bounded worker pool so a burst of newly-hot blocks can never
// stall guest execution waiting for a compile slot. The worker-pool
// shape follows golang.org/x/sync/semaphore's own weighted-acquire
// idiom, since nothing elsewhere in this module runs a background
// compile pipeline to draw the shape from directly. Within that hard
// cfg.CompileWorkers bound, a smaller adaptive ceiling (1..=CompileWorkers)
// scales up when jobs are being dropped under sustained load and back down
// when the pool is mostly idle, rather than always standing up the full
// worker count.
package hybrid

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/xarchvm/corevm/internal/interp"
	"github.com/xarchvm/corevm/internal/ir"
	"github.com/xarchvm/corevm/internal/jit"
	"github.com/xarchvm/corevm/internal/xlate"
)

// Mode reports which tier actually executed a block.
type Mode uint8

const (
	ModeInterpreted Mode = iota
	ModeCompiled
)

func (m Mode) String() string {
	if m == ModeCompiled {
		return "compiled"
	}
	return "interpreted"
}

// Config tunes the executor. Zero values are replaced by defaults in
// New so a caller can supply a partially-populated Config.
type Config struct {
	// HotnessThreshold is the execution count at which a block becomes
	// eligible for background compilation.
	HotnessThreshold uint64
	// CompileWorkers bounds concurrent compile jobs.
	CompileWorkers int64
	// CompileDeadline bounds a single compile job's wall-clock budget;
	// a job that exceeds it is abandoned (the block stays interpreted).
	CompileDeadline time.Duration
	// OptLevel selects the jit package's optimization level.
	OptLevel jit.Level
}

const (
	defaultHotnessThreshold = 1000
	defaultCompileWorkers   = 4
	defaultCompileDeadline  = 500 * time.Millisecond

	// adaptiveWindow is how many scheduleCompile attempts are sampled
	// before the adaptive worker ceiling is reconsidered.
	adaptiveWindow = 32
)

func (c Config) withDefaults() Config {
	if c.HotnessThreshold == 0 {
		c.HotnessThreshold = defaultHotnessThreshold
	}
	if c.CompileWorkers == 0 {
		c.CompileWorkers = defaultCompileWorkers
	}
	if c.CompileDeadline == 0 {
		c.CompileDeadline = defaultCompileDeadline
	}
	return c
}

// BlockStats tracks one block's execution history for tiering decisions
// and the observability layer's per-mode counters.
type BlockStats struct {
	ExecutionCount atomic.Uint64
	TotalCycles    atomic.Uint64
	inFlight       atomic.Bool
}

// Executor ties the interpreter, compiler, and translation cache
// together behind a single Execute entry point.
type Executor struct {
	cfg      Config
	interp   *interp.Interp
	compiler *jit.Compiler
	cache    *xlate.Cache
	sem      *semaphore.Weighted

	// running and limit implement an adaptive ceiling inside the hard
	// cfg.CompileWorkers bound: limit starts at 1 and is nudged toward
	// cfg.CompileWorkers when jobs are being dropped under load, and back
	// toward 1 when the pool is mostly idle, so a quiet guest doesn't pay
	// for four standing compiler goroutines and a bursty one isn't
	// throttled to a single worker.
	running  atomic.Int64
	limit    atomic.Int64
	attempts atomic.Int64
	drops    atomic.Int64

	mu    sync.Mutex
	stats map[uint64]*BlockStats

	wg sync.WaitGroup
}

// New constructs an Executor over cache, using compiler for background
// compile jobs.
func New(cache *xlate.Cache, cfg Config) *Executor {
	cfg = cfg.withDefaults()
	e := &Executor{
		cfg:      cfg,
		interp:   interp.New(),
		compiler: jit.New(cfg.OptLevel),
		cache:    cache,
		sem:      semaphore.NewWeighted(cfg.CompileWorkers),
		stats:    make(map[uint64]*BlockStats),
	}
	e.limit.Store(1)
	return e
}

func (e *Executor) statsFor(pc uint64) *BlockStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.stats[pc]
	if !ok {
		s = &BlockStats{}
		e.stats[pc] = s
	}
	return s
}

// Execute runs block (already decoded, keyed by block.StartPC) on
// whichever tier is appropriate: a previously compiled block runs
// through jit.Execute, otherwise the plain interpreter runs it and, once
// the block has crossed the hotness threshold, a background compile job
// is kicked off (bounded by cfg.CompileWorkers, abandoned past
// cfg.CompileDeadline) so a later call may find it already compiled.
func (e *Executor) Execute(core *interp.Core, block *ir.Block) (uint64, Mode, error) {
	pc := block.StartPC
	stats := e.statsFor(pc)

	if cb, ok := e.cache.Lookup(pc); ok {
		next, err := jit.Execute(e.interp, core, cb)
		e.cache.Release(pc)
		stats.ExecutionCount.Add(1)
		return next, ModeCompiled, err
	}

	next, err := e.interp.Run(core, block)
	count := stats.ExecutionCount.Add(1)

	if count >= e.cfg.HotnessThreshold && stats.inFlight.CompareAndSwap(false, true) {
		e.scheduleCompile(stats, block)
	}

	return next, ModeInterpreted, err
}

// scheduleCompile spawns a background compile job for block. It never
// blocks Execute's caller: if the adaptive limit is reached or no worker
// slot is free, the job is dropped immediately, the block's inFlight flag
// is cleared and the drop is counted, so the block's next Execute (its
// count is already past the threshold) schedules it again.
func (e *Executor) scheduleCompile(stats *BlockStats, block *ir.Block) {
	blockCopy := *block
	blockCopy.Ops = append([]ir.Op(nil), block.Ops...)

	e.recordAttempt()
	if e.running.Load() >= e.limit.Load() || !e.sem.TryAcquire(1) {
		stats.inFlight.Store(false)
		e.drops.Add(1)
		return
	}
	e.running.Add(1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.sem.Release(1)
		defer e.running.Add(-1)
		defer stats.inFlight.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.CompileDeadline)
		defer cancel()

		wait, owner := e.cache.BeginCompile(blockCopy.StartPC)
		if !owner {
			<-wait
			return
		}

		done := make(chan struct{})
		var cb *jit.CompiledBlock
		var compileErr error
		go func() {
			cb, compileErr = e.compiler.Compile(&blockCopy)
			close(done)
		}()

		select {
		case <-done:
			e.cache.FinishCompile(blockCopy.StartPC, cb, compileErr)
		case <-ctx.Done():
			e.cache.FinishCompile(blockCopy.StartPC, nil, ctx.Err())
			// The compile goroutine above is still running and may yet
			// produce a cb holding a live native region; nothing else
			// will ever reach it once this function returns, so wait
			// for it here and release that region rather than leaking
			// the mapping it holds.
			go func() {
				<-done
				if cb != nil {
					_ = cb.Release()
				}
			}()
		}
	}()
}

// recordAttempt counts one scheduleCompile call toward the adaptive
// window and triggers a rebalance once the window fills.
func (e *Executor) recordAttempt() {
	if e.attempts.Add(1) >= adaptiveWindow {
		e.rebalance()
	}
}

// rebalance adjusts the adaptive worker ceiling by one step based on the
// drop rate observed over the last window of scheduleCompile attempts: a
// high drop rate (the pool is saturated, hot blocks are being left
// interpreted) nudges the ceiling up toward cfg.CompileWorkers, a low
// drop rate nudges it back down toward 1.
func (e *Executor) rebalance() {
	attempts := e.attempts.Swap(0)
	drops := e.drops.Swap(0)
	if attempts == 0 {
		return
	}
	dropRate := float64(drops) / float64(attempts)
	cur := e.limit.Load()
	switch {
	case dropRate > 0.5 && cur < e.cfg.CompileWorkers:
		e.limit.Store(cur + 1)
	case dropRate < 0.1 && cur > 1:
		e.limit.Store(cur - 1)
	}
}

// Wait blocks until every in-flight background compile job has
// returned; intended for tests and for a clean shutdown path.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Stats returns a snapshot of per-PC execution counts for the
// observability layer.
func (e *Executor) Stats() map[uint64]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[uint64]uint64, len(e.stats))
	for pc, s := range e.stats {
		out[pc] = s.ExecutionCount.Load()
	}
	return out
}
