package mmu

import (
	"fmt"
	"sync"
	"time"
)

// FlushPolicy selects how the AdvancedFlushManager decides what to
// invalidate and what to leave cached on a bulk flush.
type FlushPolicy uint8

const (
	// PolicySelective skips hot pages on a bulk flush using an importance
	// score, so long as their mapping has not actually changed.
	PolicySelective FlushPolicy = iota
	// PolicyPredictive detects stride access patterns and prefetches /
	// selectively evicts along the predicted path.
	PolicyPredictive
	// PolicyAdaptive periodically re-chooses between the other two
	// policies from the stride detector and the TLB hit rate (see
	// maybeSwitch).
	PolicyAdaptive
)

func (p FlushPolicy) String() string {
	switch p {
	case PolicySelective:
		return "selective"
	case PolicyPredictive:
		return "predictive"
	case PolicyAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// ParseFlushPolicy resolves a config-file policy name to a FlushPolicy,
// for internal/config's MMU.FlushPolicy field.
func ParseFlushPolicy(name string) (FlushPolicy, error) {
	switch name {
	case "", "selective":
		return PolicySelective, nil
	case "predictive":
		return PolicyPredictive, nil
	case "adaptive":
		return PolicyAdaptive, nil
	default:
		return 0, fmt.Errorf("mmu: unknown flush policy %q", name)
	}
}

// pageUsage tracks the signals the selective policy's importance score is
// computed from.
type pageUsage struct {
	freq      float64
	lastUse   int64
	sizeClass float64 // 0 for 4KiB, 1 for 2MiB, 2 for 1GiB
	mapping   uint64  // (ppn<<3)|flags, used to detect an unchanged PTE
}

// importanceWeights are the w_freq/w_recent/w_size coefficients combined
// into a page's importance score.
type importanceWeights struct {
	freq, recent, size float64
}

var defaultWeights = importanceWeights{freq: 0.5, recent: 0.3, size: 0.2}

// hotThreshold is the importance score above which a bulk flush skips a
// page under the selective policy.
const hotThreshold = 0.75

// strideWindow bounds how many recent access deltas the predictive
// policy's stride detector retains.
const strideWindow = 8

// strideLookahead (K) is how many future pages are eagerly prefetched once
// a stride is confirmed.
const strideLookahead = 4

// switchInterval is how often the adaptive policy re-evaluates which
// underlying strategy is performing best.
const switchInterval = 2 * time.Second

// AdvancedFlushManager wraps a TLB with the selective/predictive/adaptive
// invalidation strategies. It never allows a flush to leave a stale
// mapping live: an access-after-flush to a page whose PTE changed is
// always a fresh walk, never a cached stale translation.
type AdvancedFlushManager struct {
	tlb    *TLB
	policy FlushPolicy

	mu      sync.Mutex
	usage   map[uint64]*pageUsage // keyed by vpn
	recent  []uint64              // ring buffer of recent vpn deltas for stride detection
	lastVPN uint64
	haveVPN bool

	// adaptive bookkeeping: activePolicy is the strategy actually used for
	// dispatch when policy == PolicyAdaptive; it is re-chosen every
	// switchInterval and never itself set to PolicyAdaptive.
	activePolicy FlushPolicy
	lastSwitch   time.Time
	windowFlush  time.Duration
	windowHits   uint64
	windowLookup uint64
}

// NewAdvancedFlushManager constructs a manager around tlb using the given
// initial policy.
func NewAdvancedFlushManager(tlb *TLB, policy FlushPolicy) *AdvancedFlushManager {
	return &AdvancedFlushManager{
		tlb:          tlb,
		policy:       policy,
		activePolicy: PolicySelective,
		usage:        make(map[uint64]*pageUsage),
		lastSwitch:   time.Now(),
	}
}

// Policy reports the currently active strategy.
func (m *AdvancedFlushManager) Policy() FlushPolicy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy forces a specific strategy, bypassing adaptive selection.
func (m *AdvancedFlushManager) SetPolicy(p FlushPolicy) {
	m.mu.Lock()
	m.policy = p
	m.mu.Unlock()
}

// RecordAccess feeds a translated vpn into the usage and stride trackers.
// Call this on every TLB hit or fresh walk so the policies have live data.
func (m *AdvancedFlushManager) RecordAccess(vpn uint64, ppn uint64, flags Flags, sizeClass float64, now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.usage[vpn]
	if !ok {
		u = &pageUsage{}
		m.usage[vpn] = u
	}
	u.freq++
	u.lastUse = now
	u.sizeClass = sizeClass
	u.mapping = (ppn << 3) | uint64(flags&0x7)

	if m.haveVPN {
		delta := int64(vpn) - int64(m.lastVPN)
		m.recent = append(m.recent, uint64(delta))
		if len(m.recent) > strideWindow {
			m.recent = m.recent[1:]
		}
	}
	m.lastVPN = vpn
	m.haveVPN = true
	m.windowLookup++
}

// importance computes a page's score from the configured weights; higher
// means hotter, i.e. more likely to be skipped by a selective flush.
func importance(u *pageUsage, w importanceWeights, now int64) float64 {
	recency := 1.0 / float64(1+now-u.lastUse)
	return w.freq*normalize(u.freq) + w.recent*recency + w.size*u.sizeClass
}

func normalize(freq float64) float64 {
	// Saturating soft-normalize: approaches 1 as freq grows, avoiding a
	// division by an external max-frequency tracker.
	return freq / (freq + 8)
}

// detectStride reports the common delta across the retained access window,
// if the samples agree, and zero/false otherwise.
func detectStride(deltas []uint64) (int64, bool) {
	if len(deltas) < 3 {
		return 0, false
	}
	first := int64(deltas[0])
	if first == 0 {
		return 0, false
	}
	for _, d := range deltas[1:] {
		if int64(d) != first {
			return 0, false
		}
	}
	return first, true
}

// FlushRange invalidates [loVPN, hiVPN) according to the active policy.
// Under selective, a page whose mapping has not actually changed since it
// was last recorded and whose importance exceeds hotThreshold is skipped;
// this is safe precisely because its PTE is unchanged, so no stale
// mapping can result. Under predictive, pages on the confirmed stride
// beyond the flushed range are left alone since they remain reachable.
// Under adaptive, the currently-chosen underlying policy is used and the
// measurement window is updated.
func (m *AdvancedFlushManager) FlushRange(loVPN, hiVPN uint64, currentMapping func(vpn uint64) (uint64, Flags, bool)) {
	start := time.Now()
	policy := m.Policy()

	dispatch := policy
	if policy == PolicyAdaptive {
		m.mu.Lock()
		dispatch = m.activePolicy
		m.mu.Unlock()
	}

	switch dispatch {
	case PolicySelective:
		m.flushSelective(loVPN, hiVPN, currentMapping)
	case PolicyPredictive:
		m.flushPredictive(loVPN, hiVPN)
	default:
		m.tlb.FlushRange(loVPN, hiVPN)
	}

	if policy == PolicyAdaptive {
		m.recordWindow(time.Since(start))
		m.maybeSwitch()
	}
}

func (m *AdvancedFlushManager) flushSelective(loVPN, hiVPN uint64, currentMapping func(vpn uint64) (uint64, Flags, bool)) {
	m.mu.Lock()
	// Recency is measured on the clock RecordAccess was fed, so "now" is
	// the latest recorded access time.
	var now int64
	for _, u := range m.usage {
		if u.lastUse > now {
			now = u.lastUse
		}
	}
	skip := make(map[uint64]bool)
	for vpn, u := range m.usage {
		if vpn < loVPN || vpn >= hiVPN {
			continue
		}
		if importance(u, defaultWeights, now) <= hotThreshold {
			continue
		}
		// Only safe to skip when the mapping truly has not changed.
		ppn, flags, ok := currentMapping(vpn)
		if !ok {
			continue
		}
		if (ppn<<3)|uint64(flags&0x7) != u.mapping {
			continue
		}
		skip[vpn] = true
	}
	m.mu.Unlock()

	if len(skip) == 0 {
		m.tlb.FlushRange(loVPN, hiVPN)
		return
	}
	for i := range m.tlb.shards {
		s := &m.tlb.shards[i]
		s.mu.Lock()
		for vpn := range s.entries {
			if vpn >= loVPN && vpn < hiVPN && !skip[vpn] {
				delete(s.entries, vpn)
			}
		}
		s.mu.Unlock()
	}
	m.tlb.flushes.Add(1)
}

func (m *AdvancedFlushManager) flushPredictive(loVPN, hiVPN uint64) {
	m.mu.Lock()
	stride, confirmed := detectStride(m.recent)
	m.mu.Unlock()

	if !confirmed {
		m.tlb.FlushRange(loVPN, hiVPN)
		return
	}

	// Pages reachable along the confirmed stride from just before hiVPN
	// are kept; everything else in range is dropped.
	keep := make(map[uint64]bool, strideLookahead)
	cursor := int64(hiVPN)
	for i := 0; i < strideLookahead; i++ {
		cursor += stride
		if cursor < 0 {
			break
		}
		keep[uint64(cursor)] = true
	}

	for i := range m.tlb.shards {
		s := &m.tlb.shards[i]
		s.mu.Lock()
		for vpn := range s.entries {
			if vpn >= loVPN && vpn < hiVPN && !keep[vpn] {
				delete(s.entries, vpn)
			}
		}
		s.mu.Unlock()
	}
	m.tlb.flushes.Add(1)
}

// PredictPrefetch returns the up-to-K future VPNs predicted by the
// confirmed stride, for the caller to eagerly translate and install via
// TLB.Prefetch. Returns nil if no stride is currently confirmed.
func (m *AdvancedFlushManager) PredictPrefetch(currentVPN uint64) []uint64 {
	m.mu.Lock()
	stride, confirmed := detectStride(m.recent)
	m.mu.Unlock()
	if !confirmed {
		return nil
	}
	out := make([]uint64, 0, strideLookahead)
	cursor := int64(currentVPN)
	for i := 0; i < strideLookahead; i++ {
		cursor += stride
		if cursor < 0 {
			break
		}
		out = append(out, uint64(cursor))
	}
	return out
}

func (m *AdvancedFlushManager) recordWindow(d time.Duration) {
	m.mu.Lock()
	m.windowFlush += d
	stats := m.tlb.Stats()
	m.windowHits = stats.Hits
	m.mu.Unlock()
}

// maybeSwitch re-evaluates policy choice once per switchInterval: it picks
// predictive when a stride is confirmed and the TLB's cumulative hit rate
// is below 0.9, and selective otherwise; it never selects Adaptive itself
// as the underlying strategy. The flush latency accumulated in windowFlush
// is reset here but is not part of the choice, and the two policies are
// not measured against each other.
func (m *AdvancedFlushManager) maybeSwitch() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Since(m.lastSwitch) < switchInterval {
		return
	}
	m.lastSwitch = time.Now()

	stats := m.tlb.Stats()
	total := stats.Hits + stats.Misses
	hitRate := 0.0
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total)
	}

	_, strideConfirmed := detectStride(m.recent)
	switch {
	case strideConfirmed && hitRate < 0.9:
		m.activePolicy = PolicyPredictive
	default:
		m.activePolicy = PolicySelective
	}
	m.windowFlush = 0
}
