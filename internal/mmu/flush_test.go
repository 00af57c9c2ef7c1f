package mmu

import "testing"

func TestSelectivePolicySkipsUnchangedHotPage(t *testing.T) {
	tlb := NewTLB()
	tlb.Insert(100, 7, 12, FlagValid|FlagRead)
	fm := NewAdvancedFlushManager(tlb, PolicySelective)

	now := int64(1000)
	// Drive the page's importance above hotThreshold with many accesses.
	for i := 0; i < 200; i++ {
		fm.RecordAccess(100, 7, FlagValid|FlagRead, 0, now)
	}

	current := func(vpn uint64) (uint64, Flags, bool) {
		if vpn == 100 {
			return 7, FlagValid | FlagRead, true
		}
		return 0, 0, false
	}

	fm.FlushRange(90, 110, current)

	if _, _, _, ok := tlb.Lookup(100); !ok {
		t.Fatal("expected hot unchanged page to survive selective flush")
	}
}

func TestSelectivePolicyFlushesChangedMapping(t *testing.T) {
	tlb := NewTLB()
	tlb.Insert(100, 7, 12, FlagValid|FlagRead)
	fm := NewAdvancedFlushManager(tlb, PolicySelective)

	now := int64(1000)
	for i := 0; i < 200; i++ {
		fm.RecordAccess(100, 7, FlagValid|FlagRead, 0, now)
	}

	// Mapping has since changed (different ppn), so it must not be skipped.
	current := func(vpn uint64) (uint64, Flags, bool) {
		return 99, FlagValid | FlagRead, true
	}

	fm.FlushRange(90, 110, current)

	if _, _, _, ok := tlb.Lookup(100); ok {
		t.Fatal("expected page with changed mapping to be flushed")
	}
}

func TestPredictivePolicyDetectsStride(t *testing.T) {
	tlb := NewTLB()
	fm := NewAdvancedFlushManager(tlb, PolicyPredictive)

	for i, vpn := range []uint64{10, 20, 30, 40} {
		fm.RecordAccess(vpn, uint64(i), FlagValid, 0, int64(i))
	}

	predicted := fm.PredictPrefetch(40)
	if len(predicted) != strideLookahead {
		t.Fatalf("expected %d predicted pages, got %d", strideLookahead, len(predicted))
	}
	if predicted[0] != 50 {
		t.Fatalf("expected first prediction 50, got %d", predicted[0])
	}
}

func TestPredictivePolicyNoStrideWithIrregularAccess(t *testing.T) {
	tlb := NewTLB()
	fm := NewAdvancedFlushManager(tlb, PolicyPredictive)

	for i, vpn := range []uint64{10, 23, 31, 77} {
		fm.RecordAccess(vpn, uint64(i), FlagValid, 0, int64(i))
	}

	if predicted := fm.PredictPrefetch(77); predicted != nil {
		t.Fatalf("expected no prediction for irregular stride, got %v", predicted)
	}
}

func TestAdaptivePolicyDispatchesWithoutPanicking(t *testing.T) {
	tlb := NewTLB()
	tlb.Insert(5, 1, 12, FlagValid|FlagRead)
	fm := NewAdvancedFlushManager(tlb, PolicyAdaptive)

	current := func(vpn uint64) (uint64, Flags, bool) { return 1, FlagValid | FlagRead, true }
	fm.FlushRange(0, 10, current)

	if fm.Policy() != PolicyAdaptive {
		t.Fatalf("expected the user-selected policy to remain Adaptive, got %s", fm.Policy())
	}
}
