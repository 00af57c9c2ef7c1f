package execmem

import "testing"

func TestAllocReturnsPageAlignedRWRegion(t *testing.T) {
	a := New()
	r, err := a.Alloc(17)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer a.Free(r)

	if r.Size()%4096 != 0 {
		t.Fatalf("expected page-rounded size, got %d", r.Size())
	}
	if r.Size() < 17 {
		t.Fatalf("rounded size %d smaller than requested 17", r.Size())
	}
	if r.Protection() != ProtRW {
		t.Fatalf("expected fresh region to be RW, got %v", r.Protection())
	}
}

func TestAllocRejectsNonPositiveSize(t *testing.T) {
	a := New()
	if _, err := a.Alloc(0); err == nil {
		t.Fatal("expected error for zero-size alloc")
	}
	if _, err := a.Alloc(-1); err == nil {
		t.Fatal("expected error for negative-size alloc")
	}
}

func TestSealFlipsToRXAndIsIdempotent(t *testing.T) {
	a := New()
	r, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer a.Free(r)

	copy(r.Base(), []byte{0x90, 0x90, 0xc3}) // nop; nop; ret, while still RW

	if err := a.Seal(r); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if r.Protection() != ProtRX {
		t.Fatalf("expected RX after seal, got %v", r.Protection())
	}
	if err := a.Seal(r); err != nil {
		t.Fatalf("second seal should be a no-op, got error: %v", err)
	}
}

func TestSealBumpsAllocatorEpoch(t *testing.T) {
	a := New()
	before := a.Epoch()

	r, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	defer a.Free(r)

	if err := a.Seal(r); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if after := a.Epoch(); after <= before {
		t.Fatalf("expected epoch to advance past %d, got %d", before, after)
	}
}

func TestFreeReleasesRegionAndUpdatesStats(t *testing.T) {
	a := New()
	r, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc: %v", err)
	}
	if got := a.Stats(); got.Allocated != 1 {
		t.Fatalf("expected 1 allocated region, got %d", got.Allocated)
	}

	if err := a.Seal(r); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if got := a.Stats(); got.Sealed != 1 {
		t.Fatalf("expected 1 sealed region, got %d", got.Sealed)
	}

	if err := a.Free(r); err != nil {
		t.Fatalf("free: %v", err)
	}
	got := a.Stats()
	if got.Allocated != 0 {
		t.Fatalf("expected 0 allocated regions after free, got %d", got.Allocated)
	}
	if got.Sealed != 0 {
		t.Fatalf("expected 0 sealed regions after free, got %d", got.Sealed)
	}
}

func TestMultipleRegionsTrackIndependentEpochs(t *testing.T) {
	a := New()
	r1, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc r1: %v", err)
	}
	defer a.Free(r1)
	r2, err := a.Alloc(64)
	if err != nil {
		t.Fatalf("alloc r2: %v", err)
	}
	defer a.Free(r2)

	if err := a.Seal(r1); err != nil {
		t.Fatalf("seal r1: %v", err)
	}
	e1 := a.Epoch()
	if err := a.Seal(r2); err != nil {
		t.Fatalf("seal r2: %v", err)
	}
	e2 := a.Epoch()

	if e2 <= e1 {
		t.Fatalf("expected epoch to advance again, e1=%d e2=%d", e1, e2)
	}
}
