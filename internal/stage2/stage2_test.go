package stage2

import "testing"

func TestIdentityMappingInvariant(t *testing.T) {
	w := NewWalker()
	const base = 0x4000_0000
	const size = 4 * 2 * 1024 * 1024
	if err := w.MapIdentity(base, size, S2APRW, OwnershipOwned); err != nil {
		t.Fatal(err)
	}

	for off := uint64(0); off < size; off += 4096 {
		pa, ap, owner, ok := w.Translate(base + off)
		if !ok {
			t.Fatalf("expected mapping at %#x", base+off)
		}
		if pa != base+off {
			t.Fatalf("identity invariant broken: ipa=%#x pa=%#x", base+off, pa)
		}
		if ap != S2APRW || owner != OwnershipOwned {
			t.Fatalf("unexpected attrs at %#x: ap=%v owner=%v", base+off, ap, owner)
		}
	}
}

func TestBlockSplitPreservesAttributes(t *testing.T) {
	w := NewWalker()
	const base = 0x4000_0000
	const blockSize = 2 * 1024 * 1024
	if err := w.MapIdentity(base, blockSize, S2APRW, OwnershipOwned); err != nil {
		t.Fatal(err)
	}

	// Force a split by changing ownership of a single page in the middle of
	// the block.
	sub := uint64(base + 4096*10)
	if err := w.SetOwnership(sub, 4096, OwnershipSharedOwned); err != nil {
		t.Fatal(err)
	}

	_, ap, owner, ok := w.Translate(sub)
	if !ok || ap != S2APRW || owner != OwnershipSharedOwned {
		t.Fatalf("split page lost attrs: ap=%v owner=%v ok=%v", ap, owner, ok)
	}

	// A neighboring page must be unaffected by the split.
	neighbor := uint64(base + 4096*11)
	pa, ap2, owner2, ok2 := w.Translate(neighbor)
	if !ok2 || pa != neighbor || ap2 != S2APRW || owner2 != OwnershipOwned {
		t.Fatalf("split corrupted neighboring page: pa=%#x ap=%v owner=%v ok=%v", pa, ap2, owner2, ok2)
	}
}

func TestOwnershipTransitionRoundTrip(t *testing.T) {
	w := NewWalker()
	const page = 0x4000_1000
	if err := w.MapIdentity(0x4000_0000, 2*1024*1024, S2APRW, OwnershipOwned); err != nil {
		t.Fatal(err)
	}

	// MEM_SHARE: Owned/RW -> SharedOwned/RO
	if err := w.SetOwnership(page, 4096, OwnershipSharedOwned); err != nil {
		t.Fatal(err)
	}
	if err := w.SetPermission(page, 4096, S2APRO); err != nil {
		t.Fatal(err)
	}
	w.Invalidate(page)

	_, ap, owner, _ := w.Translate(page)
	if ap != S2APRO || owner != OwnershipSharedOwned {
		t.Fatalf("after share: ap=%v owner=%v", ap, owner)
	}

	// MEM_RECLAIM: back to Owned/RW
	if err := w.SetOwnership(page, 4096, OwnershipOwned); err != nil {
		t.Fatal(err)
	}
	if err := w.SetPermission(page, 4096, S2APRW); err != nil {
		t.Fatal(err)
	}
	w.Invalidate(page)

	_, ap, owner, _ = w.Translate(page)
	if ap != S2APRW || owner != OwnershipOwned {
		t.Fatalf("after reclaim: ap=%v owner=%v", ap, owner)
	}

	if len(w.Invalidations()) != 2 {
		t.Fatalf("expected 2 TLB invalidations, got %d", len(w.Invalidations()))
	}
}

func TestVTTBRRoundTrip(t *testing.T) {
	w := NewWalker()
	handle := w.VTTBR()
	got, ok := FromVTTBR(handle)
	if !ok || got != w {
		t.Fatalf("walker not reconstructible from its own VTTBR handle")
	}
}
