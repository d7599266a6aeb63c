package stage2

import (
	"fmt"
	"sync"
)

// Table is one level of the Stage-2 tree: 512 8-byte descriptors, exactly
// filling a 4KiB page.
type Table [512]PTE

const (
	levelShiftL0 = 39
	levelShiftL1 = 30
	levelShiftL2 = 21
	levelShiftL3 = 12

	idxMask = 0x1FF // 9 bits per level
)

func index(ipa uint64, shift uint) int {
	return int((ipa >> shift) & idxMask)
}

// Walker is a Stage-2 page table for one VM. It is reconstructible from its
// VTTBR_EL2 handle alone: nothing else about a VM needs to be known to
// decode a translation, mirroring the original Rust walker's design.
type Walker struct {
	mu   sync.Mutex
	root *Table
	id   uint64

	// tableMem backs intermediate/leaf-split tables allocated during a walk.
	// Real hardware addresses these by physical page; since this is a
	// pure-software port with no physical memory to carve pages out of,
	// each allocated Table is given a synthetic page-aligned address here
	// instead of using unsafe pointer arithmetic.
	tableMem    map[uint64]*Table
	nextTablePA uint64

	invalidations []uint64
}

var (
	registryMu sync.Mutex
	registry   = map[uint64]*Walker{}
	nextID     uint64 = 1
)

// NewWalker allocates an empty Stage-2 tree and registers it under a fresh
// VTTBR_EL2 handle.
func NewWalker() *Walker {
	registryMu.Lock()
	defer registryMu.Unlock()

	w := &Walker{
		root:        &Table{},
		id:          nextID,
		tableMem:    map[uint64]*Table{},
		nextTablePA: 0x1_0000_0000,
	}
	nextID++
	registry[w.id] = w
	return w
}

// ptrToPA assigns (or returns the existing) synthetic physical address for
// a table allocated by this walker.
func (w *Walker) ptrToPA(t *Table) uint64 {
	for pa, tbl := range w.tableMem {
		if tbl == t {
			return pa
		}
	}
	pa := w.nextTablePA
	w.nextTablePA += 4096
	w.tableMem[pa] = t
	return pa
}

func (w *Walker) paToPtr(pa uint64) *Table {
	return w.tableMem[pa]
}

// VTTBR returns the opaque handle this module uses in place of a physical
// VTTBR_EL2 base-address register value (there being no real physical
// memory to point it at in a pure-software port).
func (w *Walker) VTTBR() uint64 { return w.id }

// FromVTTBR reconstructs the Walker registered under handle, matching the
// "stateless lookup from VTTBR_EL2" property the original walker documents.
func FromVTTBR(handle uint64) (*Walker, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	w, ok := registry[handle]
	return w, ok
}

// VTCRValue returns the fixed VTCR_EL2 configuration spec.md §4.2 mandates:
// T0SZ=16 (48-bit IPA), SL0 selecting a level-0 starting lookup, IRGN0/ORGN0
// write-back, SH0 inner shareable, TG0 4KiB granule, PS 48-bit.
func VTCRValue() uint64 {
	const (
		t0sz = 16 << 0
		sl0  = 0b10 << 6 // level-0 start for a 4-level walk
		irgn0 = 0b01 << 8
		orgn0 = 0b01 << 10
		sh0   = 0b11 << 12
		tg0   = 0b00 << 14 // 4KiB
		ps    = 0b101 << 16 // 48-bit PA
	)
	return t0sz | sl0 | irgn0 | orgn0 | sh0 | tg0 | ps
}

// entry walks the tree to the leaf covering ipa, allocating intermediate
// tables (and splitting 2MiB blocks into 4KiB pages) as needed when
// forLevel3 is true. It returns the table holding the final entry and the
// index into it.
func (w *Walker) entry(ipa uint64, forLevel3 bool) (*Table, int, error) {
	tbl := w.root
	shifts := []uint{levelShiftL0, levelShiftL1, levelShiftL2}

	for lvl, shift := range shifts {
		i := index(ipa, shift)
		e := tbl[i]

		switch {
		case !e.valid():
			if lvl == 2 && !forLevel3 {
				// Leave unmapped; caller is about to install a 2MiB block here.
				return tbl, i, nil
			}
			next := &Table{}
			tbl[i] = PTE(w.ptrToPA(next)) | pteValid | pteTable
			tbl = next
		case lvl == 2 && e.isTable(2):
			tbl = w.paToPtr(e.outputAddress())
		case lvl == 2 && !e.isTable(2):
			// A 2MiB block is here.
			if !forLevel3 {
				return tbl, i, nil
			}
			split, err := splitBlock(e)
			if err != nil {
				return nil, 0, err
			}
			tbl[i] = PTE(w.ptrToPA(split)) | pteValid | pteTable
			tbl = split
		default:
			tbl = w.paToPtr(e.outputAddress())
		}
	}

	return tbl, index(ipa, levelShiftL3), nil
}

// splitBlock turns a 2MiB L2 block descriptor into an L3 table of 512 4KiB
// page descriptors, copying the block's attributes (S2AP, ownership,
// memory type) to every leaf first, per spec.md §4.2. This is the behavior
// original_source/src/ffa/stage2_walker.rs explicitly refuses to perform.
func splitBlock(block PTE) (*Table, error) {
	if !block.valid() {
		return nil, fmt.Errorf("stage2: cannot split invalid block descriptor")
	}
	base := block.outputAddress()
	tbl := &Table{}
	for i := range tbl {
		pa := base + uint64(i)*4096
		leaf := PTE(pa&pteOAMask) | pteValid | pteAF | (block & (pteS2APMask | pteSHMask | pteMemAttrMask | pteOwnershipMask))
		tbl[i] = leaf
	}
	return tbl, nil
}

// MapIdentity installs 2MiB-block identity mappings (IPA==PA) covering
// [base, base+size) with the given permission and ownership, the default
// Stage-2 layout spec.md §4.2 describes. size must be a multiple of 2MiB.
func (w *Walker) MapIdentity(base, size uint64, ap S2AP, owner Ownership) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	const blockSize = 2 * 1024 * 1024
	if size%blockSize != 0 || base%blockSize != 0 {
		return fmt.Errorf("stage2: MapIdentity requires 2MiB-aligned base/size, got base=%#x size=%#x", base, size)
	}

	for off := uint64(0); off < size; off += blockSize {
		ipa := base + off
		tbl, idx, err := w.entry(ipa, false)
		if err != nil {
			return err
		}
		tbl[idx] = leafEntry(ipa, ap, owner)
	}
	return nil
}

// Translate resolves ipa to its current output PA, permission, and
// ownership. ok is false if no mapping exists.
func (w *Walker) Translate(ipa uint64) (pa uint64, ap S2AP, owner Ownership, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	tbl, idx, err := w.entry(ipa, true)
	if err != nil || !tbl[idx].valid() {
		return 0, 0, 0, false
	}
	e := tbl[idx]
	pageOff := ipa & 0xFFF
	return e.outputAddress() + pageOff, e.s2ap(), e.ownership(), true
}

// SetPermission changes the S2AP bits of every page covering
// [ipa, ipa+size), splitting any 2MiB block that straddles the region
// boundary first. A permission change requires TLB invalidation; callers
// must follow this with Invalidate() once the DSB ISHST ordering point has
// been reached, per spec.md §4.2/§5.
func (w *Walker) SetPermission(ipa, size uint64, ap S2AP) error {
	return w.forEachPage(ipa, size, func(tbl *Table, idx int) {
		tbl[idx] = tbl[idx].withS2AP(ap)
	})
}

// SetOwnership changes the software-defined ownership bits of every page
// covering [ipa, ipa+size). No TLB maintenance is required for this change.
func (w *Walker) SetOwnership(ipa, size uint64, owner Ownership) error {
	return w.forEachPage(ipa, size, func(tbl *Table, idx int) {
		tbl[idx] = tbl[idx].withOwnership(owner)
	})
}

func (w *Walker) forEachPage(ipa, size uint64, fn func(tbl *Table, idx int)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if size == 0 || size%4096 != 0 {
		return fmt.Errorf("stage2: region size %#x must be a non-zero multiple of 4KiB", size)
	}
	for off := uint64(0); off < size; off += 4096 {
		tbl, idx, err := w.entry(ipa+off, true)
		if err != nil {
			return err
		}
		if !tbl[idx].valid() {
			return fmt.Errorf("stage2: no mapping at ipa=%#x", ipa+off)
		}
		fn(tbl, idx)
	}
	return nil
}

// Invalidate models the TLBI IPAS2E1IS; DSB ISH; ISB sequence spec.md §4.2
// requires after any S2AP change. There is no real hardware TLB behind a
// software Walker, so this only records that the maintenance happened — a
// property internal/vm's tests assert on to ensure dispatcher code never
// skips it.
func (w *Walker) Invalidate(ipa uint64) {
	w.mu.Lock()
	w.invalidations = append(w.invalidations, ipa)
	w.mu.Unlock()
}

// Invalidations returns the IPAs passed to Invalidate so far, for tests that
// assert permission changes are always followed by TLB maintenance.
func (w *Walker) Invalidations() []uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]uint64(nil), w.invalidations...)
}
