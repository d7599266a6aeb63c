// Package stage2 implements the Stage-2 (IPA→PA) translation tables a VM's
// vCPUs are mapped through: a 4-level tree, 4KiB granule, 48-bit IPA/PA,
// identity-mapped by default. Ownership is tracked in software-defined PTE
// bits that require no TLB maintenance to change; permission changes do.
//
// Grounded on original_source/src/ffa/stage2_walker.rs for the ownership
// encoding and the "walker is reconstructible from VTTBR_EL2 alone" design
// (no persistent Go-side mapper reference is required to decode any given
// VTTBR_EL2 value — the Walker here is just a convenience wrapper around a
// root table pointer). Block-splitting is new relative to that source,
// which explicitly declines to split ("won't split") — spec.md requires it
// so a Stage-2 region can host sub-2MiB ownership/permission boundaries.
package stage2

import "fmt"

// PTE is a single Stage-2 page/block/table descriptor.
type PTE uint64

const (
	pteValid = 1 << 0
	pteTable = 1 << 1 // at levels 0-2: 1=table descriptor, 0=block descriptor

	pteS2APShift = 6
	pteS2APMask  = 0x3 << pteS2APShift

	pteSHShift = 8
	pteSHMask  = 0x3 << pteSHShift

	pteAF = 1 << 10 // access flag

	pteMemAttrShift = 2
	pteMemAttrMask  = 0x7 << pteMemAttrShift

	pteOwnershipShift = 55
	pteOwnershipMask  = 0x3 << pteOwnershipShift

	pteOAMask = 0x0000_FFFF_FFFF_F000 // output address bits [47:12]
)

// S2AP is the Stage-2 access permission encoding (ESR_EL2-independent; these
// are the HCR-visible S2AP[1:0] bits at [7:6] of the descriptor).
type S2AP int

const (
	S2APNone S2AP = 0b00
	S2APRO   S2AP = 0b01
	S2APWO   S2AP = 0b10
	S2APRW   S2AP = 0b11
)

// Ownership is the software-defined ownership state carried in PTE[56:55],
// per spec.md §4.2 / §4.6: no TLB maintenance is required to change it,
// only to change S2AP.
type Ownership int

const (
	OwnershipOwned        Ownership = 0b00
	OwnershipSharedOwned  Ownership = 0b01
	OwnershipSharedBorrow Ownership = 0b10
	OwnershipDonated      Ownership = 0b11
)

func (o Ownership) String() string {
	switch o {
	case OwnershipOwned:
		return "Owned"
	case OwnershipSharedOwned:
		return "SharedOwned"
	case OwnershipSharedBorrow:
		return "SharedBorrowed"
	case OwnershipDonated:
		return "Donated"
	default:
		return fmt.Sprintf("Ownership(%d)", int(o))
	}
}

func (p PTE) valid() bool     { return p&pteValid != 0 }
func (p PTE) isTable(lvl int) bool {
	if lvl == 3 {
		return false // level-3 "table" bit actually means "page", always a leaf
	}
	return p&pteTable != 0
}

func (p PTE) outputAddress() uint64 { return uint64(p) & pteOAMask }

func (p PTE) s2ap() S2AP { return S2AP((p & pteS2APMask) >> pteS2APShift) }
func (p PTE) withS2AP(ap S2AP) PTE {
	return (p &^ pteS2APMask) | PTE(ap)<<pteS2APShift
}

func (p PTE) ownership() Ownership { return Ownership((p & pteOwnershipMask) >> pteOwnershipShift) }
func (p PTE) withOwnership(o Ownership) PTE {
	return (p &^ pteOwnershipMask) | PTE(o)<<pteOwnershipShift
}

func leafEntry(pa uint64, ap S2AP, owner Ownership) PTE {
	entry := PTE(pa&pteOAMask) | pteValid | pteAF | (3 << pteSHShift) /* inner shareable */
	entry = entry.withS2AP(ap)
	entry = entry.withOwnership(owner)
	return entry
}
