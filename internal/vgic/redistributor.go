package vgic

import "sync"

// Redistributor is one vCPU's GICR: a 64KiB RD frame (CTLR/TYPER/WAKER/
// PIDR2) plus a 64KiB SGI frame (IGROUPR0/ISENABLER0/ISPENDR0/ISACTIVER0/
// IPRIORITYR/ICFGR0-1), per spec.md §4.3. Grounded on
// original_source/src/devices/gic/redistributor.rs.
type Redistributor struct {
	mu sync.Mutex

	vcpuID   int
	numVCPUs int
	last     bool

	waker uint32

	igroup0   uint32
	enabled0  uint32
	pending0  uint32
	active0   uint32
	priority  [privateIDs]uint8
	// icfg0 covers SGIs 0-15 (always edge-triggered, read-only);
	// icfg1 covers PPIs 16-31 (configurable).
	icfg1 uint32
}

// NewRedistributor returns the redistributor for vcpuID out of numVCPUs
// total, with WAKER reset to ProcessorSleep=1, ChildrenAsleep=1 per
// spec.md §4.3.
func NewRedistributor(vcpuID, numVCPUs int) *Redistributor {
	return &Redistributor{
		vcpuID:   vcpuID,
		numVCPUs: numVCPUs,
		last:     vcpuID == numVCPUs-1,
		waker:    wakerProcessorSleep | wakerChildrenAsleep,
	}
}

const (
	wakerProcessorSleep = 1 << 1
	wakerChildrenAsleep = 1 << 2

	// SGIs are always edge-triggered; ICFGR0 is read-only 0xAAAAAAAA
	// (every 2-bit field = 0b10, edge-triggered).
	icfg0EdgeTriggered = 0xAAAAAAAA
)

// RD-frame register offsets.
const (
	RegRDCTLR  = 0x0000
	RegRDTYPER = 0x0008
	RegRDWAKER = 0x0014
	RegRDPIDR2 = 0xFFE8
)

// SGI-frame register offsets, relative to the SGI frame base (RD base + 0x10000).
const (
	RegSGIGROUPR0   = 0x080
	RegSGIISENABLER0 = 0x100
	RegSGIICENABLER0 = 0x180
	RegSGIISPENDR0  = 0x200
	RegSGIICPENDR0  = 0x280
	RegSGIISACTIVER0 = 0x300
	RegSGIICACTIVER0 = 0x380
	RegSGIPRIORITYR = 0x400
	RegSGIICFGR0    = 0xC00
	RegSGIICFGR1    = 0xC04
)

// ReadRD services an RD-frame MMIO read.
func (r *Redistributor) ReadRD(offset uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case RegRDCTLR:
		return 0
	case RegRDTYPER:
		aff0 := uint64(r.vcpuID) << 32
		procNum := uint64(r.vcpuID) << 8
		var last uint64
		if r.last {
			last = 1 << 4
		}
		return aff0 | procNum | last
	case RegRDWAKER:
		return uint64(r.waker)
	case RegRDPIDR2:
		return pidr2GICv3
	default:
		return 0
	}
}

// WriteRD services an RD-frame MMIO write. Clearing ProcessorSleep also
// clears ChildrenAsleep, per spec.md §4.3.
func (r *Redistributor) WriteRD(offset uint64, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch offset {
	case RegRDWAKER:
		w := uint32(value)
		if w&wakerProcessorSleep == 0 {
			w &^= wakerChildrenAsleep
		}
		r.waker = w
	}
}

// ReadSGI services an SGI-frame MMIO read.
func (r *Redistributor) ReadSGI(offset uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == RegSGIGROUPR0:
		return uint64(r.igroup0)
	case offset == RegSGIISENABLER0 || offset == RegSGIICENABLER0:
		return uint64(r.enabled0)
	case offset == RegSGIISPENDR0 || offset == RegSGIICPENDR0:
		return uint64(r.pending0)
	case offset == RegSGIISACTIVER0 || offset == RegSGIICACTIVER0:
		return uint64(r.active0)
	case offset == RegSGIICFGR0:
		return icfg0EdgeTriggered
	case offset == RegSGIICFGR1:
		return uint64(r.icfg1)
	case offset >= RegSGIPRIORITYR && offset < RegSGIPRIORITYR+privateIDs:
		return uint64(r.priority[offset-RegSGIPRIORITYR])
	default:
		return 0
	}
}

// WriteSGI services an SGI-frame MMIO write.
func (r *Redistributor) WriteSGI(offset uint64, value uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case offset == RegSGIGROUPR0:
		r.igroup0 = uint32(value)
	case offset == RegSGIISENABLER0:
		r.enabled0 |= uint32(value)
	case offset == RegSGIICENABLER0:
		r.enabled0 &^= uint32(value)
	case offset == RegSGIISPENDR0:
		r.pending0 |= uint32(value)
	case offset == RegSGIICPENDR0:
		r.pending0 &^= uint32(value)
	case offset == RegSGIISACTIVER0:
		r.active0 |= uint32(value)
	case offset == RegSGIICACTIVER0:
		r.active0 &^= uint32(value)
	case offset == RegSGIICFGR0:
		// Read-only: SGIs are always edge-triggered.
	case offset == RegSGIICFGR1:
		r.icfg1 = uint32(value)
	case offset >= RegSGIPRIORITYR && offset < RegSGIPRIORITYR+privateIDs:
		r.priority[offset-RegSGIPRIORITYR] = uint8(value)
	}
}

// RaisePrivate marks SGI/PPI intid (0..31) pending on this redistributor.
func (r *Redistributor) RaisePrivate(intid uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending0 |= 1 << intid
}
