// Package vgic implements a software GICv3 distributor, per-vCPU
// redistributor, and list-register based interrupt injection, per spec.md
// §4.3. Grounded on
// original_source/src/devices/gic/{distributor,redistributor}.rs.
package vgic

import (
	"sync"

	"github.com/tinyrange/armvisor/internal/debug"
)

const (
	maxINTIDs  = 1024
	sgiCount   = 16
	ppiCount   = 16
	privateIDs = sgiCount + ppiCount // SGIs+PPIs are per-redistributor, not distributor
)

// Distributor is the shared (per-VM) GICD register state: SPI routing,
// enable/pending/active bitmaps, and priorities for INTID 32..1023. SGIs and
// PPIs (INTID 0..31) live in the per-vCPU Redistributor instead.
type Distributor struct {
	mu sync.Mutex

	numVCPUs int

	ctrl uint32 // GICD_CTLR shadow

	enabled  [maxINTIDs]bool
	pending  [maxINTIDs]bool
	active   [maxINTIDs]bool
	priority [maxINTIDs]uint8
	// route[n] is the Aff0 field of IROUTER[n] for SPI n: the vCPU id
	// this interrupt is routed to.
	route [maxINTIDs]uint32
}

// NewDistributor returns a Distributor sized for numVCPUs.
func NewDistributor(numVCPUs int) *Distributor {
	return &Distributor{numVCPUs: numVCPUs}
}

// GICD register offsets (a representative subset of spec.md §4.3/§6).
const (
	RegCTLR        = 0x000
	RegTYPER       = 0x004
	RegIIDR        = 0x008
	RegISENABLERn  = 0x100
	RegICENABLERn  = 0x180
	RegISPENDRn    = 0x200
	RegICPENDRn    = 0x280
	RegISACTIVERn  = 0x300
	RegICACTIVERn  = 0x380
	RegIPRIORITYRn = 0x400
	RegIROUTERn    = 0x6000
	RegPIDR2       = 0xFFE8
)

const (
	ctlrARENS = 1 << 4 // ARE_NS: always reads 1 regardless of what's written
	iidrValue = 0x43B
	pidr2GICv3 = 0x30
)

// ReadRegister services a GICD MMIO read.
func (d *Distributor) ReadRegister(offset uint64, size int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == RegCTLR:
		return uint64(d.ctrl) | ctlrARENS
	case offset == RegTYPER:
		itLines := uint32((maxINTIDs / 32) - 1) // ITLinesNumber
		cpuNum := uint32(d.numVCPUs - 1)
		idBits := uint32(10 - 1)
		return uint64(itLines) | uint64(cpuNum)<<5 | uint64(idBits)<<19
	case offset == RegIIDR:
		return iidrValue
	case offset == RegPIDR2:
		return pidr2GICv3
	case inRange(offset, RegISENABLERn, maxINTIDs/32*4):
		return bitmapRead(d.enabled[:], offset-RegISENABLERn)
	case inRange(offset, RegICENABLERn, maxINTIDs/32*4):
		return bitmapRead(d.enabled[:], offset-RegICENABLERn)
	case inRange(offset, RegISPENDRn, maxINTIDs/32*4):
		return bitmapRead(d.pending[:], offset-RegISPENDRn)
	case inRange(offset, RegICPENDRn, maxINTIDs/32*4):
		return bitmapRead(d.pending[:], offset-RegICPENDRn)
	case inRange(offset, RegISACTIVERn, maxINTIDs/32*4):
		return bitmapRead(d.active[:], offset-RegISACTIVERn)
	case inRange(offset, RegICACTIVERn, maxINTIDs/32*4):
		return bitmapRead(d.active[:], offset-RegICACTIVERn)
	case inRange(offset, RegIPRIORITYRn, maxINTIDs):
		intid := offset - RegIPRIORITYRn
		return uint64(d.priority[intid])
	case inRange(offset, RegIROUTERn, maxINTIDs*8):
		intid := (offset - RegIROUTERn) / 8
		return uint64(d.route[intid])
	default:
		debug.Writef("vgic.distributor", "unhandled read at offset %#x", offset)
		return 0
	}
}

// WriteRegister services a GICD MMIO write.
func (d *Distributor) WriteRegister(offset uint64, size int, value uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch {
	case offset == RegCTLR:
		d.ctrl = uint32(value)
	case inRange(offset, RegISENABLERn, maxINTIDs/32*4):
		bitmapSet(d.enabled[:], offset-RegISENABLERn, uint32(value), true)
	case inRange(offset, RegICENABLERn, maxINTIDs/32*4):
		bitmapSet(d.enabled[:], offset-RegICENABLERn, uint32(value), false)
	case inRange(offset, RegISPENDRn, maxINTIDs/32*4):
		bitmapSet(d.pending[:], offset-RegISPENDRn, uint32(value), true)
	case inRange(offset, RegICPENDRn, maxINTIDs/32*4):
		bitmapSet(d.pending[:], offset-RegICPENDRn, uint32(value), false)
	case inRange(offset, RegISACTIVERn, maxINTIDs/32*4):
		bitmapSet(d.active[:], offset-RegISACTIVERn, uint32(value), true)
	case inRange(offset, RegICACTIVERn, maxINTIDs/32*4):
		bitmapSet(d.active[:], offset-RegICACTIVERn, uint32(value), false)
	case inRange(offset, RegIPRIORITYRn, maxINTIDs):
		intid := offset - RegIPRIORITYRn
		d.priority[intid] = uint8(value)
	case inRange(offset, RegIROUTERn, maxINTIDs*8):
		intid := (offset - RegIROUTERn) / 8
		d.route[intid] = uint32(value & 0xFF) // Aff0
	default:
		debug.Writef("vgic.distributor", "unhandled write at offset %#x = %#x", offset, value)
	}
}

// RaiseSPI marks SPI intid pending and returns the vCPU it is routed to, per
// IROUTER[intid-32].Aff0, so the caller (internal/vm) can inject it into
// that vCPU's list registers.
func (d *Distributor) RaiseSPI(intid uint32) (target int, enabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[intid] = true
	return int(d.route[intid]), d.enabled[intid]
}

func inRange(offset, base uint64, size int) bool {
	return offset >= base && offset < base+uint64(size)
}

// bitmapRead/bitmapSet address one 32-bit GICD register bank (ISENABLERn
// etc.): regByteOffset is the word-aligned byte offset from the bank's
// base, covering INTIDs [regByteOffset/4*32, +32).
func bitmapRead(bits []bool, regByteOffset uint64) uint64 {
	var v uint64
	base := (regByteOffset / 4) * 32
	for i := 0; i < 32 && int(base)+i < len(bits); i++ {
		if bits[int(base)+i] {
			v |= 1 << uint(i)
		}
	}
	return v
}

func bitmapSet(bits []bool, regByteOffset uint64, value uint32, set bool) {
	base := (regByteOffset / 4) * 32
	for i := 0; i < 32 && int(base)+i < len(bits); i++ {
		if value&(1<<uint(i)) != 0 {
			bits[int(base)+i] = set
		}
	}
}
