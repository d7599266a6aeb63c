// Package engine implements hv.Hypervisor/VirtualMachine/VirtualCPU as a
// pure-software Type-1 hypervisor substrate: guest RAM backed by an mmap'd
// guestmem.Arena, an MMIO address-space allocator, and a device bus devices attach
// to through the hv.* interfaces the teacher's chipset/virtio packages
// already expect. It replaces the deleted internal/hv/kvm's ioctl-backed
// implementation; internal/vm builds the actual exception dispatcher and
// per-vCPU run loop on top of this substrate plus internal/armcore.
package engine

import (
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/guestmem"
	"github.com/tinyrange/armvisor/internal/hv"
	"github.com/tinyrange/armvisor/internal/timeslice"
)

// Engine is the top-level hv.Hypervisor: a factory for Machines. There is
// no host kernel or ioctl device behind it, unlike the teacher's KVM
// backend — Architecture always reports ARM64, matching spec.md's single
// supported target.
type Engine struct {
	mu     sync.Mutex
	closed bool
}

// New returns a ready-to-use software hypervisor.
func New() *Engine { return &Engine{} }

func (e *Engine) Architecture() hv.CpuArchitecture { return hv.ArchitectureARM64 }

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *Engine) NewVirtualMachine(config hv.VMConfig) (hv.VirtualMachine, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("engine: hypervisor is closed")
	}
	if config == nil {
		return nil, fmt.Errorf("engine: nil VMConfig")
	}

	arena, err := guestmem.NewArena(config.MemoryBase(), config.MemorySize())
	if err != nil {
		return nil, fmt.Errorf("engine: allocate guest RAM: %w", err)
	}

	m := &Machine{
		hypervisor: e,
		config:     config,
		ram:        arena.Bytes(),
		ramArena:   arena,
		ramBase:    config.MemoryBase(),
		addrSpace:  hv.NewAddressSpace(hv.ArchitectureARM64, config.MemoryBase(), config.MemorySize()),
	}

	if cb := config.Callbacks(); cb != nil {
		if err := cb.OnCreateVM(m); err != nil {
			return nil, fmt.Errorf("engine: OnCreateVM: %w", err)
		}
		if err := cb.OnCreateVMWithMemory(m); err != nil {
			return nil, fmt.Errorf("engine: OnCreateVMWithMemory: %w", err)
		}
	}

	for i := 0; i < config.CPUCount(); i++ {
		vcpu := &VCPU{id: i, machine: m}
		m.vcpus = append(m.vcpus, vcpu)
		if cb := config.Callbacks(); cb != nil {
			if err := cb.OnCreateVCPU(vcpu); err != nil {
				return nil, fmt.Errorf("engine: OnCreateVCPU(%d): %w", i, err)
			}
		}
	}

	if loader := config.Loader(); loader != nil {
		if err := loader.Load(m); err != nil {
			return nil, fmt.Errorf("engine: load: %w", err)
		}
	}

	return m, nil
}

var _ hv.Hypervisor = (*Engine)(nil)

// memoryRegion adapts a byte-slice window to hv.MemoryRegion.
type memoryRegion struct {
	mu   sync.Mutex
	buf  []byte
	base uint64
}

func (r *memoryRegion) Size() uint64 { return uint64(len(r.buf)) }

func (r *memoryRegion) ReadAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off >= int64(len(r.buf)) {
		return 0, fmt.Errorf("engine: read offset %#x out of range", off)
	}
	n := copy(p, r.buf[off:])
	return n, nil
}

func (r *memoryRegion) WriteAt(p []byte, off int64) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if off < 0 || off >= int64(len(r.buf)) {
		return 0, fmt.Errorf("engine: write offset %#x out of range", off)
	}
	n := copy(r.buf[off:], p)
	return n, nil
}

var _ hv.MemoryRegion = (*memoryRegion)(nil)

// exitContext is the minimal hv.ExitContext devices receive on each MMIO
// access; this software engine has no per-exit timeslice accounting beyond
// what internal/timeslice already records globally, so SetExitTimeslice is
// a no-op sink.
type exitContext struct{}

func (exitContext) SetExitTimeslice(id timeslice.TimesliceID) {}

var _ hv.ExitContext = exitContext{}
