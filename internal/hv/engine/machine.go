package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/guestmem"
	"github.com/tinyrange/armvisor/internal/hv"
	"github.com/tinyrange/armvisor/internal/stage2"
)

// Machine implements hv.VirtualMachine over an mmap'd guestmem.Arena standing
// in for guest physical RAM, plus a dynamic MMIO address-space allocator.
// Device dispatch itself lives in the chipset bus devices are attached
// through; Machine only tracks identity (RAM window, vCPU list, device
// registry) that the chipset/virtio packages' Init(vm) hooks expect.
//
// Every hv.VirtualMachine.ReadAt/WriteAt caller — internal/vm's MMIO decode
// fallback and every virtio device's descriptor/ring access alike — goes
// through the same door, so once memAccessor is installed (internal/vm.New
// always installs one) all of them are Stage-2 permission-checked uniformly;
// no caller needs to know the difference between "GPA is RAM" and "GPA is
// RAM this vCPU is currently allowed to touch."
type Machine struct {
	mu sync.Mutex

	hypervisor *Engine
	config     hv.VMConfig

	ram      []byte
	ramArena *guestmem.Arena
	ramBase  uint64

	memAccessor *guestmem.Accessor

	addrSpace *hv.AddressSpace

	vcpus   []*VCPU
	devices []hv.Device

	irqSink func(line uint32, level bool) error
}

// SetStage2Walker installs walker as the permission/ownership authority for
// every subsequent ReadAt/WriteAt call, per spec.md §4.2/§4.6. internal/vm.New
// calls this right after identity-mapping the VM's RAM, so descriptor and
// ring access issued by internal/devices/virtio (which only ever sees this
// Machine through the hv.VirtualMachine.ReadAt/WriteAt pair) is translated
// and permission-checked exactly like a real Stage-2 table walk would
// reject it, rather than trusting the GPA outright.
func (m *Machine) SetStage2Walker(walker *stage2.Walker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if walker == nil {
		m.memAccessor = nil
		return
	}
	m.memAccessor = guestmem.NewAccessor(m.ramArena, walker)
}

// ReadAt and WriteAt implement io.ReaderAt/io.WriterAt over guest RAM,
// addressed by guest physical address rather than a host-relative offset —
// off is a GPA, matching _examples/tinyrange-cc/internal/hv/kvm/kvm.go's
// virtualMachine.ReadAt/WriteAt (gpaToHostOffset) convention that
// internal/devices/virtio's callers already assume. When a Stage-2 walker
// has been installed the access is routed through it (failing closed on an
// unmapped or wrong-permission IPA); without one — e.g. a bare Machine built
// directly in an engine-package test — it falls back to a raw bounds check
// against the RAM window.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	accessor := m.memAccessor
	m.mu.Unlock()
	if accessor != nil {
		return accessor.ReadAt(p, off)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || uint64(off) < m.ramBase {
		return 0, fmt.Errorf("engine: RAM read GPA %#x below RAM base %#x", off, m.ramBase)
	}
	hostOff := uint64(off) - m.ramBase
	if hostOff >= uint64(len(m.ram)) {
		return 0, fmt.Errorf("engine: RAM read GPA %#x out of range", off)
	}
	n := copy(p, m.ram[hostOff:])
	return n, nil
}

func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	accessor := m.memAccessor
	m.mu.Unlock()
	if accessor != nil {
		return accessor.WriteAt(p, off)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if off < 0 || uint64(off) < m.ramBase {
		return 0, fmt.Errorf("engine: RAM write GPA %#x below RAM base %#x", off, m.ramBase)
	}
	hostOff := uint64(off) - m.ramBase
	if hostOff >= uint64(len(m.ram)) {
		return 0, fmt.Errorf("engine: RAM write GPA %#x out of range", off)
	}
	n := copy(m.ram[hostOff:], p)
	return n, nil
}

// Close unmaps the guest RAM arena. The hv.Hypervisor/VirtualMachine
// lifecycle has no other host resources to release in this software engine.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ramArena == nil {
		return nil
	}
	return m.ramArena.Close()
}

func (m *Machine) Hypervisor() hv.Hypervisor { return m.hypervisor }

func (m *Machine) MemorySize() uint64 { return uint64(len(m.ram)) }
func (m *Machine) MemoryBase() uint64 { return m.ramBase }

// SetIRQSink installs the callback internal/vm wires up to route a
// hardware IRQ line assertion into the virtual GIC distributor.
func (m *Machine) SetIRQSink(fn func(line uint32, level bool) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.irqSink = fn
}

func (m *Machine) SetIRQ(irqLine uint32, level bool) error {
	m.mu.Lock()
	sink := m.irqSink
	m.mu.Unlock()
	if sink == nil {
		return fmt.Errorf("engine: no IRQ sink installed")
	}
	return sink(irqLine, level)
}

func (m *Machine) VirtualCPUCall(id int, f func(vcpu hv.VirtualCPU) error) error {
	m.mu.Lock()
	if id < 0 || id >= len(m.vcpus) {
		m.mu.Unlock()
		return fmt.Errorf("engine: no vCPU %d", id)
	}
	vcpu := m.vcpus[id]
	m.mu.Unlock()
	return f(vcpu)
}

func (m *Machine) AddDevice(dev hv.Device) error {
	if err := dev.Init(m); err != nil {
		return fmt.Errorf("engine: device init: %w", err)
	}
	m.mu.Lock()
	m.devices = append(m.devices, dev)
	m.mu.Unlock()
	return nil
}

func (m *Machine) AddDeviceFromTemplate(template hv.DeviceTemplate) error {
	dev, err := template.Create(m)
	if err != nil {
		return fmt.Errorf("engine: create device from template: %w", err)
	}
	return m.AddDevice(dev)
}

func (m *Machine) AllocateMemory(physAddr, size uint64) (hv.MemoryRegion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if physAddr < m.ramBase || physAddr+size > m.ramBase+uint64(len(m.ram)) {
		return nil, fmt.Errorf("engine: allocation [%#x,%#x) outside RAM window", physAddr, physAddr+size)
	}
	return &memoryRegion{buf: m.ram[physAddr-m.ramBase : physAddr-m.ramBase+size], base: physAddr}, nil
}

func (m *Machine) AllocateMMIO(req hv.MMIOAllocationRequest) (hv.MMIOAllocation, error) {
	return m.addrSpace.Allocate(req)
}

func (m *Machine) CaptureSnapshot() (hv.Snapshot, error) {
	return nil, fmt.Errorf("engine: snapshotting not implemented")
}

func (m *Machine) RestoreSnapshot(snap hv.Snapshot) error {
	return fmt.Errorf("engine: snapshotting not implemented")
}

func (m *Machine) Run(ctx context.Context, cfg hv.RunConfig) error {
	var wg sync.WaitGroup
	errs := make([]error, len(m.vcpus))

	for i, vcpu := range m.vcpus {
		wg.Add(1)
		go func(i int, vcpu *VCPU) {
			defer wg.Done()
			errs[i] = cfg.Run(ctx, vcpu)
		}(i, vcpu)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// VCPUs returns the Machine's vCPUs in id order, for internal/vm's
// dispatcher to drive directly rather than through the generic RunConfig
// indirection.
func (m *Machine) VCPUs() []*VCPU {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*VCPU, len(m.vcpus))
	copy(out, m.vcpus)
	return out
}

// AddressSpace exposes the MMIO allocator for internal/vm's device wiring.
func (m *Machine) AddressSpace() *hv.AddressSpace { return m.addrSpace }

var _ hv.VirtualMachine = (*Machine)(nil)
