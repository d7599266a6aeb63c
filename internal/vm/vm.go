// Package vm assembles internal/armcore, internal/stage2, internal/vgic,
// internal/scheduler, internal/ffa and internal/vtimer into the per-pCPU
// exception dispatcher spec.md §4.1 describes: one goroutine per pCPU,
// each decoding its vCPU's trap and routing it to the right subsystem.
// Grounded on original_source/src/vm.rs and src/scheduler.rs, which tie
// the same pieces together in the original implementation.
package vm

import (
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/armcore"
	"github.com/tinyrange/armvisor/internal/chipset"
	"github.com/tinyrange/armvisor/internal/debug"
	"github.com/tinyrange/armvisor/internal/ffa"
	"github.com/tinyrange/armvisor/internal/hv"
	"github.com/tinyrange/armvisor/internal/hv/engine"
	"github.com/tinyrange/armvisor/internal/platform"
	"github.com/tinyrange/armvisor/internal/scheduler"
	"github.com/tinyrange/armvisor/internal/stage2"
	"github.com/tinyrange/armvisor/internal/vgic"
	"github.com/tinyrange/armvisor/internal/vtimer"
)

// VCPUState is one vCPU's full software model: the architectural register
// file, the EL2-managed extended state (GIC/timer), and a private virtual
// timer, plus the GuestRunner this vCPU's world-switch boundary goes
// through.
type VCPUState struct {
	ID  int
	Ctx *armcore.Context
	Ext armcore.ExtendedState

	Timer  *vtimer.VirtualTimer
	Runner armcore.GuestRunner

	halted bool
}

// VM is one guest machine: its Stage-2 address space, virtual GIC, vCPUs,
// cooperative scheduler, device bus, and FF-A proxy.
type VM struct {
	mu sync.Mutex

	ID int

	Hypervisor *engine.Engine
	Machine    *engine.Machine

	Stage2    *stage2.Walker
	GIC       *vgic.GIC
	Scheduler *scheduler.Scheduler
	Chipset   *chipset.Chipset
	FFA       *ffa.Proxy

	vcpus []*VCPUState
}

// Config describes the static shape of one VM: vCPU count, RAM size, and
// the per-vCPU GuestRunner factory (production code supplies a real
// assembly-backed runner; tests supply armcore.SyntheticRunner).
type Config struct {
	NumVCPUs   int
	MemorySize uint64
	NewRunner  func(vcpuID int) armcore.GuestRunner
	Chipset    *chipset.Chipset
	VMID       int
	OtherVMIDs []int // other VM ids sharing the FF-A proxy's ShareTable/mailboxes
}

// New builds a VM and all its subsystems, wired together per spec.md §4-5.
func New(cfg Config) (*VM, error) {
	if cfg.NumVCPUs <= 0 {
		return nil, fmt.Errorf("vm: NumVCPUs must be positive")
	}
	if cfg.NewRunner == nil {
		return nil, fmt.Errorf("vm: NewRunner is required")
	}

	hyp := engine.New()
	machine, err := hyp.NewVirtualMachine(hv.SimpleVMConfig{
		NumCPUs: cfg.NumVCPUs,
		MemSize: cfg.MemorySize,
		MemBase: platform.GuestRAMBase,
	})
	if err != nil {
		return nil, fmt.Errorf("vm: create machine: %w", err)
	}
	eng := machine.(*engine.Machine)

	walker := stage2.NewWalker()
	if err := walker.MapIdentity(platform.GuestRAMBase, cfg.MemorySize, stage2.S2APRW, stage2.OwnershipOwned); err != nil {
		return nil, fmt.Errorf("vm: identity-map RAM: %w", err)
	}
	// Every ReadAt/WriteAt this Machine serves from here on — virtio
	// descriptor/ring access included — is now permission-checked against
	// walker instead of trusting the GPA outright.
	eng.SetStage2Walker(walker)
	gic := vgic.New(cfg.NumVCPUs)
	sched := scheduler.New(cfg.NumVCPUs)

	walkers := map[int]*stage2.Walker{cfg.VMID: walker}
	shares := ffa.NewShareTable(walkers)
	vmIDs := append([]int{cfg.VMID}, cfg.OtherVMIDs...)
	proxy := ffa.NewProxy(shares, vmIDs)

	v := &VM{
		ID:         cfg.VMID,
		Hypervisor: hyp,
		Machine:    eng,
		Stage2:     walker,
		GIC:        gic,
		Scheduler:  sched,
		Chipset:    cfg.Chipset,
		FFA:        proxy,
	}

	eng.SetIRQSink(v.handleIRQLine)

	for i := 0; i < cfg.NumVCPUs; i++ {
		vs := &VCPUState{
			ID:     i,
			Ctx:    &armcore.Context{},
			Ext:    armcore.InitExtendedState(i),
			Timer:  vtimer.New(vtimer.DefaultFreqHz),
			Runner: cfg.NewRunner(i),
		}
		if i == 0 {
			sched.AddVCPU(i)
		}
		v.vcpus = append(v.vcpus, vs)

		for _, vcpu := range eng.VCPUs() {
			if vcpu.ID() == i {
				vcpu.BindContext(vs.Ctx)
			}
		}
	}

	return v, nil
}

// VCPU returns the state for vcpuID, or nil if out of range.
func (v *VM) VCPU(vcpuID int) *VCPUState {
	v.mu.Lock()
	defer v.mu.Unlock()
	if vcpuID < 0 || vcpuID >= len(v.vcpus) {
		return nil
	}
	return v.vcpus[vcpuID]
}

// BootPrimary sets up the primary vCPU's initial register state (entry
// point and stack), matching the boot vCPU spec.md §5 describes as always
// Ready at reset while secondaries wait for PSCI CPU_ON.
func (v *VM) BootPrimary(entry, stackPointer uint64) {
	primary := v.VCPU(0)
	*primary.Ctx = armcore.NewContext(entry, stackPointer)
}

// BootLinux sets up the primary vCPU per the Linux/arm64 boot protocol:
// x0 holds the DTB physical address and x1-x3 are reserved zero, matching
// original_source/src/guest_loader.rs's run_guest Linux-guest branch.
// sctlr_el1/cpacr_el1 are primed the same way (MMU/caches off, FP/SIMD
// access enabled) since Linux's early boot code expects the EL1 MMU to
// start disabled.
func (v *VM) BootLinux(entry, dtbAddr, stackPointer uint64) {
	v.BootPrimary(entry, stackPointer)
	primary := v.VCPU(0)
	primary.Ctx.X[0] = dtbAddr
	primary.Ctx.X[1] = 0
	primary.Ctx.X[2] = 0
	primary.Ctx.X[3] = 0
	primary.Ctx.SctlrEL1 = 0x30D0_0800
	primary.Ctx.CpacrEL1 = 3 << 20
}

// PSCICPUOn implements the SMC64 PSCI CPU_ON call: brings a secondary
// vCPU out of reset into Ready state at the requested entry point, per
// spec.md §5.
func (v *VM) PSCICPUOn(targetVCPU int, entry, contextID uint64) error {
	target := v.VCPU(targetVCPU)
	if target == nil {
		return fmt.Errorf("vm: PSCI CPU_ON: no vCPU %d", targetVCPU)
	}
	v.mu.Lock()
	*target.Ctx = armcore.NewContext(entry, 0)
	target.Ctx.X[0] = contextID
	v.mu.Unlock()

	v.Scheduler.AddVCPU(targetVCPU)
	debug.Writef("vm.psci", "CPU_ON vcpu=%d entry=%#x", targetVCPU, entry)
	return nil
}

func (v *VM) handleIRQLine(line uint32, level bool) error {
	irqType, intid := DecodeIRQLine(line)
	if !level {
		return nil
	}
	switch irqType {
	case IRQTypeSPI:
		v.GIC.InjectSPI(intid, 0x80)
	case IRQTypePPI:
		// PPIs are private to the currently scheduled vCPU; without a
		// richer routing table this delivers to vCPU 0 only.
		v.GIC.InjectPrivate(0, intid, 0x80)
	default:
		return fmt.Errorf("vm: unknown IRQ line type %d for intid %d", irqType, intid)
	}
	return nil
}
