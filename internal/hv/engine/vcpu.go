package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/armcore"
	"github.com/tinyrange/armvisor/internal/hv"
)

// VCPU implements hv.VirtualCPU as a thin register-access facade over an
// internal/armcore.Context. The actual world-switch/exit-dispatch loop
// lives in internal/vm, which holds its own reference to the same
// *armcore.Context and drives it through an armcore.GuestRunner directly;
// this type exists so the teacher's chipset/virtio device Init(vm) hooks,
// which only need a register-access handle, keep working unmodified.
type VCPU struct {
	mu      sync.Mutex
	id      int
	machine *Machine

	regs    *armcore.Context
	running bool
}

func (v *VCPU) VirtualMachine() hv.VirtualMachine { return v.machine }
func (v *VCPU) ID() int                           { return v.id }

// BindContext attaches the armcore.Context internal/vm drives for this
// vCPU, so GetRegisters/SetRegisters read and write the same state the
// dispatcher acts on.
func (v *VCPU) BindContext(ctx *armcore.Context) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.regs = ctx
}

func (v *VCPU) SetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.regs == nil {
		return fmt.Errorf("engine: vCPU %d has no bound context", v.id)
	}
	for reg, val := range regs {
		r64, ok := val.(hv.Register64)
		if !ok {
			return fmt.Errorf("engine: unsupported register value type for %s", reg)
		}
		if err := v.writeRegister(reg, uint64(r64)); err != nil {
			return err
		}
	}
	return nil
}

func (v *VCPU) GetRegisters(regs map[hv.Register]hv.RegisterValue) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.regs == nil {
		return fmt.Errorf("engine: vCPU %d has no bound context", v.id)
	}
	for reg := range regs {
		val, err := v.readRegister(reg)
		if err != nil {
			return err
		}
		regs[reg] = hv.Register64(val)
	}
	return nil
}

func (v *VCPU) writeRegister(reg hv.Register, value uint64) error {
	if reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30 {
		v.regs.X[reg-hv.RegisterARM64X0] = value
		return nil
	}
	switch reg {
	case hv.RegisterARM64Xzr:
		return nil // writes to the zero register are discarded
	case hv.RegisterARM64Sp:
		v.regs.SP = value
	case hv.RegisterARM64Pc:
		v.regs.PC = value
	case hv.RegisterARM64Pstate:
		v.regs.PState = value
	case hv.RegisterARM64Vbar:
		v.regs.VbarEL1 = value
	case hv.RegisterARM64GicrBase:
		// Informational only: GICR frame addresses are fixed by
		// internal/platform, not guest-settable.
		return nil
	default:
		return fmt.Errorf("engine: unsupported register %s", reg)
	}
	return nil
}

func (v *VCPU) readRegister(reg hv.Register) (uint64, error) {
	if reg >= hv.RegisterARM64X0 && reg <= hv.RegisterARM64X30 {
		return v.regs.X[reg-hv.RegisterARM64X0], nil
	}
	switch reg {
	case hv.RegisterARM64Xzr:
		return 0, nil
	case hv.RegisterARM64Sp:
		return v.regs.SP, nil
	case hv.RegisterARM64Pc:
		return v.regs.PC, nil
	case hv.RegisterARM64Pstate:
		return v.regs.PState, nil
	case hv.RegisterARM64Vbar:
		return v.regs.VbarEL1, nil
	default:
		return 0, fmt.Errorf("engine: unsupported register %s", reg)
	}
}

// Run satisfies hv.VirtualCPU for callers that only know the generic
// interface; internal/vm never calls this, driving GuestRunner.Enter
// directly instead so it can observe the TrapVector each exit carries.
func (v *VCPU) Run(ctx context.Context) error {
	return fmt.Errorf("engine: VCPU.Run is not used by this hypervisor; drive armcore.GuestRunner directly")
}

var _ hv.VirtualCPU = (*VCPU)(nil)
