// Package armcore models the ARMv8-A EL2 vCPU register context: the part of
// the system that in production is saved and restored by hand-written
// assembly around the world-switch (enter_guest/exception vector table,
// explicitly out of scope per spec.md §1). This package defines the Go-side
// layout that assembly contract promises to fill in, plus the decode logic
// that turns a post-exit ESR_EL2/FAR_EL2 pair into a typed ExitReason.
//
// Register set grounded on _examples/tinyrange-cc/internal/hv/kvm/kvm_arm64.go's
// arm64CoreRegisterIDs/arm64OptionalSysRegIDs (the ARM64 register IDs KVM
// exposes for get/set-one-reg) and original_source/src/arch/aarch64/regs.rs
// + vcpu_arch_state.rs (GeneralPurposeRegs/SystemRegs/VcpuArchState).
package armcore

import "fmt"

// Context is the complete register state saved/restored across a
// world-switch: general-purpose registers, the subset of EL1 system
// registers the guest controls, and the EL2 registers the hypervisor reads
// to decode an exit.
type Context struct {
	// General-purpose registers X0-X28, plus FP (X29) and LR (X30).
	X [31]uint64

	SP    uint64
	PC    uint64
	PState uint64

	// EL1 system registers not otherwise touched by the world-switch stub.
	SctlrEL1      uint64
	Ttbr0EL1      uint64
	Ttbr1EL1      uint64
	TcrEL1        uint64
	MairEL1       uint64
	VbarEL1       uint64
	CpacrEL1      uint64
	ContextidrEL1 uint64
	TpidrEL1      uint64
	TpidrroEL0    uint64
	TpidrEL0      uint64
	ParEL1        uint64
	CntkctlEL1    uint64
	SpEL1         uint64
	ElrEL1        uint64
	SpsrEL1       uint64
	Afsr0EL1      uint64
	Afsr1EL1      uint64
	EsrEL1        uint64
	FarEL1        uint64
	AmairEL1      uint64

	// EL2 registers populated by the trap entry; read-only from the Go
	// side's perspective, they describe why we are here.
	EsrEL2  uint64
	FarEL2  uint64
	HcrEL2  uint64
	CntvoffEL2 uint64
}

// ExtendedState is per-vCPU architectural state that sits alongside Context
// but is not part of the ordinary AArch64 EL1 register file: the GICv3
// virtual-CPU-interface registers, the virtual timer compare/control pair,
// and the vCPU's synthesized MPIDR. Grounded on
// original_source/src/arch/aarch64/vcpu_arch_state.rs's VcpuArchState; PAC
// key fields are omitted since spec.md's Non-goals exclude Pointer
// Authentication support.
type ExtendedState struct {
	ICHLR   [4]uint64
	ICHVMCR uint64
	ICHHCR  uint64

	CntvCtl  uint64
	CntvCval uint64

	VMPIDR uint64
}

// InitExtendedState returns the reset-time ExtendedState for vcpuID,
// matching VcpuArchState::init_for_vcpu: VMPIDR.Aff0 = vcpuID, the GIC
// virtual interface enabled with TALL1 (trap SGI generation to EL2) and
// priority mask open, virtual timer disabled.
func InitExtendedState(vcpuID int) ExtendedState {
	return ExtendedState{
		ICHHCR:  (1 << 13) | 1, // TALL1 | En
		ICHVMCR: (0xFF << 24) | (1 << 1),
		VMPIDR:  uint64(vcpuID) & 0xFF,
	}
}

// NewContext returns a Context ready to begin execution at entry with the
// given stack pointer, matching VcpuContext::new: SPSR_EL1 = EL1h (0b0101),
// all interrupt masks clear.
func NewContext(entry, stackPointer uint64) Context {
	return Context{
		PC:      entry,
		SP:      stackPointer,
		SpEL1:   stackPointer,
		SpsrEL1: 0b0101,
	}
}

// TrapVector identifies which of the four AArch64 exception-vector-table
// entries delivered this exit: Synchronous, IRQ, FIQ, or SError. Passing
// this explicitly from the entry stub (rather than inferring it from
// ESR_EL2.EC, which is undefined for asynchronous exceptions) resolves the
// "Unknown/Other" exit-reason ambiguity spec.md §9 flags as an Open
// Question — see DESIGN.md.
type TrapVector int

const (
	TrapSynchronous TrapVector = iota
	TrapIRQ
	TrapFIQ
	TrapSError
)

func (v TrapVector) String() string {
	switch v {
	case TrapSynchronous:
		return "Synchronous"
	case TrapIRQ:
		return "IRQ"
	case TrapFIQ:
		return "FIQ"
	case TrapSError:
		return "SError"
	default:
		return fmt.Sprintf("TrapVector(%d)", int(v))
	}
}

// ExceptionClass is the EC field of ESR_EL2 (bits [31:26]).
type ExceptionClass uint64

const (
	ECWFxTrap       ExceptionClass = 0x01
	ECHVC           ExceptionClass = 0x16
	ECSMC           ExceptionClass = 0x17
	ECMsrMrsTrap    ExceptionClass = 0x18
	ECInstrAbortLow ExceptionClass = 0x20
	ECInstrAbort    ExceptionClass = 0x21
	ECDataAbortLow  ExceptionClass = 0x24
	ECDataAbort     ExceptionClass = 0x25
)

// ExitReason is the decoded reason a vCPU trapped to the hypervisor.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitWFxTrap
	ExitHVC
	ExitSMC
	ExitMsrMrsTrap
	ExitInstructionAbort
	ExitDataAbort
	ExitIRQ
	ExitFIQ
	ExitSError
	ExitOther
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "Unknown"
	case ExitWFxTrap:
		return "WFI/WFE"
	case ExitHVC:
		return "HVC"
	case ExitSMC:
		return "SMC"
	case ExitMsrMrsTrap:
		return "MSR/MRS trap"
	case ExitInstructionAbort:
		return "Instruction Abort"
	case ExitDataAbort:
		return "Data Abort"
	case ExitIRQ:
		return "IRQ"
	case ExitFIQ:
		return "FIQ"
	case ExitSError:
		return "SError"
	default:
		return "Other"
	}
}

// EC extracts the Exception Class from ESR_EL2.
func (c *Context) EC() ExceptionClass {
	return ExceptionClass((c.EsrEL2 >> 26) & 0x3F)
}

// ISS extracts the Instruction Specific Syndrome from ESR_EL2.
func (c *Context) ISS() uint64 {
	return c.EsrEL2 & 0x01FF_FFFF
}

// DecodeExit determines the ExitReason from the trap vector the entry stub
// reported and, for synchronous exceptions, ESR_EL2.EC. Asynchronous
// exceptions (IRQ/FIQ/SError) are never routed through the EC switch:
// vector identity alone decides them, per the Open Question decision in
// DESIGN.md.
func (c *Context) DecodeExit(vector TrapVector) ExitReason {
	switch vector {
	case TrapIRQ:
		return ExitIRQ
	case TrapFIQ:
		return ExitFIQ
	case TrapSError:
		return ExitSError
	}

	switch c.EC() {
	case ECWFxTrap:
		return ExitWFxTrap
	case ECHVC:
		return ExitHVC
	case ECSMC:
		return ExitSMC
	case ECMsrMrsTrap:
		return ExitMsrMrsTrap
	case ECInstrAbortLow, ECInstrAbort:
		return ExitInstructionAbort
	case ECDataAbortLow, ECDataAbort:
		return ExitDataAbort
	default:
		return ExitOther
	}
}

// AdvancePC advances the program counter past the trapping instruction.
// Most synchronous traps that are handled in place (MSR/MRS, a successfully
// emulated MMIO access) need this; HVC does not, because ELR_EL2 already
// points past the HVC instruction when it traps; WFI/WFE must not advance
// PC, since the instruction has to be retried once the vCPU is rescheduled.
func (c *Context) AdvancePC() {
	c.PC += 4
}
