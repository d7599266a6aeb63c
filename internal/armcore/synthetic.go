package armcore

import (
	"context"
	"encoding/binary"
	"fmt"
)

// SyntheticRunner is a software GuestRunner used wherever this module would,
// in production, rely on the assembly world-switch: it interprets a small
// fixed ARMv8-A instruction subset directly out of an in-memory guest image
// instead of executing on real hardware. It exists purely so the exception
// dispatcher, MMIO decoder, and scheduler can be exercised by tests without
// a toolchain or real silicon — production builds provide a real GuestRunner
// backed by hand-written assembly instead.
//
// The subset covers exactly what spec.md §4.1 requires a test guest to be
// able to produce: HVC, SMC, WFI, WFE, and LDR/STR unsigned-immediate of any
// access size from byte to doubleword
// (the same forms original_source/src/arch/aarch64/hypervisor/decode.rs
// decodes). Anything else traps as ExitOther with EC left at 0, matching
// "unrecognized instruction is fatal" rather than guessing.
type SyntheticRunner struct {
	// Image holds the guest's instruction/data memory, addressed by the
	// guest's own PC/load addresses (IPA == offset into Image for this
	// synthetic guest, mirroring the identity-mapped default of
	// internal/stage2).
	Image []byte
	Base  uint64
}

// NewSyntheticRunner returns a runner whose guest memory is image, loaded at
// guest physical address base.
func NewSyntheticRunner(image []byte, base uint64) *SyntheticRunner {
	return &SyntheticRunner{Image: image, Base: base}
}

func (r *SyntheticRunner) fetch32(addr uint64) (uint32, bool) {
	if addr < r.Base {
		return 0, false
	}
	off := addr - r.Base
	if off+4 > uint64(len(r.Image)) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.Image[off:]), true
}

const (
	encHVCMask  = 0xFFE0001F
	encHVCValue = 0xD4000002
	encSMCMask  = 0xFFE0001F
	encSMCValue = 0xD4000003
	encWFI      = 0xD503207F
	encWFE      = 0xD503205F
	encLdrStrMask  = 0x3B000000
	encLdrStrValue = 0x39000000
)

// Enter implements armcore.GuestRunner.
func (r *SyntheticRunner) Enter(_ context.Context, regs *Context) (TrapVector, error) {
	insn, ok := r.fetch32(regs.PC)
	if !ok {
		return TrapSynchronous, fmt.Errorf("armcore: synthetic guest fetch out of bounds at pc=%#x", regs.PC)
	}

	switch {
	case insn == encWFI:
		regs.EsrEL2 = uint64(ECWFxTrap) << 26 // ISS bit0=0 => WFI
		return TrapSynchronous, nil
	case insn == encWFE:
		regs.EsrEL2 = (uint64(ECWFxTrap) << 26) | 1 // ISS bit0=1 => WFE
		return TrapSynchronous, nil
	case insn&encHVCMask == encHVCValue:
		imm16 := (insn >> 5) & 0xFFFF
		regs.EsrEL2 = (uint64(ECHVC) << 26) | uint64(imm16)
		return TrapSynchronous, nil
	case insn&encSMCMask == encSMCValue:
		imm16 := (insn >> 5) & 0xFFFF
		regs.EsrEL2 = (uint64(ECSMC) << 26) | uint64(imm16)
		return TrapSynchronous, nil
	case insn&encLdrStrMask == encLdrStrValue:
		return TrapSynchronous, r.trapDataAbort(regs, insn)
	default:
		regs.EsrEL2 = 0 // EC=0, "Unknown" — the Synchronous vector tag still disambiguates it from IRQ.
		return TrapSynchronous, nil
	}
}

// trapDataAbort synthesizes an ISV=1 Data Abort ESR_EL2 for a 32-bit
// unsigned-immediate LDR/STR, following the same field layout
// original_source/src/arch/aarch64/hypervisor/decode.rs reads out of a real
// ESR_EL2.
func (r *SyntheticRunner) trapDataAbort(regs *Context, insn uint32) error {
	size := (insn >> 30) & 0x3 // 0=byte,1=half,2=word,3=dword
	rt := insn & 0x1F
	isLoad := (insn>>22)&0x1 == 1
	imm12 := (insn >> 10) & 0xFFF
	rn := (insn >> 5) & 0x1F

	var base uint64
	switch rn {
	case 31:
		base = regs.SP
	default:
		base = regs.X[rn]
	}
	addr := base + uint64(imm12)<<size

	const (
		issISV = 1 << 24
		issSF  = 1 << 15
	)
	var wnr uint64
	if !isLoad {
		wnr = 1 << 6
	}
	var sf uint64
	if size == 3 {
		sf = issSF
	}
	iss := uint64(issISV) | (uint64(size) << 22) | wnr | sf | (uint64(rt) << 16)

	regs.EsrEL2 = (uint64(ECDataAbort) << 26) | iss
	regs.FarEL2 = addr
	return nil
}
