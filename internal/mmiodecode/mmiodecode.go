// Package mmiodecode decodes a trapped Data Abort into the load/store the
// guest was attempting, so internal/chipset's device bus can service it and
// the dispatcher can advance PC correctly. Grounded on
// original_source/src/arch/aarch64/hypervisor/decode.rs, which prefers the
// ISS.ISV=1 fast path (fields already extracted by hardware into ESR_EL2)
// and falls back to decoding the raw instruction word only when ISV=0.
package mmiodecode

import (
	"errors"
	"fmt"
)

// ErrUnsupportedForm is returned when neither the ISV=1 fields nor the raw
// instruction word describe a form this hypervisor emulates. Per the Open
// Question decision in DESIGN.md, an unsupported or mis-sized access is
// always rejected rather than guessed at.
var ErrUnsupportedForm = errors.New("mmiodecode: unsupported or mis-sized MMIO access form")

// Access describes a single decoded MMIO load or store.
type Access struct {
	Size       int  // access size in bytes: 1, 2, 4, or 8
	Register   uint32 // Rt/Srt: the GP register supplying/receiving the value
	Write      bool // true for a store, false for a load
	SignExtend bool // ISS.SSE: sign-extend the loaded value (loads only)
	Reg64      bool // ISS.SF: Rt is the 64-bit view of the register
}

const (
	issISVMask  = 1 << 24
	issSASShift = 22
	issSASMask  = 0x3 << issSASShift
	issSSE      = 1 << 21
	issSRTShift = 16
	issSRTMask  = 0x1F << issSRTShift
	issSFBit    = 1 << 15
	issWnR      = 1 << 6
)

// DecodeISS decodes a Data Abort access directly from ESR_EL2.ISS when
// ISS.ISV is set, the path ARMv8 hardware takes for all the load/store
// forms it is able to describe this way.
func DecodeISS(iss uint64) (Access, bool) {
	if iss&issISVMask == 0 {
		return Access{}, false
	}
	sas := (iss & issSASMask) >> issSASShift
	return Access{
		Size:       1 << sas,
		Register:   uint32((iss & issSRTMask) >> issSRTShift),
		Write:      iss&issWnR != 0,
		SignExtend: iss&issSSE != 0,
		Reg64:      iss&issSFBit != 0,
	}, true
}

// DecodeInstruction decodes the ISV=0 fallback path: the raw 32-bit
// instruction word fetched from the guest's own code at the faulting PC.
// Only the 32-bit-register unsigned-immediate LDR/STR form is supported —
// `(insn & 0x3B000000) == 0x39000000` — matching decode.rs exactly;
// anything else is ErrUnsupportedForm.
func DecodeInstruction(insn uint32) (Access, error) {
	const (
		mask  = 0x3B000000
		value = 0x39000000
	)
	if insn&mask != value {
		return Access{}, fmt.Errorf("%w: insn=%#08x", ErrUnsupportedForm, insn)
	}

	size := (insn >> 30) & 0x3
	if size == 3 {
		// bits[31:30]==0b11 for this family selects the 64-bit (X or D
		// register) unsigned immediate form, which this decoder rejects.
		return Access{}, fmt.Errorf("%w: insn=%#08x (FP/SIMD form)", ErrUnsupportedForm, insn)
	}
	rt := insn & 0x1F
	isLoad := (insn>>22)&0x1 == 1

	return Access{
		Size:     1 << size,
		Register: rt,
		Write:    !isLoad,
		Reg64:    false,
	}, nil
}
