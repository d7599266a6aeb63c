package mmiodecode

import "testing"

func TestDecodeISS(t *testing.T) {
	// 32-bit store, Rt=x1, not sign-extended, not 64-bit.
	iss := uint64(issISVMask) | (2 << issSASShift) | (1 << issSRTShift) | issWnR
	acc, ok := DecodeISS(iss)
	if !ok {
		t.Fatal("expected ISV=1 path to decode")
	}
	if acc.Size != 4 || acc.Register != 1 || !acc.Write || acc.SignExtend || acc.Reg64 {
		t.Fatalf("unexpected decode: %+v", acc)
	}
}

func TestDecodeISSNotValid(t *testing.T) {
	if _, ok := DecodeISS(0); ok {
		t.Fatal("ISV=0 must not decode via DecodeISS")
	}
}

func TestDecodeInstructionStrImmediate(t *testing.T) {
	// str w1, [x19] — 32-bit STR unsigned immediate, Rn=19, Rt=1, imm12=0.
	// size=10 (bits31:30), 111001 00 imm12 Rn Rt -> opcode base 0xB9000000 for 32-bit
	// unsigned immediate STR is 0xB9000000 | (Rn<<5) | Rt
	insn := uint32(0xB9000000) | (19 << 5) | 1
	acc, err := DecodeInstruction(insn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if acc.Size != 4 || acc.Register != 1 || !acc.Write {
		t.Fatalf("unexpected decode: %+v", acc)
	}
}

func TestDecodeInstructionUnsupported(t *testing.T) {
	if _, err := DecodeInstruction(0xDEADBEEF); err == nil {
		t.Fatal("expected ErrUnsupportedForm")
	}
}

func TestDecodeInstructionIdempotent(t *testing.T) {
	insn := uint32(0xB9400000) | (19 << 5) | 1 // ldr w1, [x19]
	a1, err1 := DecodeInstruction(insn)
	a2, err2 := DecodeInstruction(insn)
	if err1 != nil || err2 != nil || a1 != a2 {
		t.Fatalf("decode not idempotent: %+v/%v vs %+v/%v", a1, err1, a2, err2)
	}
}
