package guestload

import (
	"encoding/binary"
	"testing"
)

// memWriter is a minimal io.WriterAt test double backed by a flat buffer
// starting at base, sized large enough for every test's addresses.
type memWriter struct {
	base uint64
	buf  []byte
}

func newMemWriter(base uint64, size int) *memWriter {
	return &memWriter{base: base, buf: make([]byte, size)}
}

func (m *memWriter) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.buf[uint64(off)-m.base:], p)
	return n, nil
}

func buildARM64Image(textOffset uint64) []byte {
	img := make([]byte, 0x40)
	binary.LittleEndian.PutUint64(img[arm64TextOffsetOffset:], textOffset)
	binary.LittleEndian.PutUint32(img[arm64ImageMagicOffset:], arm64ImageMagic)
	return img
}

func TestLoadLinuxImageEntryPointUsesTextOffset(t *testing.T) {
	const loadAddr, dtbAddr = 0x4000_0000, 0x4700_0000
	kernel := buildARM64Image(0x80000)
	dtb := []byte{0xd0, 0x0d, 0xfe, 0xed}

	mem := newMemWriter(loadAddr, 0x10_0000_00)
	res, err := Load(mem, GuestTypeLinux, Image{Kernel: kernel, DTB: dtb}, Placement{
		LoadAddr: loadAddr,
		DTBAddr:  dtbAddr,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.EntryPoint != loadAddr+0x80000 {
		t.Fatalf("expected entry %#x, got %#x", loadAddr+0x80000, res.EntryPoint)
	}
	if res.DTBAddr != dtbAddr || res.DTBSize != uint64(len(dtb)) {
		t.Fatalf("unexpected dtb placement: %+v", res)
	}
}

func TestLoadLinuxImageMissingMagicFallsBackToLoadAddr(t *testing.T) {
	const loadAddr = 0x4000_0000
	kernel := make([]byte, 0x40) // zeroed: no ARM64 Image magic present

	mem := newMemWriter(loadAddr, 0x1000)
	res, err := Load(mem, GuestTypeLinux, Image{Kernel: kernel, DTB: []byte{1}}, Placement{
		LoadAddr: loadAddr,
		DTBAddr:  loadAddr + 0x800,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.EntryPoint != loadAddr {
		t.Fatalf("expected entry to fall back to load addr, got %#x", res.EntryPoint)
	}
}

func TestLoadLinuxWithoutDTBFails(t *testing.T) {
	mem := newMemWriter(0x4000_0000, 0x1000)
	_, err := Load(mem, GuestTypeLinux, Image{Kernel: make([]byte, 0x40)}, Placement{LoadAddr: 0x4000_0000})
	if err == nil {
		t.Fatalf("expected error for linux guest with no DTB")
	}
}

func TestLoadRawELFUsesEntryField(t *testing.T) {
	const loadAddr = 0x4000_0000
	kernel := make([]byte, 0x20)
	copy(kernel[0:4], []byte{0x7F, 'E', 'L', 'F'})
	binary.LittleEndian.PutUint64(kernel[0x18:], loadAddr+0x1000)

	mem := newMemWriter(loadAddr, 0x2000)
	res, err := Load(mem, GuestTypeRaw, Image{Kernel: kernel}, Placement{LoadAddr: loadAddr})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.EntryPoint != loadAddr+0x1000 {
		t.Fatalf("expected entry %#x, got %#x", loadAddr+0x1000, res.EntryPoint)
	}
}

func TestLoadRawBranchInstructionFollowed(t *testing.T) {
	const loadAddr = 0x4000_0000
	// "b #0x40": opcode 0b000101, imm26 = 0x40/4 = 0x10.
	var insn uint32 = 0b000101 << 26
	insn |= 0x10
	kernel := make([]byte, 4)
	binary.LittleEndian.PutUint32(kernel, insn)

	mem := newMemWriter(loadAddr, 0x1000)
	res, err := Load(mem, GuestTypeRaw, Image{Kernel: kernel}, Placement{LoadAddr: loadAddr})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.EntryPoint != loadAddr+0x40 {
		t.Fatalf("expected entry %#x, got %#x", loadAddr+0x40, res.EntryPoint)
	}
}

func TestLoadRawNoRecognizableHeaderUsesLoadAddr(t *testing.T) {
	const loadAddr = 0x4000_0000
	kernel := make([]byte, 4) // all-zero word: not ELF, not a B instruction

	mem := newMemWriter(loadAddr, 0x1000)
	res, err := Load(mem, GuestTypeRaw, Image{Kernel: kernel}, Placement{LoadAddr: loadAddr})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.EntryPoint != loadAddr {
		t.Fatalf("expected entry %#x, got %#x", loadAddr, res.EntryPoint)
	}
}

func TestLoadCopiesInitrd(t *testing.T) {
	const loadAddr, initrdAddr = 0x4000_0000, 0x4900_0000
	kernel := buildARM64Image(0)
	initrd := []byte{1, 2, 3, 4}

	mem := newMemWriter(loadAddr, 0x1100_0000)
	res, err := Load(mem, GuestTypeLinux, Image{Kernel: kernel, DTB: []byte{0}, Initrd: initrd}, Placement{
		LoadAddr:   loadAddr,
		DTBAddr:    loadAddr + 0x800,
		InitrdAddr: initrdAddr,
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if res.InitrdAddr != initrdAddr || res.InitrdSize != uint64(len(initrd)) {
		t.Fatalf("unexpected initrd placement: %+v", res)
	}
}
