package main

import (
	"encoding/binary"
	"testing"
)

func TestGenerateGuestDTBHeader(t *testing.T) {
	gm := GuestManifest{Name: "vm0", VCPUs: 2, Kernel: "Image"}
	blob := generateGuestDTB(gm, 256*1024*1024, 2)

	if len(blob) < 40 {
		t.Fatalf("dtb too small: %d bytes", len(blob))
	}
	const fdtMagic = 0xd00dfeed
	if got := binary.BigEndian.Uint32(blob[0:4]); got != fdtMagic {
		t.Fatalf("dtb magic = %#x, want %#x", got, fdtMagic)
	}
	totalSize := binary.BigEndian.Uint32(blob[4:8])
	if int(totalSize) != len(blob) {
		t.Fatalf("dtb totalsize header = %d, actual blob length %d", totalSize, len(blob))
	}
}

func TestGenerateGuestDTBScalesWithVirtioSlots(t *testing.T) {
	gm := GuestManifest{Name: "vm0", VCPUs: 1, Kernel: "Image"}
	withNoSlots := generateGuestDTB(gm, 128*1024*1024, 0)
	withTwoSlots := generateGuestDTB(gm, 128*1024*1024, 2)

	if len(withTwoSlots) <= len(withNoSlots) {
		t.Fatalf("expected dtb with virtio slots to be larger: %d vs %d", len(withTwoSlots), len(withNoSlots))
	}
}
