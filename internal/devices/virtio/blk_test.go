package virtio

import (
	"encoding/binary"
	"os"
	"testing"
)

const (
	testBlkDescAddr  = 0x10000
	testBlkAvailAddr = 0x11000
	testBlkUsedAddr  = 0x12000
	testBlkDataAddr  = 0x13000
	testBlkHdrAddr   = 0x14000
)

// writeBlkDescriptorAt writes one virtqueue descriptor at the given index.
func writeBlkDescriptorAt(vm *mockVM, idx uint16, addr uint64, length uint32, flags, next uint16) {
	base := testBlkDescAddr + int64(idx)*16
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], addr)
	binary.LittleEndian.PutUint32(buf[8:12], length)
	binary.LittleEndian.PutUint16(buf[12:14], flags)
	binary.LittleEndian.PutUint16(buf[14:16], next)
	vm.WriteAt(buf[:], base)
}

func writeBlkAvail(vm *mockVM, idx uint16, heads ...uint16) {
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:2], 0)
	binary.LittleEndian.PutUint16(hdr[2:4], idx)
	vm.WriteAt(hdr[:], testBlkAvailAddr)
	for i, head := range heads {
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], head)
		vm.WriteAt(buf[:], testBlkAvailAddr+4+int64(i)*2)
	}
}

func readBlkUsedEntry(vm *mockVM, ring uint16) (id uint32, length uint32) {
	var buf [8]byte
	vm.ReadAt(buf[:], testBlkUsedAddr+4+int64(ring)*8)
	return binary.LittleEndian.Uint32(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8])
}

func readBlkUsedIdx(vm *mockVM) uint16 {
	var buf [2]byte
	vm.ReadAt(buf[:], testBlkUsedAddr+2)
	return binary.LittleEndian.Uint16(buf[:])
}

// newTestBlkDevice builds a Blk device backed by a one-sector temp file
// filled with a recognizable pattern, and negotiates a single ready queue
// at fixed guest addresses, mirroring what a driver's MMIO register
// sequence (QUEUE_NUM, QUEUE_DESC/AVAIL/USED, QUEUE_READY) would do.
func newTestBlkDevice(t *testing.T, readonly bool, sectorFill byte) (*Blk, *mockVM, *os.File) {
	t.Helper()

	f, err := os.CreateTemp(t.TempDir(), "blk-test-*.img")
	if err != nil {
		t.Fatalf("create temp disk: %v", err)
	}
	sector := make([]byte, 512)
	for i := range sector {
		sector[i] = sectorFill
	}
	if _, err := f.Write(sector); err != nil {
		t.Fatalf("write sector: %v", err)
	}

	vm := newMockVM()
	blk, err := NewBlkForBusSlot(vm, BlkDefaultMMIOBase, BlkDefaultIRQLine, NewBlkTemplate(f, readonly))
	if err != nil {
		t.Fatalf("NewBlkForBusSlot: %v", err)
	}

	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_SEL, 0)
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_NUM, 8)
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_DESC_LOW, uint32(testBlkDescAddr))
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_DESC_HIGH, 0)
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_AVAIL_LOW, uint32(testBlkAvailAddr))
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_AVAIL_HIGH, 0)
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_USED_LOW, uint32(testBlkUsedAddr))
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_USED_HIGH, 0)
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_READY, 1)

	return blk, vm, f
}

func mmioWrite32Blk(t *testing.T, dev *Blk, offset uint64, value uint32) {
	t.Helper()
	var data [4]byte
	binary.LittleEndian.PutUint32(data[:], value)
	if err := dev.WriteMMIO(nil, BlkDefaultMMIOBase+offset, data[:]); err != nil {
		t.Fatalf("MMIO write offset %#x failed: %v", offset, err)
	}
}

func mmioRead32Blk(t *testing.T, dev *Blk, offset uint64) uint32 {
	t.Helper()
	var data [4]byte
	if err := dev.ReadMMIO(nil, BlkDefaultMMIOBase+offset, data[:]); err != nil {
		t.Fatalf("MMIO read offset %#x failed: %v", offset, err)
	}
	return binary.LittleEndian.Uint32(data[:])
}

func TestBlkIdentification(t *testing.T) {
	blk, _, f := newTestBlkDevice(t, true, 0xAB)
	defer f.Close()

	if got := mmioRead32Blk(t, blk, VIRTIO_MMIO_MAGIC_VALUE); got != 0x74726976 {
		t.Fatalf("magic value = %#x, want %#x", got, 0x74726976)
	}
	if got := mmioRead32Blk(t, blk, VIRTIO_MMIO_DEVICE_ID); got != blkDeviceID {
		t.Fatalf("device id = %d, want %d", got, blkDeviceID)
	}
}

// TestBlkReadSectorZero exercises spec.md §8 scenario 3: a virtio-blk READ
// of sector 0 copies the 512-byte sector into the data buffer, sets
// status=VIRTIO_BLK_S_OK, and publishes a used-ring entry with len=513
// (512 data bytes + the 1 status byte).
func TestBlkReadSectorZero(t *testing.T) {
	blk, vm, f := newTestBlkDevice(t, true, 0xCD)
	defer f.Close()

	// Header: {reqType=VIRTIO_BLK_T_IN, reserved=0, sector=0}
	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], VIRTIO_BLK_T_IN)
	binary.LittleEndian.PutUint32(hdr[4:8], 0)
	binary.LittleEndian.PutUint64(hdr[8:16], 0)
	vm.WriteAt(hdr[:], testBlkHdrAddr)

	// Descriptor chain: header (ro) -> data (wo, 512B) -> status (wo, 1B).
	writeBlkDescriptorAt(vm, 0, testBlkHdrAddr, 16, testVirtqDescFNext, 1)
	writeBlkDescriptorAt(vm, 1, testBlkDataAddr, 512, testVirtqDescFNext|testVirtqDescFWrite, 2)
	writeBlkDescriptorAt(vm, 2, testBlkDataAddr+512, 1, testVirtqDescFWrite, 0)

	writeBlkAvail(vm, 1, 0)

	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	var data [512]byte
	if _, err := vm.ReadAt(data[:], testBlkDataAddr); err != nil {
		t.Fatalf("read back data buffer: %v", err)
	}
	for i, b := range data {
		if b != 0xCD {
			t.Fatalf("data[%d] = %#x, want 0xcd", i, b)
		}
	}

	var status [1]byte
	if _, err := vm.ReadAt(status[:], testBlkDataAddr+512); err != nil {
		t.Fatalf("read back status byte: %v", err)
	}
	if status[0] != VIRTIO_BLK_S_OK {
		t.Fatalf("status = %d, want VIRTIO_BLK_S_OK (0)", status[0])
	}

	if idx := readBlkUsedIdx(vm); idx != 1 {
		t.Fatalf("used idx = %d, want 1", idx)
	}
	usedID, usedLen := readBlkUsedEntry(vm, 0)
	if usedID != 0 {
		t.Fatalf("used entry id = %d, want 0 (head)", usedID)
	}
	if usedLen != 513 {
		t.Fatalf("used entry len = %d, want 513 (512 data + 1 status)", usedLen)
	}
}

// TestBlkWriteReadOnlyRejected verifies a write request against a
// read-only-backed device fails with VIRTIO_BLK_S_IOERR rather than
// silently succeeding.
func TestBlkWriteReadOnlyRejected(t *testing.T) {
	blk, vm, f := newTestBlkDevice(t, true, 0x00)
	defer f.Close()

	var hdr [16]byte
	binary.LittleEndian.PutUint32(hdr[0:4], VIRTIO_BLK_T_OUT)
	binary.LittleEndian.PutUint64(hdr[8:16], 0)
	vm.WriteAt(hdr[:], testBlkHdrAddr)

	payload := make([]byte, 512)
	for i := range payload {
		payload[i] = 0xEF
	}
	vm.WriteAt(payload, testBlkDataAddr)

	writeBlkDescriptorAt(vm, 0, testBlkHdrAddr, 16, testVirtqDescFNext, 1)
	writeBlkDescriptorAt(vm, 1, testBlkDataAddr, 512, testVirtqDescFNext, 2)
	writeBlkDescriptorAt(vm, 2, testBlkDataAddr+512, 1, testVirtqDescFWrite, 0)

	writeBlkAvail(vm, 1, 0)
	mmioWrite32Blk(t, blk, VIRTIO_MMIO_QUEUE_NOTIFY, 0)

	var status [1]byte
	if _, err := vm.ReadAt(status[:], testBlkDataAddr+512); err != nil {
		t.Fatalf("read back status byte: %v", err)
	}
	if status[0] != VIRTIO_BLK_S_IOERR {
		t.Fatalf("status = %d, want VIRTIO_BLK_S_IOERR on read-only write attempt", status[0])
	}
}
