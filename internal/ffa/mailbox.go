package ffa

import (
	"encoding/binary"
	"fmt"
)

// Memory-transaction descriptor layout, spec.md §6. All offsets are read
// with explicit little-endian accessors rather than a struct overlay so
// unaligned guest-supplied buffers decode correctly, and every offset is
// bounds-checked against the buffer length before use. Grounded on
// original_source/src/ffa/{mailbox,memory}.rs and spec.md §6.
const (
	memRegionHeaderSize  = 48
	receiverDescSize     = 16
	compositeHeaderSize  = 16
	addressRangeSize     = 16
)

// MemoryRegionHeader is the top-level 48-byte descriptor.
type MemoryRegionHeader struct {
	Sender          uint16
	Attributes      uint16
	Flags           uint32
	Handle          uint64
	Tag             uint64
	ReceiverCount   uint32
	ReceiversOffset uint32
}

// ReceiverDescriptor is the 16-byte per-receiver access descriptor.
type ReceiverDescriptor struct {
	Receiver        uint16
	Permissions     uint8
	Flags           uint8
	CompositeOffset uint32
}

// CompositeHeader is the 16-byte composite memory region header.
type CompositeHeader struct {
	TotalPageCount uint32
	RangeCount     uint32
}

// AddressRange is one 16-byte constituent memory region entry.
type AddressRange struct {
	Address   uint64
	PageCount uint32
}

func need(buf []byte, off, size int) error {
	if off < 0 || size < 0 || off+size > len(buf) {
		return fmt.Errorf("ffa: descriptor offset %d+%d exceeds buffer length %d", off, size, len(buf))
	}
	return nil
}

// ParseMemoryRegionHeader reads the top-level descriptor from buf.
func ParseMemoryRegionHeader(buf []byte) (MemoryRegionHeader, error) {
	if err := need(buf, 0, memRegionHeaderSize); err != nil {
		return MemoryRegionHeader{}, err
	}
	return MemoryRegionHeader{
		Sender:          binary.LittleEndian.Uint16(buf[0:2]),
		Attributes:      binary.LittleEndian.Uint16(buf[2:4]),
		Flags:           binary.LittleEndian.Uint32(buf[4:8]),
		Handle:          binary.LittleEndian.Uint64(buf[8:16]),
		Tag:             binary.LittleEndian.Uint64(buf[16:24]),
		ReceiverCount:   binary.LittleEndian.Uint32(buf[24:28]),
		ReceiversOffset: binary.LittleEndian.Uint32(buf[28:32]),
	}, nil
}

// ParseReceiverDescriptor reads the idx'th receiver access descriptor,
// located at hdr.ReceiversOffset + idx*16.
func ParseReceiverDescriptor(buf []byte, hdr MemoryRegionHeader, idx int) (ReceiverDescriptor, error) {
	off := int(hdr.ReceiversOffset) + idx*receiverDescSize
	if err := need(buf, off, receiverDescSize); err != nil {
		return ReceiverDescriptor{}, err
	}
	return ReceiverDescriptor{
		Receiver:        binary.LittleEndian.Uint16(buf[off : off+2]),
		Permissions:     buf[off+2],
		Flags:           buf[off+3],
		CompositeOffset: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
	}, nil
}

// ParseComposite reads the composite header at the given offset and its
// address ranges immediately following it.
func ParseComposite(buf []byte, offset uint32) (CompositeHeader, []AddressRange, error) {
	off := int(offset)
	if err := need(buf, off, compositeHeaderSize); err != nil {
		return CompositeHeader{}, nil, err
	}
	hdr := CompositeHeader{
		TotalPageCount: binary.LittleEndian.Uint32(buf[off : off+4]),
		RangeCount:     binary.LittleEndian.Uint32(buf[off+4 : off+8]),
	}

	ranges := make([]AddressRange, 0, hdr.RangeCount)
	base := off + compositeHeaderSize
	for i := 0; i < int(hdr.RangeCount); i++ {
		rOff := base + i*addressRangeSize
		if err := need(buf, rOff, addressRangeSize); err != nil {
			return CompositeHeader{}, nil, err
		}
		ranges = append(ranges, AddressRange{
			Address:   binary.LittleEndian.Uint64(buf[rOff : rOff+8]),
			PageCount: binary.LittleEndian.Uint32(buf[rOff+8 : rOff+12]),
		})
	}
	return hdr, ranges, nil
}

// Mailbox is a VM's RX/TX buffer pair, registered via FFA_RXTX_MAP and used
// to carry the descriptors above for PARTITION_INFO_GET and the
// MEM_*-with-descriptor calls.
type Mailbox struct {
	RXIPA, TXIPA uint64
	PageCount    uint32
	Mapped       bool
	RXOwnedByHV  bool // true until the VM calls FFA_RX_RELEASE
}
