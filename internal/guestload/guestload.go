// Package guestload implements the ARM64-only kernel/DTB/initrd loader
// spec.md's manifest-driven boot sequence needs: copying a guest image into
// RAM and working out where execution should actually start. Grounded on
// original_source/src/guest_loader.rs's GuestConfig::linux_default/
// zephyr_default, which inspect the loaded image's header bytes directly
// (ELF e_entry, ARM64 Image text_offset, or a leading unconditional branch)
// rather than trusting a caller-supplied entry point.
package guestload

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestType distinguishes the two guest kernel formats this loader
// recognizes, matching original_source's GuestType enum.
type GuestType int

const (
	// GuestTypeRaw covers a raw binary or ELF image with no Linux boot
	// protocol expectations (e.g. a Zephyr RTOS image).
	GuestTypeRaw GuestType = iota
	// GuestTypeLinux is an ARM64 "Image" format kernel, booted with the
	// Linux/arm64 boot protocol (x0 = DTB address, x1-x3 = 0).
	GuestTypeLinux
)

// Image bundles the raw bytes of a guest's kernel, optional device tree
// blob, and optional initial ramdisk, as read from the manifest's image
// paths.
type Image struct {
	Kernel []byte
	DTB    []byte
	Initrd []byte
}

// Placement says where each of an Image's components lands in guest
// physical memory.
type Placement struct {
	LoadAddr   uint64
	DTBAddr    uint64
	InitrdAddr uint64
}

// Result is what Load worked out about the image once it was copied in.
type Result struct {
	EntryPoint uint64
	GuestType  GuestType
	// DTBAddr and DTBSize are zero if no DTB was supplied.
	DTBAddr uint64
	DTBSize uint64
	// InitrdAddr and InitrdSize are zero if no initrd was supplied.
	InitrdAddr uint64
	InitrdSize uint64
}

// arm64ImageMagicOffset/arm64ImageMagic locate the ARM64 "Image" format's
// magic number, which occupies bytes 0x38-0x3b of the header.
const (
	arm64ImageMagicOffset = 0x38
	arm64ImageMagic       = 0x644d5241 // "ARM\x64", stored little-endian
	arm64TextOffsetOffset = 0x08
	maxTextOffset         = 0x10_0000
)

// Load copies kernel (and DTB/initrd, if present) into mem at the addresses
// given by where, then determines the entry point the first vCPU should
// boot at by inspecting the kernel image's header.
func Load(mem io.WriterAt, guestType GuestType, img Image, where Placement) (Result, error) {
	if len(img.Kernel) == 0 {
		return Result{}, fmt.Errorf("guestload: empty kernel image")
	}

	if _, err := mem.WriteAt(img.Kernel, int64(where.LoadAddr)); err != nil {
		return Result{}, fmt.Errorf("guestload: write kernel: %w", err)
	}

	res := Result{GuestType: guestType}

	switch guestType {
	case GuestTypeLinux:
		entry, err := linuxEntryPoint(img.Kernel, where.LoadAddr)
		if err != nil {
			return Result{}, err
		}
		res.EntryPoint = entry

		if len(img.DTB) == 0 {
			return Result{}, fmt.Errorf("guestload: linux guest requires a DTB")
		}
		if _, err := mem.WriteAt(img.DTB, int64(where.DTBAddr)); err != nil {
			return Result{}, fmt.Errorf("guestload: write dtb: %w", err)
		}
		res.DTBAddr = where.DTBAddr
		res.DTBSize = uint64(len(img.DTB))

	case GuestTypeRaw:
		res.EntryPoint = rawEntryPoint(img.Kernel, where.LoadAddr)

	default:
		return Result{}, fmt.Errorf("guestload: unknown guest type %d", guestType)
	}

	if len(img.Initrd) > 0 {
		if _, err := mem.WriteAt(img.Initrd, int64(where.InitrdAddr)); err != nil {
			return Result{}, fmt.Errorf("guestload: write initrd: %w", err)
		}
		res.InitrdAddr = where.InitrdAddr
		res.InitrdSize = uint64(len(img.Initrd))
	}

	return res, nil
}

// linuxEntryPoint replicates GuestConfig::linux_default's header probe: an
// ARM64 Image carries its magic at offset 0x38 and a text_offset at offset
// 0x08 giving the byte distance from load_addr to the real entry point,
// when that offset is sane (0 < text_offset < 1MiB); otherwise the entry is
// load_addr itself.
func linuxEntryPoint(kernel []byte, loadAddr uint64) (uint64, error) {
	if len(kernel) < arm64ImageMagicOffset+4 {
		return 0, fmt.Errorf("guestload: kernel image too small for ARM64 Image header")
	}
	magic := binary.LittleEndian.Uint32(kernel[arm64ImageMagicOffset:])
	if magic != arm64ImageMagic {
		return loadAddr, nil
	}
	textOffset := binary.LittleEndian.Uint64(kernel[arm64TextOffsetOffset:])
	if textOffset != 0 && textOffset < maxTextOffset {
		return loadAddr + textOffset, nil
	}
	return loadAddr, nil
}

// rawEntryPoint replicates GuestConfig::zephyr_default's header probe: an
// ELF image's e_entry field (offset 0x18, absolute since these images are
// non-PIE and linked to run at load_addr) if the ELF magic is present;
// otherwise, a leading unconditional B imm26 is followed to its target;
// otherwise the entry is load_addr itself.
func rawEntryPoint(kernel []byte, loadAddr uint64) uint64 {
	if len(kernel) >= 0x18+8 && kernel[0] == 0x7F && kernel[1] == 'E' && kernel[2] == 'L' && kernel[3] == 'F' {
		return binary.LittleEndian.Uint64(kernel[0x18:])
	}
	if len(kernel) >= 4 {
		insn := binary.LittleEndian.Uint32(kernel)
		if insn>>26 == 0b000101 {
			imm26 := insn & 0x03FF_FFFF
			var offset int64
			if imm26&0x0200_0000 != 0 {
				offset = int64(int32(imm26|0xFC00_0000)) * 4
			} else {
				offset = int64(imm26) * 4
			}
			return uint64(int64(loadAddr) + offset)
		}
	}
	return loadAddr
}
