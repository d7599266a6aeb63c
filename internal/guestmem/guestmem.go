// Package guestmem implements the "guest-memory accessor that takes (VM,
// IPA, size) and performs bounds checking against the VM's IPA regions"
// spec.md §9 calls for, resolving the design note that descriptor parsing
// (virtio, FF-A) should not depend on Stage-2 identity-mapping as anything
// more than an implementation detail. Arena is the mmap'd backing store for
// one VM's guest RAM, grounded on
// _examples/tinyrange-cc/internal/hv/kvm/kvm.go's AllocateMemory
// (unix.Mmap(-1, 0, size, PROT_READ|PROT_WRITE, MAP_ANONYMOUS|MAP_PRIVATE));
// Accessor wraps an Arena with an internal/stage2.Walker so every access is
// translated and permission-checked the same way a real Stage-2 table walk
// would reject it.
package guestmem

import (
	"fmt"
	"io"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/armvisor/internal/stage2"
)

// Arena is one VM's guest physical RAM, backed by an anonymous mmap instead
// of a plain Go byte slice so the allocation is page-aligned and can be
// released deterministically via Close, matching the teacher's own
// mmap/munmap pairing for guest memory regions.
type Arena struct {
	buf  []byte
	base uint64
}

// NewArena mmaps size bytes of anonymous memory to back the guest physical
// address window starting at base.
func NewArena(base, size uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: zero-size arena")
	}
	buf, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("guestmem: mmap %d bytes: %w", size, err)
	}
	return &Arena{buf: buf, base: base}, nil
}

// Close unmaps the arena. Safe to call once.
func (a *Arena) Close() error {
	if a.buf == nil {
		return nil
	}
	err := unix.Munmap(a.buf)
	a.buf = nil
	return err
}

// Base returns the guest physical address the arena's first byte backs.
func (a *Arena) Base() uint64 { return a.base }

// Size returns the arena's length in bytes.
func (a *Arena) Size() uint64 { return uint64(len(a.buf)) }

// Bytes exposes the raw backing slice for bulk operations image loading
// needs (copying a kernel/DTB/initrd in before boot) that would be wasteful
// to route through ReadAt/WriteAt one page at a time.
func (a *Arena) Bytes() []byte { return a.buf }

// Accessor is a Stage-2-aware (VM, IPA, size) guest-memory accessor: it
// implements io.ReaderAt/io.WriterAt keyed by intermediate physical address,
// translating and permission-checking every access through a
// stage2.Walker rather than assuming the caller already knows the IPA is
// RAM-backed and owns the right permission.
type Accessor struct {
	arena  *Arena
	walker *stage2.Walker
}

// NewAccessor returns an Accessor over arena, permission-checked through
// walker.
func NewAccessor(arena *Arena, walker *stage2.Walker) *Accessor {
	return &Accessor{arena: arena, walker: walker}
}

// ReadAt reads len(p) bytes starting at IPA off, failing closed if the IPA
// is unmapped or not currently readable.
func (a *Accessor) ReadAt(p []byte, off int64) (int, error) {
	pa, err := a.translate(off, len(p), false)
	if err != nil {
		return 0, err
	}
	n := copy(p, a.arena.buf[pa-a.arena.base:])
	if n != len(p) {
		return n, fmt.Errorf("guestmem: short read at ipa %#x", off)
	}
	return n, nil
}

// WriteAt writes p starting at IPA off, failing closed if the IPA is
// unmapped or not currently writable.
func (a *Accessor) WriteAt(p []byte, off int64) (int, error) {
	pa, err := a.translate(off, len(p), true)
	if err != nil {
		return 0, err
	}
	n := copy(a.arena.buf[pa-a.arena.base:], p)
	if n != len(p) {
		return n, fmt.Errorf("guestmem: short write at ipa %#x", off)
	}
	return n, nil
}

func (a *Accessor) translate(off int64, length int, write bool) (uint64, error) {
	if off < 0 {
		return 0, fmt.Errorf("guestmem: negative ipa %d", off)
	}
	ipa := uint64(off)
	pa, ap, _, ok := a.walker.Translate(ipa)
	if !ok {
		return 0, fmt.Errorf("guestmem: ipa %#x not mapped", ipa)
	}
	if write && ap != stage2.S2APWO && ap != stage2.S2APRW {
		return 0, fmt.Errorf("guestmem: ipa %#x not writable (ap=%d)", ipa, ap)
	}
	if !write && ap != stage2.S2APRO && ap != stage2.S2APRW {
		return 0, fmt.Errorf("guestmem: ipa %#x not readable (ap=%d)", ipa, ap)
	}
	if pa < a.arena.base || pa-a.arena.base+uint64(length) > a.arena.Size() {
		return 0, fmt.Errorf("guestmem: ipa %#x length %d outside arena", ipa, length)
	}
	return pa, nil
}

var (
	_ io.ReaderAt = (*Accessor)(nil)
	_ io.WriterAt = (*Accessor)(nil)
)
