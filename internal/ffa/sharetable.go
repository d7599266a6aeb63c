package ffa

import (
	"fmt"
	"sync"

	"github.com/tinyrange/armvisor/internal/stage2"
)

// ShareRecord tracks one in-flight memory-sharing transaction: the handle
// returned to the sender, the region it covers, and whether a receiver has
// retrieved it yet. Grounded on original_source/src/ffa/memory.rs.
type ShareRecord struct {
	Handle     uint64
	SenderVM   int
	ReceiverVM int
	IPA        uint64
	Size       uint64
	Lend       bool // true for MEM_LEND (no sender access once shared), false for MEM_SHARE (RO)
	Retrieved  bool
}

// ShareTable owns the in-flight transactions for one VM system and the
// Stage-2 walkers of every participating VM, so it can enforce the
// ownership law across MEM_SHARE/LEND/RETRIEVE/RELINQUISH/RECLAIM.
type ShareTable struct {
	mu        sync.Mutex
	walkers   map[int]*stage2.Walker // VM id -> Stage-2 walker
	records   map[uint64]*ShareRecord
	nextHandle uint64
}

// NewShareTable returns an empty ShareTable for the given VM id -> Stage-2
// walker mapping.
func NewShareTable(walkers map[int]*stage2.Walker) *ShareTable {
	return &ShareTable{
		walkers:    walkers,
		records:    map[uint64]*ShareRecord{},
		nextHandle: 1,
	}
}

// Share implements MEM_SHARE (lend=false) and MEM_LEND (lend=true): the
// sender's region must currently be Owned; it transitions to SharedOwned
// with S2AP RO (share) or NONE (lend). Returns the 64-bit handle, split by
// the caller into x2(low)/x3(high) per the FF-A calling convention.
func (t *ShareTable) Share(senderVM, receiverVM int, ipa, size uint64, lend bool) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.walkers[senderVM]
	if !ok {
		return 0, fmt.Errorf("ffa: unknown sender VM %d", senderVM)
	}

	if err := t.requireOwnership(w, ipa, size, stage2.OwnershipOwned); err != nil {
		return 0, err
	}

	ap := stage2.S2APRO
	if lend {
		ap = stage2.S2APNone
	}
	if err := w.SetOwnership(ipa, size, stage2.OwnershipSharedOwned); err != nil {
		return 0, err
	}
	if err := w.SetPermission(ipa, size, ap); err != nil {
		return 0, err
	}
	w.Invalidate(ipa)

	handle := t.nextHandle
	t.nextHandle++
	t.records[handle] = &ShareRecord{
		Handle:     handle,
		SenderVM:   senderVM,
		ReceiverVM: receiverVM,
		IPA:        ipa,
		Size:       size,
		Lend:       lend,
	}
	return handle, nil
}

// Retrieve implements MEM_RETRIEVE_REQ: maps the shared region into the
// receiver's Stage-2 as SharedBorrowed/RW. If any page in the range fails
// to map, every page already installed for this call is rolled back and
// ErrDenied is returned, per spec.md §4.6/§7.
func (t *ShareTable) Retrieve(handle uint64, receiverVM int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[handle]
	if !ok {
		return fmt.Errorf("ffa: unknown handle %#x: %w", handle, errAsDenied())
	}
	if rec.ReceiverVM != receiverVM {
		return fmt.Errorf("ffa: handle %#x not addressed to VM %d: %w", handle, receiverVM, errAsDenied())
	}
	if rec.Retrieved {
		return fmt.Errorf("ffa: handle %#x already retrieved: %w", handle, errAsDenied())
	}

	recvWalker, ok := t.walkers[receiverVM]
	if !ok {
		return fmt.Errorf("ffa: unknown receiver VM %d: %w", receiverVM, errAsDenied())
	}
	senderWalker := t.walkers[rec.SenderVM]

	installed := uint64(0)
	for installed < rec.Size {
		pa, _, _, ok := senderWalker.Translate(rec.IPA + installed)
		if !ok {
			t.rollback(recvWalker, rec.IPA, installed)
			return fmt.Errorf("ffa: sender region became unmapped during retrieve: %w", errAsDenied())
		}
		if err := recvWalker.MapIdentity(pa, 4096, stage2.S2APRW, stage2.OwnershipSharedBorrow); err != nil {
			// MapIdentity requires 2MiB alignment; a 4KiB retrieve page is
			// mapped via SetOwnership/SetPermission on an already-split
			// region instead when identity-mapping a single page fails.
			if err2 := recvWalker.SetPermission(pa, 4096, stage2.S2APRW); err2 != nil {
				t.rollback(recvWalker, rec.IPA, installed)
				return fmt.Errorf("ffa: retrieve mapping failed: %w", errAsDenied())
			}
		}
		installed += 4096
	}

	rec.Retrieved = true
	return nil
}

func (t *ShareTable) rollback(w *stage2.Walker, base, installed uint64) {
	for off := uint64(0); off < installed; off += 4096 {
		_ = w.SetPermission(base+off, 4096, stage2.S2APNone)
	}
}

// Relinquish implements MEM_RELINQUISH: the receiver gives up its mapping
// and the record reverts to not-retrieved.
func (t *ShareTable) Relinquish(handle uint64, receiverVM int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[handle]
	if !ok || rec.ReceiverVM != receiverVM {
		return fmt.Errorf("ffa: unknown handle for relinquish: %w", errAsDenied())
	}
	recvWalker := t.walkers[receiverVM]
	t.rollback(recvWalker, rec.IPA, rec.Size)
	rec.Retrieved = false
	return nil
}

// Reclaim implements MEM_RECLAIM: rejects if still retrieved by a receiver,
// otherwise restores the sender's region to Owned/RW and deletes the record.
func (t *ShareTable) Reclaim(handle uint64, senderVM int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[handle]
	if !ok || rec.SenderVM != senderVM {
		return fmt.Errorf("ffa: unknown handle for reclaim: %w", errAsDenied())
	}
	if rec.Retrieved {
		return fmt.Errorf("ffa: handle %#x still retrieved: %w", handle, errAsDenied())
	}

	w := t.walkers[senderVM]
	if err := w.SetOwnership(rec.IPA, rec.Size, stage2.OwnershipOwned); err != nil {
		return err
	}
	if err := w.SetPermission(rec.IPA, rec.Size, stage2.S2APRW); err != nil {
		return err
	}
	w.Invalidate(rec.IPA)

	delete(t.records, handle)
	return nil
}

func (t *ShareTable) requireOwnership(w *stage2.Walker, ipa, size uint64, want stage2.Ownership) error {
	for off := uint64(0); off < size; off += 4096 {
		_, _, owner, ok := w.Translate(ipa + off)
		if !ok || owner != want {
			return fmt.Errorf("ffa: region at %#x is not %v: %w", ipa+off, want, errAsDenied())
		}
	}
	return nil
}
