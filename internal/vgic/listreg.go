package vgic

import "sync"

const numListRegisters = 4

// LRState is a GICv3 list register's software state: a pending or active
// virtual interrupt queued for injection into one vCPU.
type LRState struct {
	Valid    bool
	Pending  bool
	Active   bool
	Group1   bool
	Priority uint8
	VINTID   uint32
}

// ListRegisters models a vCPU's 4 list registers plus a FIFO queue of
// deferred SGI/SPI INTIDs used when all 4 are occupied: an interrupt that
// cannot be injected this entry is retried on the next one rather than
// dropped.
type ListRegisters struct {
	mu      sync.Mutex
	lrs     [numListRegisters]LRState
	pending []uint32 // deferred INTIDs, retried in FIFO order
}

// Inject places intid into a free list register, or defers it if all four
// are occupied.
func (l *ListRegisters) Inject(intid uint32, priority uint8, group1 bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.lrs {
		if !l.lrs[i].Valid {
			l.lrs[i] = LRState{Valid: true, Pending: true, Group1: group1, Priority: priority, VINTID: intid}
			return
		}
	}
	l.pending = append(l.pending, intid)
}

// RetryDeferred attempts to drain the deferred pending queue into any list
// registers freed since the last entry. Call this once per guest entry,
// before resuming the vCPU, per spec.md §4.3's "retried next entry" policy.
func (l *ListRegisters) RetryDeferred(defaultPriority uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var remaining []uint32
	for _, intid := range l.pending {
		placed := false
		for i := range l.lrs {
			if !l.lrs[i].Valid {
				l.lrs[i] = LRState{Valid: true, Pending: true, Group1: true, Priority: defaultPriority, VINTID: intid}
				placed = true
				break
			}
		}
		if !placed {
			remaining = append(remaining, intid)
		}
	}
	l.pending = remaining
}

// Snapshot returns a copy of the current list register state, e.g. for
// saving ICH_LR0-3_EL2 into armcore.ExtendedState before a world switch.
func (l *ListRegisters) Snapshot() [numListRegisters]LRState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lrs
}

// Restore replaces the list register state, e.g. after a world switch
// reports which entries the guest consumed (transitioned Pending->Active or
// were EOI'd and invalidated).
func (l *ListRegisters) Restore(lrs [numListRegisters]LRState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lrs = lrs
}
