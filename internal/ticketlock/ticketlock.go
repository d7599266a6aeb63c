// Package ticketlock implements the one deliberately-global lock spec.md §5
// reserves for state that is genuinely shared across physical CPUs: the
// virtual switch's per-port RX rings and the FF-A share table. Everything
// else in this module is single-writer by construction (one goroutine per
// pCPU, one device manager per VM) and must not reach for this lock.
//
// Grounded on original_source/src/sync.rs's ticket spinlock (CAS-free
// fetch-add ticket counter, spin-wait on "now serving", SEV-equivalent
// wakeup on release). The hardware WFE/SEV pair has no meaning for a
// goroutine, so waiters here yield the scheduler instead of spinning tight,
// and release broadcasts through a condition variable instead of SEV.
package ticketlock

import "sync"

// TicketLock is a FIFO mutual-exclusion lock: the Nth caller to call Lock
// is guaranteed to be the Nth to acquire it, unlike sync.Mutex which makes
// no ordering guarantee under contention.
type TicketLock struct {
	mu           sync.Mutex
	cond         *sync.Cond
	nextTicket   uint64
	nowServing   uint64
}

// New returns a ready-to-use TicketLock.
func New() *TicketLock {
	l := &TicketLock{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Lock acquires the lock, blocking until this caller's ticket is served.
func (l *TicketLock) Lock() {
	l.mu.Lock()
	ticket := l.nextTicket
	l.nextTicket++
	for l.nowServing != ticket {
		l.cond.Wait()
	}
	l.mu.Unlock()
}

// Unlock releases the lock and wakes all waiters so the next ticket holder
// can notice it is now being served.
func (l *TicketLock) Unlock() {
	l.mu.Lock()
	l.nowServing++
	l.mu.Unlock()
	l.cond.Broadcast()
}
