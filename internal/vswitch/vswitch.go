// Package vswitch implements a self-contained L2 MAC-learning switch
// connecting virtio-net ports, plus the per-port SPSC RX ring each port
// drains from outside the hypervisor's device lock.
package vswitch

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MaxFrameSize is the largest Ethernet frame this switch forwards (no
// jumbo frames), matching spec.md's virtio-net MTU assumption.
const MaxFrameSize = 1514

// ringSize is the ring depth per port: 8 usable slots plus one sentinel
// slot for SPSC full/empty disambiguation.
const ringSize = 9

// macTableSize bounds the learned-address table; once full, new addresses
// are dropped rather than evicting an existing entry (matches the
// original's "no eviction in V1").
const macTableSize = 16

// Ring is a single-producer/single-consumer frame queue. The producer is
// Switch.Forward (called while the switch's own lock is held during a
// guest TX), the consumer is whatever run loop drains a port's inbound
// traffic (outside that lock) — grounded on
// original_source/src/vswitch.rs's NetRxRing, translated from its raw
// head/tail AtomicUsize pair into the same pattern via sync/atomic.
type Ring struct {
	slots    [ringSize][MaxFrameSize]byte
	lens     [ringSize]uint32
	head     atomic.Uint64 // consumer reads from here
	tail     atomic.Uint64 // producer writes here
}

// NewRing allocates an empty ring.
func NewRing() *Ring {
	return &Ring{}
}

// Store enqueues frame for the consumer. Returns false if the ring is
// full or frame doesn't fit.
func (r *Ring) Store(frame []byte) bool {
	if len(frame) == 0 || len(frame) > MaxFrameSize {
		return false
	}
	tail := r.tail.Load()
	next := (tail + 1) % ringSize
	if next == r.head.Load() {
		return false // full
	}
	copy(r.slots[tail][:], frame)
	r.lens[tail] = uint32(len(frame))
	r.tail.Store(next)
	return true
}

// Take dequeues the oldest frame into buf, returning its length. Returns
// false if the ring is empty.
func (r *Ring) Take(buf []byte) (int, bool) {
	head := r.head.Load()
	if head == r.tail.Load() {
		return 0, false // empty
	}
	n := int(r.lens[head])
	copied := copy(buf, r.slots[head][:n])
	r.head.Store((head + 1) % ringSize)
	return copied, true
}

// Empty reports whether the ring currently has no frames queued, for a
// fast-path skip in a polling consumer.
func (r *Ring) Empty() bool {
	return r.head.Load() == r.tail.Load()
}

type macEntry struct {
	mac  [6]byte
	port int
}

// Switch is an L2 virtual switch with MAC learning between virtio-net
// ports. Forwarding logic: learn src_mac -> src_port; if dst is
// broadcast/multicast, flood all ports but the source; else look up
// dst_mac and deliver to its learned port, flooding on a miss. Grounded
// on original_source/src/vswitch.rs's VSwitch.
type Switch struct {
	mu    sync.Mutex
	ports map[int]*Ring
	table []macEntry
}

// New creates an empty switch with no ports attached.
func New() *Switch {
	return &Switch{ports: make(map[int]*Ring)}
}

// AddPort registers portID (typically a VM ID) with its own RX ring and
// returns it for the port owner to drain.
func (s *Switch) AddPort(portID int) *Ring {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := NewRing()
	s.ports[portID] = ring
	return ring
}

// RemovePort detaches portID, e.g. on VM teardown.
func (s *Switch) RemovePort(portID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ports, portID)
	for i := range s.table {
		if s.table[i].port == portID {
			s.table = append(s.table[:i], s.table[i+1:]...)
			break
		}
	}
}

// Forward learns frame's source MAC against srcPort and delivers it per
// the switch's forwarding rules. Dropped silently if frame is too short
// to carry an Ethernet header or if every destination port is full.
func (s *Switch) Forward(srcPort int, frame []byte) {
	if len(frame) < 14 {
		return
	}
	dstMAC := frame[0:6]
	srcMAC := frame[6:12]

	s.mu.Lock()
	defer s.mu.Unlock()

	s.learnLocked(srcMAC, srcPort)

	if dstMAC[0]&1 != 0 {
		s.floodLocked(srcPort, frame)
		return
	}

	if dstPort, ok := s.lookupLocked(dstMAC); ok {
		if dstPort != srcPort {
			if ring, ok := s.ports[dstPort]; ok {
				ring.Store(frame)
			}
		}
		return
	}

	s.floodLocked(srcPort, frame)
}

func (s *Switch) learnLocked(mac []byte, portID int) {
	for i := range s.table {
		if macEqual(s.table[i].mac, mac) {
			s.table[i].port = portID
			return
		}
	}
	if len(s.table) >= macTableSize {
		return // table full, no eviction
	}
	var entry macEntry
	copy(entry.mac[:], mac)
	entry.port = portID
	s.table = append(s.table, entry)
}

func (s *Switch) lookupLocked(mac []byte) (int, bool) {
	for i := range s.table {
		if macEqual(s.table[i].mac, mac) {
			return s.table[i].port, true
		}
	}
	return 0, false
}

func (s *Switch) floodLocked(srcPort int, frame []byte) {
	for portID, ring := range s.ports {
		if portID != srcPort {
			ring.Store(frame)
		}
	}
}

func macEqual(a [6]byte, b []byte) bool {
	if len(b) != 6 {
		return false
	}
	for i := 0; i < 6; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Drain copies up to len(buf) bytes of the next queued frame for portID
// into buf. Returns (0, false, nil) if the port has nothing queued or
// doesn't exist.
func (s *Switch) Drain(portID int, buf []byte) (int, bool, error) {
	s.mu.Lock()
	ring, ok := s.ports[portID]
	s.mu.Unlock()
	if !ok {
		return 0, false, fmt.Errorf("vswitch: unknown port %d", portID)
	}
	n, ok := ring.Take(buf)
	return n, ok, nil
}
