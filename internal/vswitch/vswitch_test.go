package vswitch

import "testing"

func ethFrame(dst, src [6]byte, payload ...byte) []byte {
	frame := make([]byte, 14+len(payload))
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	copy(frame[14:], payload)
	return frame
}

var (
	macA = [6]byte{0x02, 0, 0, 0, 0, 0x01}
	macB = [6]byte{0x02, 0, 0, 0, 0, 0x02}
	broadcast = [6]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
)

func TestForwardLearnsAndDeliversUnicast(t *testing.T) {
	sw := New()
	ringA := sw.AddPort(0)
	ringB := sw.AddPort(1)
	_ = ringA

	// B->A announces B's presence on port 1.
	sw.Forward(1, ethFrame(macA, macB, 1, 2, 3))

	// Now A sends to B; switch should have learned port 1 for macB.
	sw.Forward(0, ethFrame(macB, macA, 9))

	var buf [MaxFrameSize]byte
	n, ok := ringB.Take(buf[:])
	if !ok {
		t.Fatalf("expected a frame queued for port 1")
	}
	if n != 15 || buf[14] != 9 {
		t.Fatalf("unexpected frame contents: n=%d buf=%v", n, buf[:n])
	}
}

func TestForwardFloodsUnknownUnicast(t *testing.T) {
	sw := New()
	ringA := sw.AddPort(0)
	ringB := sw.AddPort(1)
	ringC := sw.AddPort(2)

	sw.Forward(0, ethFrame(macB, macA))

	if !ringA.Empty() {
		t.Fatalf("source port should never receive its own frame")
	}
	if ringB.Empty() {
		t.Fatalf("expected port 1 to receive the flooded frame")
	}
	if ringC.Empty() {
		t.Fatalf("expected port 2 to receive the flooded frame")
	}
}

func TestForwardFloodsBroadcast(t *testing.T) {
	sw := New()
	sw.AddPort(0)
	ringB := sw.AddPort(1)

	sw.Forward(0, ethFrame(broadcast, macA))

	if ringB.Empty() {
		t.Fatalf("expected broadcast to reach port 1")
	}
}

func TestForwardDropsTooShortFrame(t *testing.T) {
	sw := New()
	ringB := sw.AddPort(1)
	sw.Forward(0, []byte{1, 2, 3})
	if !ringB.Empty() {
		t.Fatalf("expected short frame to be dropped, not forwarded")
	}
}

func TestRingFullReturnsFalse(t *testing.T) {
	r := NewRing()
	frame := make([]byte, 64)
	stored := 0
	for r.Store(frame) {
		stored++
		if stored > ringSize+1 {
			t.Fatalf("ring accepted more than its capacity")
		}
	}
	if stored != ringSize-1 {
		t.Fatalf("expected %d usable slots, stored %d", ringSize-1, stored)
	}
}

func TestRingOversizeFrameRejected(t *testing.T) {
	r := NewRing()
	if r.Store(make([]byte, MaxFrameSize+1)) {
		t.Fatalf("expected oversize frame to be rejected")
	}
}

func TestDrainUnknownPortErrors(t *testing.T) {
	sw := New()
	var buf [64]byte
	if _, _, err := sw.Drain(5, buf[:]); err == nil {
		t.Fatalf("expected error for unknown port")
	}
}
