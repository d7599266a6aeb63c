// Package vtimer models the ARM generic timer state this hypervisor must
// virtualize: the guest-visible virtual timer (CNTV_CTL_EL0/CNTV_CVAL_EL0,
// offset by CNTVOFF_EL2) and the hypervisor's own ~10ms hypervisor-timer
// preemption watchdog. Grounded on original_source/src/arch/aarch64/timer.rs.
package vtimer

import "sync"

// Control bits, CNTV_CTL_EL0 / CNTP_CTL_EL0 layout.
const (
	CtlEnable uint64 = 1 << 0
	CtlMask   uint64 = 1 << 1
	CtlISTATUS uint64 = 1 << 2
)

// DefaultFreqHz is the CNTFRQ_EL0 QEMU's virt board programs by default.
const DefaultFreqHz uint64 = 62_500_000

// PreemptionIntervalFraction is the 1/100 divisor original_source/src/arch/
// aarch64/timer.rs's arm_preemption_timer() uses to arm a ~10ms hypervisor
// timer tick (freq/100 ticks away).
const PreemptionIntervalFraction = 100

// VirtualTimer is one vCPU's virtual timer state.
type VirtualTimer struct {
	mu     sync.Mutex
	freq   uint64
	ctl    uint64
	cval   uint64
	cntvoff uint64
}

// New returns a virtual timer ticking at freqHz, disabled, with no offset.
func New(freqHz uint64) *VirtualTimer {
	if freqHz == 0 {
		freqHz = DefaultFreqHz
	}
	return &VirtualTimer{freq: freqHz}
}

// SetOffset sets CNTVOFF_EL2: the delta subtracted from the physical
// counter to produce CNTVCT_EL0, used to give a migrated/paused VM a
// continuous virtual timeline.
func (t *VirtualTimer) SetOffset(offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cntvoff = offset
}

// WriteCtl stores a guest write to CNTV_CTL_EL0. ISTATUS (bit 2) is
// read-only from the guest's perspective and is recomputed by Tick, so any
// guest-supplied value for it is ignored here.
func (t *VirtualTimer) WriteCtl(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ctl = (t.ctl & CtlISTATUS) | (value &^ CtlISTATUS)
}

// ReadCtl returns the current CNTV_CTL_EL0 value, including ISTATUS.
func (t *VirtualTimer) ReadCtl() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ctl
}

// WriteCval stores a guest write to CNTV_CVAL_EL0.
func (t *VirtualTimer) WriteCval(value uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cval = value
	t.ctl &^= CtlISTATUS
}

// ReadCval returns CNTV_CVAL_EL0.
func (t *VirtualTimer) ReadCval() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cval
}

// VirtualCount returns CNTVCT_EL0 for a given physical counter reading.
func (t *VirtualTimer) VirtualCount(physicalCount uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return physicalCount - t.cntvoff
}

// Tick advances the timer's view of time to physicalCount and reports
// whether the virtual timer condition now holds: enabled, unmasked, and the
// virtual count has reached cval. This sets ISTATUS exactly as hardware
// would, so a subsequent ReadCtl observes it.
func (t *VirtualTimer) Tick(physicalCount uint64) (fire bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	vct := physicalCount - t.cntvoff
	condition := vct >= t.cval
	if condition {
		t.ctl |= CtlISTATUS
	} else {
		t.ctl &^= CtlISTATUS
	}
	return condition && t.ctl&CtlEnable != 0 && t.ctl&CtlMask == 0
}

// PreemptionTicks returns the number of physical-counter ticks the
// hypervisor preemption timer should be armed for: freq/100, a ~10ms
// scheduling quantum, matching arm_preemption_timer() in timer.rs.
func (t *VirtualTimer) PreemptionTicks() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freq / PreemptionIntervalFraction
}
