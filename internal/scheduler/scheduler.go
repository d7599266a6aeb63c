// Package scheduler implements the cooperative per-VM vCPU scheduler
// spec.md §4.5 describes: vCPU run states, round-robin pick with
// current-vCPU stickiness, and the transitions PSCI CPU_ON and interrupt
// delivery drive. Grounded on original_source/src/scheduler.rs.
package scheduler

import "sync"

// RunState is a vCPU's scheduling state.
type RunState int

const (
	StateNone RunState = iota
	StateReady
	StateRunning
	StateBlocked
)

func (s RunState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateBlocked:
		return "Blocked"
	default:
		return "Invalid"
	}
}

// Scheduler tracks the RunState of every vCPU in one VM.
type Scheduler struct {
	mu     sync.Mutex
	states []RunState
}

// New returns a Scheduler for numVCPUs vCPUs, all initially StateNone.
func New(numVCPUs int) *Scheduler {
	return &Scheduler{states: make([]RunState, numVCPUs)}
}

// AddVCPU marks vcpu Ready, e.g. at boot (vCPU 0) or after PSCI CPU_ON.
func (s *Scheduler) AddVCPU(vcpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[vcpu] = StateReady
}

// RemoveVCPU marks vcpu as no longer schedulable.
func (s *Scheduler) RemoveVCPU(vcpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[vcpu] = StateNone
}

// PickNext returns the currently Running vCPU if one exists, otherwise the
// first Ready vCPU found by a round-robin scan starting just after last,
// promoting it to Running. It returns -1 if no vCPU is runnable.
func (s *Scheduler) PickNext(last int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, st := range s.states {
		if st == StateRunning {
			return i
		}
	}

	n := len(s.states)
	if n == 0 {
		return -1
	}
	for off := 1; off <= n; off++ {
		i := (last + off) % n
		if s.states[i] == StateReady {
			s.states[i] = StateRunning
			return i
		}
	}
	return -1
}

// YieldCurrent demotes a Running vCPU back to Ready, e.g. on preemption
// timer expiry, without blocking it.
func (s *Scheduler) YieldCurrent(vcpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[vcpu] == StateRunning {
		s.states[vcpu] = StateReady
	}
}

// BlockCurrent transitions vcpu to Blocked, e.g. on WFI with no pending
// interrupt.
func (s *Scheduler) BlockCurrent(vcpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[vcpu] == StateRunning {
		s.states[vcpu] = StateBlocked
	}
}

// Unblock transitions a Blocked vcpu back to Ready, e.g. when an SGI
// targets it through the vGIC.
func (s *Scheduler) Unblock(vcpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.states[vcpu] == StateBlocked {
		s.states[vcpu] = StateReady
	}
}

// State returns vcpu's current RunState.
func (s *Scheduler) State(vcpu int) RunState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[vcpu]
}
