package ffa

import "fmt"

// SPState is a secure partition's run state in the SPMC event loop,
// per spec.md §4.6: Reset -> Idle -> Running -> {Idle, Preempted} -> Running -> ...
type SPState int

const (
	SPReset SPState = iota
	SPIdle
	SPRunning
	SPPreempted
)

func (s SPState) String() string {
	switch s {
	case SPReset:
		return "Reset"
	case SPIdle:
		return "Idle"
	case SPRunning:
		return "Running"
	case SPPreempted:
		return "Preempted"
	default:
		return "Invalid"
	}
}

// SPContext is one secure partition's state, per spec.md §4.6. Grounded on
// original_source/src/ffa/stub_spmc.rs and src/spmc_handler.rs. Keyed by
// physical CPU id rather than stored in a slice, per the Open Question
// decision in DESIGN.md: a 1:1 VM-vCPU<->SP pCPU topology is an explicit
// mapping here, not an assumption baked into indexing.
type SPContext struct {
	ID    int
	State SPState
}

// SPMC runs the secure partition event loop for the S-EL2 SPMC profile.
type SPMC struct {
	proxy *Proxy
	sps   map[int]*SPContext // pCPU id -> SP context
}

// NewSPMC returns an SPMC whose proxy handles the locally-answerable FF-A
// calls, with one SP per entry in pCPUToSP (pCPU id -> SP id).
func NewSPMC(proxy *Proxy, pCPUToSP map[int]int) *SPMC {
	s := &SPMC{proxy: proxy, sps: map[int]*SPContext{}}
	for pcpu, spID := range pCPUToSP {
		s.sps[pcpu] = &SPContext{ID: spID, State: SPReset}
	}
	return s
}

// Boot transitions every SP from Reset to Idle: the initial MSG_WAIT call
// each SP makes to hand control back to the SPMD/normal world.
func (s *SPMC) Boot() {
	for _, sp := range s.sps {
		if sp.State == SPReset {
			sp.State = SPIdle
		}
	}
}

// DirectRequest dispatches an incoming MSG_SEND_DIRECT_REQ to the SP
// pinned to pcpu, transitioning it Idle -> Running for the duration of the
// call and back to Idle on a synchronous return.
func (s *SPMC) DirectRequest(pcpu int, c Call) (Result, error) {
	sp, ok := s.sps[pcpu]
	if !ok {
		return Result{}, fmt.Errorf("ffa: no SP pinned to pCPU %d", pcpu)
	}
	if sp.State != SPIdle {
		return errorResult(ErrBusy), nil
	}

	sp.State = SPRunning
	res := s.proxy.directRequestStubEcho(c)
	sp.State = SPIdle
	return res, nil
}

// Preempt transitions a Running SP to Preempted on a physical IRQ,
// returning the FFA_INTERRUPT response the SPMD expects.
func (s *SPMC) Preempt(pcpu int) (Result, error) {
	sp, ok := s.sps[pcpu]
	if !ok {
		return Result{}, fmt.Errorf("ffa: no SP pinned to pCPU %d", pcpu)
	}
	if sp.State != SPRunning {
		return Result{}, fmt.Errorf("ffa: SP on pCPU %d is not Running (state=%s)", pcpu, sp.State)
	}
	sp.State = SPPreempted
	return Result{Function: FuncInterrupt}, nil
}

// Resume transitions a Preempted SP back to Running via FFA_RUN.
func (s *SPMC) Resume(pcpu int) error {
	sp, ok := s.sps[pcpu]
	if !ok {
		return fmt.Errorf("ffa: no SP pinned to pCPU %d", pcpu)
	}
	if sp.State != SPPreempted {
		return fmt.Errorf("ffa: SP on pCPU %d is not Preempted (state=%s)", pcpu, sp.State)
	}
	sp.State = SPRunning
	return nil
}

// State reports the current state of the SP pinned to pcpu.
func (s *SPMC) State(pcpu int) (SPState, bool) {
	sp, ok := s.sps[pcpu]
	if !ok {
		return SPReset, false
	}
	return sp.State, true
}
