package ffa

import (
	"testing"

	"github.com/tinyrange/armvisor/internal/stage2"
)

func newTestProxy(t *testing.T) (*Proxy, map[int]*stage2.Walker) {
	t.Helper()
	senderWalker := stage2.NewWalker()
	receiverWalker := stage2.NewWalker()

	const region = 2 * 1024 * 1024
	if err := senderWalker.MapIdentity(0x4000_0000, region, stage2.S2APRW, stage2.OwnershipOwned); err != nil {
		t.Fatalf("MapIdentity(sender): %v", err)
	}
	if err := receiverWalker.MapIdentity(0x8000_0000, region, stage2.S2APRW, stage2.OwnershipOwned); err != nil {
		t.Fatalf("MapIdentity(receiver): %v", err)
	}

	walkers := map[int]*stage2.Walker{1: senderWalker, 2: receiverWalker}
	shares := NewShareTable(walkers)
	return NewProxy(shares, []int{1, 2}), walkers
}

func TestVersionAndIDGetLocallyHandled(t *testing.T) {
	p, _ := newTestProxy(t)

	res := p.Dispatch(Call{Function: FuncVersion, CallerVM: 1})
	if res.Function != FuncSuccess64 || uint32(res.Arg[0]) != VersionReported {
		t.Fatalf("FFA_VERSION: got %+v", res)
	}

	res = p.Dispatch(Call{Function: FuncIDGet, CallerVM: 1})
	if res.Function != FuncSuccess64 || res.Arg[0] != 2 {
		t.Fatalf("FFA_ID_GET: got %+v", res)
	}
}

func TestMemDonateAlwaysBlocked(t *testing.T) {
	p, _ := newTestProxy(t)
	var c Call
	c.Function = FuncMemDonate
	c.CallerVM = 1
	c.Arg[1] = 2
	c.Arg[2] = 0x4000_0000
	c.Arg[3] = 4096

	res := p.Dispatch(c)
	if res.Function != FuncError || ErrorCode(int32(res.Arg[1])) != ErrNotSupported {
		t.Fatalf("MEM_DONATE: expected NOT_SUPPORTED, got %+v", res)
	}
}

func TestMemShareRetrieveRelinquishReclaimRoundTrip(t *testing.T) {
	p, walkers := newTestProxy(t)
	const ipa = 0x4000_0000
	const size = 4096

	shareCall := Call{Function: FuncMemShare, CallerVM: 1}
	shareCall.Arg[1] = 2
	shareCall.Arg[2] = ipa
	shareCall.Arg[3] = size
	res := p.Dispatch(shareCall)
	if res.Function != FuncSuccess64 {
		t.Fatalf("MEM_SHARE failed: %+v", res)
	}
	handle := res.Arg[1] | (res.Arg[2] << 32)

	if _, _, owner, ok := walkers[1].Translate(ipa); !ok || owner != stage2.OwnershipSharedOwned {
		t.Fatalf("sender region not SharedOwned after share: owner=%v ok=%v", owner, ok)
	}

	retrieveCall := Call{Function: FuncMemRetrieveReq64, CallerVM: 2}
	retrieveCall.Arg[0] = handle & 0xFFFF_FFFF
	retrieveCall.Arg[1] = handle >> 32
	res = p.Dispatch(retrieveCall)
	if res.Function != FuncMemRetrieveResp {
		t.Fatalf("MEM_RETRIEVE_REQ failed: %+v", res)
	}

	relinquishCall := Call{Function: FuncMemRelinquish, CallerVM: 2}
	relinquishCall.Arg[0] = handle & 0xFFFF_FFFF
	relinquishCall.Arg[1] = handle >> 32
	res = p.Dispatch(relinquishCall)
	if res.Function != FuncSuccess64 {
		t.Fatalf("MEM_RELINQUISH failed: %+v", res)
	}

	reclaimCall := Call{Function: FuncMemReclaim, CallerVM: 1}
	reclaimCall.Arg[0] = handle & 0xFFFF_FFFF
	reclaimCall.Arg[1] = handle >> 32
	res = p.Dispatch(reclaimCall)
	if res.Function != FuncSuccess64 {
		t.Fatalf("MEM_RECLAIM failed: %+v", res)
	}

	if _, ap, owner, ok := walkers[1].Translate(ipa); !ok || owner != stage2.OwnershipOwned || ap != stage2.S2APRW {
		t.Fatalf("sender region not restored to Owned/RW after reclaim: owner=%v ap=%v ok=%v", owner, ap, ok)
	}
}

func TestMemReclaimDeniedWhileStillRetrieved(t *testing.T) {
	p, _ := newTestProxy(t)
	const ipa = 0x4000_0000
	const size = 4096

	shareCall := Call{Function: FuncMemLend, CallerVM: 1}
	shareCall.Arg[1] = 2
	shareCall.Arg[2] = ipa
	shareCall.Arg[3] = size
	res := p.Dispatch(shareCall)
	handle := res.Arg[1] | (res.Arg[2] << 32)

	retrieveCall := Call{Function: FuncMemRetrieveReq64, CallerVM: 2}
	retrieveCall.Arg[0] = handle & 0xFFFF_FFFF
	retrieveCall.Arg[1] = handle >> 32
	if res := p.Dispatch(retrieveCall); res.Function != FuncMemRetrieveResp {
		t.Fatalf("MEM_RETRIEVE_REQ failed: %+v", res)
	}

	reclaimCall := Call{Function: FuncMemReclaim, CallerVM: 1}
	reclaimCall.Arg[0] = handle & 0xFFFF_FFFF
	reclaimCall.Arg[1] = handle >> 32
	res = p.Dispatch(reclaimCall)
	if res.Function != FuncError || ErrorCode(int32(res.Arg[1])) != ErrDenied {
		t.Fatalf("MEM_RECLAIM while retrieved: expected DENIED, got %+v", res)
	}
}

func TestSPMCBootAndDirectRequestRoundTrip(t *testing.T) {
	p, _ := newTestProxy(t)
	spmc := NewSPMC(p, map[int]int{0: 1})
	spmc.Boot()

	if state, ok := spmc.State(0); !ok || state != SPIdle {
		t.Fatalf("SP state after boot: got %v ok=%v, want Idle", state, ok)
	}

	c := Call{Function: FuncMsgSendDirectReq64, CallerVM: 1}
	c.Arg[0] = 0xAAAA
	res, err := spmc.DirectRequest(0, c)
	if err != nil {
		t.Fatalf("DirectRequest: %v", err)
	}
	if res.Function != FuncMsgSendDirectResp64 || res.Arg[0] != 0xAAAA {
		t.Fatalf("DirectRequest result: %+v", res)
	}
	if state, _ := spmc.State(0); state != SPIdle {
		t.Fatalf("SP state after direct request: got %v, want Idle", state)
	}
}

func TestSPMCPreemptRejectedUnlessRunning(t *testing.T) {
	p, _ := newTestProxy(t)
	spmc := NewSPMC(p, map[int]int{0: 1})
	spmc.Boot()

	if _, err := spmc.Preempt(0); err == nil {
		t.Fatalf("Preempt on an Idle SP should fail, got nil error")
	}
	if err := spmc.Resume(0); err == nil {
		t.Fatalf("Resume on a non-Preempted SP should fail, got nil error")
	}
	if _, err := spmc.Preempt(99); err == nil {
		t.Fatalf("Preempt on an unknown pCPU should fail, got nil error")
	}
}
