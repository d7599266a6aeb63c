package vm

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/tinyrange/armvisor/internal/armcore"
	"github.com/tinyrange/armvisor/internal/debug"
	"github.com/tinyrange/armvisor/internal/ffa"
	"github.com/tinyrange/armvisor/internal/hv"
	"github.com/tinyrange/armvisor/internal/mmiodecode"
	"github.com/tinyrange/armvisor/internal/platform"
	"github.com/tinyrange/armvisor/internal/scheduler"
	"github.com/tinyrange/armvisor/internal/stage2"
	"github.com/tinyrange/armvisor/internal/timeslice"
)

// exitContext is the minimal hv.ExitContext internal/vm passes to chipset
// device handlers; this software hypervisor has no per-exit timeslice
// accounting beyond internal/timeslice's own global recorder.
type exitContext struct{}

func (exitContext) SetExitTimeslice(id timeslice.TimesliceID) {}

var _ hv.ExitContext = exitContext{}

// blockedPollInterval is how often RunVCPU re-checks a Blocked vCPU's
// scheduler state. The scheduler has no wait channel of its own (Unblock is
// called from arbitrary goroutines: GIC injection, PSCI CPU_ON, the virtual
// timer), so polling on a short interval is the simplest correct way to
// notice the transition back to Ready without busy-spinning a full core.
const blockedPollInterval = 200 * time.Microsecond

// RunVCPU drives vcpuID's GuestRunner until ctx is cancelled or a trap this
// dispatcher cannot handle occurs. This is spec.md §4.1's exception
// dispatcher and §5's per-pCPU run loop combined: one goroutine per pCPU,
// looping Enter -> decode -> handle -> resume.
func (v *VM) RunVCPU(ctx context.Context, vcpuID int) error {
	vs := v.VCPU(vcpuID)
	if vs == nil {
		return fmt.Errorf("vm: no vCPU %d", vcpuID)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if v.Scheduler.State(vcpuID) == scheduler.StateBlocked {
			// Parked on WFI; yield this goroutine until unblocked rather
			// than spinning Enter against a vCPU that has nothing to run.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(blockedPollInterval):
			}
			continue
		}

		vector, err := vs.Runner.Enter(ctx, vs.Ctx)
		if err != nil {
			return fmt.Errorf("vm: vcpu %d: %w", vcpuID, err)
		}

		if err := v.handleExit(vcpuID, vs, vector); err != nil {
			return fmt.Errorf("vm: vcpu %d: %w", vcpuID, err)
		}
	}
}

// handleExit decodes the trap vs.Ctx just reported and routes it to the
// right subsystem, per spec.md §4.1's exit-reason table.
func (v *VM) handleExit(vcpuID int, vs *VCPUState, vector armcore.TrapVector) error {
	reason := vs.Ctx.DecodeExit(vector)
	debug.Writef("vm.dispatch", "vcpu=%d vector=%s reason=%s", vcpuID, vector, reason)

	switch reason {
	case armcore.ExitHVC, armcore.ExitSMC:
		v.handleFFACall(vcpuID, vs)
		vs.Ctx.AdvancePC()
		return nil

	case armcore.ExitWFxTrap:
		v.Scheduler.BlockCurrent(vcpuID)
		// PC must not advance: the WFI/WFE instruction is retried once
		// this vCPU is rescheduled.
		return nil

	case armcore.ExitDataAbort:
		if err := v.handleDataAbort(vcpuID, vs); err != nil {
			return err
		}
		vs.Ctx.AdvancePC()
		return nil

	case armcore.ExitInstructionAbort:
		return fmt.Errorf("vm: vcpu %d: instruction abort at pc=%#x (execute-permission faults are not serviced)", vcpuID, vs.Ctx.PC)

	case armcore.ExitMsrMrsTrap:
		// Trapped EL1 system-register access with no side effect this
		// dispatcher emulates (e.g. ICC_SRE_EL1 probing); treat as a
		// harmless no-op and let the guest continue.
		vs.Ctx.AdvancePC()
		return nil

	case armcore.ExitIRQ, armcore.ExitFIQ:
		// The interrupt itself was already queued into a list register by
		// whichever goroutine called GIC.InjectSPI/InjectPrivate; the
		// vector report is purely informational here, so resume the guest
		// without advancing PC (the trapping instruction has not retired).
		return nil

	case armcore.ExitSError:
		return fmt.Errorf("vm: vcpu %d: SError, far=%#x esr=%#x", vcpuID, vs.Ctx.FarEL2, vs.Ctx.EsrEL2)

	default:
		return fmt.Errorf("vm: vcpu %d: unhandled exit reason %s (esr=%#x)", vcpuID, reason, vs.Ctx.EsrEL2)
	}
}

// handleFFACall builds an ffa.Call from the SMC64 calling convention (w0/x0
// carries the function id, x1-x7 the arguments, matching FF-A's use of the
// standard SMCCC register assignment rather than the HVC/SMC immediate),
// dispatches it, and writes the Result back into x0-x7.
func (v *VM) handleFFACall(vcpuID int, vs *VCPUState) {
	call := ffa.Call{
		Function: uint32(vs.Ctx.X[0]),
		CallerVM: v.ID,
	}
	for i := 0; i < 7; i++ {
		call.Arg[i] = vs.Ctx.X[i+1]
	}

	result := v.FFA.Dispatch(call)

	vs.Ctx.X[0] = uint64(result.Function)
	for i := 0; i < 7; i++ {
		vs.Ctx.X[i+1] = result.Arg[i]
	}
}

// handleDataAbort decodes the faulting load/store and resolves the IPA
// through routeMMIO.
func (v *VM) handleDataAbort(vcpuID int, vs *VCPUState) error {
	access, ok := mmiodecode.DecodeISS(vs.Ctx.ISS())
	if !ok {
		insn, fetchOK := v.fetchInstruction(vs.Ctx.PC)
		if !fetchOK {
			return fmt.Errorf("vm: vcpu %d: data abort at pc=%#x: cannot fetch instruction for ISV=0 decode", vcpuID, vs.Ctx.PC)
		}
		var err error
		access, err = mmiodecode.DecodeInstruction(insn)
		if err != nil {
			return fmt.Errorf("vm: vcpu %d: %w", vcpuID, err)
		}
	}

	ipa := vs.Ctx.FarEL2
	buf := make([]byte, access.Size)

	if access.Write {
		v.readGPRInto(vs, access, buf)
	}

	if err := v.routeMMIO(vcpuID, ipa, buf, access.Write); err != nil {
		return err
	}

	if !access.Write {
		v.writeGPRFrom(vs, access, buf)
	}
	return nil
}

// routeMMIO dispatches one load/store to whichever subsystem owns ipa.
// internal/armcore.SyntheticRunner traps every LDR/STR it executes rather
// than performing it directly (there is no real silicon underneath it), so
// an ordinary guest RAM access arrives here exactly like a device access
// would: Stage-2 decides whether ipa is RAM this VM may access at all, and
// if so the read/write is serviced directly against guest memory; anything
// Stage-2 does not map is a device MMIO address, routed to the GICD, a
// per-vCPU GICR frame, or the chipset bus.
func (v *VM) routeMMIO(vcpuID int, ipa uint64, buf []byte, isWrite bool) error {
	if pa, ap, _, ok := v.Stage2.Translate(ipa); ok {
		if isWrite && ap != stage2.S2APWO && ap != stage2.S2APRW {
			return fmt.Errorf("vm: vcpu %d: stage-2 permission fault writing %#x (ap=%d)", vcpuID, ipa, ap)
		}
		if !isWrite && ap != stage2.S2APRO && ap != stage2.S2APRW {
			return fmt.Errorf("vm: vcpu %d: stage-2 permission fault reading %#x (ap=%d)", vcpuID, ipa, ap)
		}
		if isWrite {
			_, err := v.Machine.WriteAt(buf, int64(pa))
			return err
		}
		_, err := v.Machine.ReadAt(buf, int64(pa))
		return err
	}

	switch {
	case ipa >= platform.GICDBase && ipa < platform.GICDBase+platform.GICDSize:
		offset := ipa - platform.GICDBase
		if isWrite {
			v.GIC.Distributor.WriteRegister(offset, len(buf), decodeLE(buf))
		} else {
			encodeLE(buf, v.GIC.Distributor.ReadRegister(offset, len(buf)))
		}
		return nil

	case ipa >= platform.GICRRegionBase && ipa < platform.GICRRegionBase+uint64(len(v.GIC.Redistributors))*platform.GICRFrameSize:
		rd := int((ipa - platform.GICRRegionBase) / platform.GICRFrameSize)
		frameOffset := (ipa - platform.GICRRegionBase) % platform.GICRFrameSize
		r := v.GIC.Redistributors[rd]
		if frameOffset < 0x1_0000 {
			if isWrite {
				r.WriteRD(frameOffset, decodeLE(buf))
			} else {
				encodeLE(buf, r.ReadRD(frameOffset))
			}
		} else {
			sgiOffset := frameOffset - 0x1_0000
			if isWrite {
				r.WriteSGI(sgiOffset, decodeLE(buf))
			} else {
				encodeLE(buf, r.ReadSGI(sgiOffset))
			}
		}
		return nil

	default:
		if v.Chipset == nil {
			return fmt.Errorf("vm: vcpu %d: no chipset installed for MMIO address %#x", vcpuID, ipa)
		}
		return v.Chipset.HandleMMIO(exitContext{}, ipa, buf, isWrite)
	}
}

// fetchInstruction reads the 32-bit word at guest PC addr out of RAM, for
// the ISV=0 decode fallback. addr is a GPA; Machine.ReadAt performs the
// GPA-to-host-offset translation.
func (v *VM) fetchInstruction(addr uint64) (uint32, bool) {
	if addr < platform.GuestRAMBase || addr+4 > platform.GuestRAMBase+v.Machine.MemorySize() {
		return 0, false
	}
	buf := make([]byte, 4)
	if _, err := v.Machine.ReadAt(buf, int64(addr)); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint32(buf), true
}

// readGPRInto copies the source register for a store into buf, honoring
// Rt=31 (XZR, which always supplies zero for the access' stores).
func (v *VM) readGPRInto(vs *VCPUState, access mmiodecode.Access, buf []byte) {
	var value uint64
	if access.Register != 31 {
		value = vs.Ctx.X[access.Register]
	}
	encodeLE(buf, value)
}

// writeGPRFrom copies a decoded load result into the destination register,
// sign-extending or zero-extending to 64 bits per access.SignExtend, and
// discarding writes to XZR.
func (v *VM) writeGPRFrom(vs *VCPUState, access mmiodecode.Access, buf []byte) {
	if access.Register == 31 {
		return
	}
	value := decodeLE(buf)
	if access.SignExtend {
		shift := uint(64 - access.Size*8)
		value = uint64(int64(value<<shift) >> shift)
	}
	vs.Ctx.X[access.Register] = value
}

func decodeLE(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	default:
		return 0
	}
}

func encodeLE(buf []byte, value uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(buf, value)
	}
}
