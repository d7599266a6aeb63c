package vm

import (
	"context"
	"testing"
	"time"

	"github.com/tinyrange/armvisor/internal/armcore"
	"github.com/tinyrange/armvisor/internal/chipset"
	"github.com/tinyrange/armvisor/internal/hv"
	"github.com/tinyrange/armvisor/internal/platform"
	"github.com/tinyrange/armvisor/internal/scheduler"
)

// fakeUART is a minimal ChipsetDevice that records every byte written to it,
// standing in for internal/devices/pl011 so this package's tests don't
// depend on that adaptation being complete.
type fakeUART struct {
	written []byte
}

func (f *fakeUART) Init(hv.VirtualMachine) error { return nil }
func (f *fakeUART) Start() error                 { return nil }
func (f *fakeUART) Stop() error                  { return nil }
func (f *fakeUART) Reset() error                 { return nil }

func (f *fakeUART) SupportsPortIO() *chipset.PortIOIntercept { return nil }
func (f *fakeUART) SupportsPollDevice() *chipset.PollDevice  { return nil }

func (f *fakeUART) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: platform.UARTBase, Size: platform.UARTSize}},
		Handler: f,
	}
}

func (f *fakeUART) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}

func (f *fakeUART) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	f.written = append(f.written, data[0])
	return nil
}

func newTestVM(t *testing.T, numVCPUs int, image []byte) (*VM, *fakeUART) {
	t.Helper()

	uart := &fakeUART{}
	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("uart", uart); err != nil {
		t.Fatalf("register uart: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build chipset: %v", err)
	}

	v, err := New(Config{
		NumVCPUs:   numVCPUs,
		MemorySize: platform.DefaultRAMSize,
		Chipset:    cs,
		VMID:       0,
		NewRunner: func(vcpuID int) armcore.GuestRunner {
			return armcore.NewSyntheticRunner(image, platform.GuestRAMBase)
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return v, uart
}

// encodeSTRW32Imm encodes "str wRt, [Rn, #0]", the 32-bit unsigned-immediate
// store form internal/armcore.SyntheticRunner traps as a Data Abort.
func encodeSTRW32Imm(rt, rn uint32) uint32 {
	return 0xB9000000 | (rn << 5) | rt
}

// TestMMIOUARTEcho implements spec.md §8 scenario 2: the guest performs a
// single `str w1, [x19]` with x19 pointing at the UART data register and
// w1='M'; the byte must reach the device exactly once and PC must advance
// by exactly 4.
func TestMMIOUARTEcho(t *testing.T) {
	image := make([]byte, 4096)
	insn := encodeSTRW32Imm(1, 19)
	image[0] = byte(insn)
	image[1] = byte(insn >> 8)
	image[2] = byte(insn >> 16)
	image[3] = byte(insn >> 24)

	v, uart := newTestVM(t, 1, image)
	v.BootPrimary(platform.GuestRAMBase, platform.GuestRAMBase+0x1000)

	vs := v.VCPU(0)
	vs.Ctx.X[19] = platform.UARTBase
	vs.Ctx.X[1] = 'M'

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	vector, err := vs.Runner.Enter(ctx, vs.Ctx)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := v.handleExit(0, vs, vector); err != nil {
		t.Fatalf("handleExit: %v", err)
	}

	if len(uart.written) != 1 || uart.written[0] != 'M' {
		t.Fatalf("expected exactly one 'M' byte written, got %v", uart.written)
	}
	if vs.Ctx.PC != platform.GuestRAMBase+4 {
		t.Fatalf("expected PC to advance by 4, got %#x", vs.Ctx.PC)
	}
}

// TestWFISchedulingBlocksAndUnblocks implements spec.md §8 scenario 6: vCPU
// 0 executes WFI, the dispatcher blocks it without advancing PC, and a
// subsequent SGI targeting it unblocks it back to Ready.
func TestWFISchedulingBlocksAndUnblocks(t *testing.T) {
	const wfi = 0xD503207F
	image := make([]byte, 16)
	image[0] = byte(wfi)
	image[1] = byte(wfi >> 8)
	image[2] = byte(wfi >> 16)
	image[3] = byte(wfi >> 24)

	v, _ := newTestVM(t, 2, image)
	v.BootPrimary(platform.GuestRAMBase, platform.GuestRAMBase+0x1000)
	if err := v.PSCICPUOn(1, platform.GuestRAMBase, 0); err != nil {
		t.Fatalf("PSCICPUOn: %v", err)
	}

	vs := v.VCPU(0)
	ctx := context.Background()

	vector, err := vs.Runner.Enter(ctx, vs.Ctx)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if err := v.handleExit(0, vs, vector); err != nil {
		t.Fatalf("handleExit: %v", err)
	}

	if v.Scheduler.State(0) != scheduler.StateBlocked {
		t.Fatalf("expected vcpu 0 Blocked after WFI, got %s", v.Scheduler.State(0))
	}
	if vs.Ctx.PC != platform.GuestRAMBase {
		t.Fatalf("WFI must not advance PC, got %#x", vs.Ctx.PC)
	}
	if v.Scheduler.PickNext(0) != 1 {
		t.Fatalf("expected scheduler to pick vcpu 1 next")
	}

	v.GIC.InjectPrivate(0, 0, 0x80)
	v.Scheduler.Unblock(0)
	if v.Scheduler.State(0) != scheduler.StateReady {
		t.Fatalf("expected vcpu 0 Ready after SGI unblock, got %s", v.Scheduler.State(0))
	}
}
