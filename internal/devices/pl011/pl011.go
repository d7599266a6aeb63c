// Package pl011 implements the ARM PrimeCell PL011 UART, QEMU virt's
// console device (spec.md §4.4).
package pl011

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/armvisor/internal/chipset"
	"github.com/tinyrange/armvisor/internal/hv"
)

// Register offsets.
const (
	RegDR   = 0x00
	RegRSR  = 0x04
	RegFR   = 0x18
	RegILPR = 0x20
	RegIBRD = 0x24
	RegFBRD = 0x28
	RegLCRH = 0x2c
	RegCR   = 0x30
	RegIFLS = 0x34
	RegIMSC = 0x38
	RegRIS  = 0x3c
	RegMIS  = 0x40
	RegICR  = 0x44
	RegDMAC = 0x48
)

// Flag Register bits.
const (
	FlagTxEmpty = 1 << 7
	FlagRxFull  = 1 << 6
	FlagTxFull  = 1 << 5
	FlagRxEmpty = 1 << 4
)

// Interrupt Mask/Status Register bits. This model only ever raises IntRX;
// IntTX is part of the register layout but is never set.
const (
	IntRX = 1 << 4
	IntTX = 1 << 5
)

const (
	DefaultBase = 0x0900_0000
	DefaultSize = 0x1000

	// fifoDepth matches the PL011's 16-byte hardware FIFO.
	fifoDepth = 16
)

// PL011 models the PrimeCell UART with a real receive FIFO: bytes pushed in
// by PushInput are visible to DR reads and drain FR's RXFE/RXFF bits the
// way the teacher's version never did (it always reported RxEmpty, which
// meant a guest driver could never see host-injected input). Grounded on
// internal/devices/arm64/serial/pl011_device.go's register layout and
// internal/devices/pl031/pl031.go's chipset.ChipsetDevice adaptation shape.
type PL011 struct {
	mu sync.Mutex

	base uint64
	size uint64

	out io.Writer

	rx       [fifoDepth]byte
	rxHead   int
	rxCount  int

	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	ris   uint32

	irqLine chipset.LineInterrupt
}

// New creates a PL011 at base, writing guest output to out (nil discards
// it) and raising irqLine while an unmasked RX interrupt is pending. No TX
// interrupt is ever raised.
func New(base uint64, out io.Writer, irqLine chipset.LineInterrupt) *PL011 {
	if out == nil {
		out = io.Discard
	}
	if irqLine == nil {
		irqLine = chipset.LineInterruptDetached()
	}
	return &PL011{
		base:    base,
		size:    DefaultSize,
		out:     out,
		irqLine: irqLine,
	}
}

// NewDefault creates a PL011 at its default QEMU virt base address.
func NewDefault(out io.Writer, irqLine chipset.LineInterrupt) *PL011 {
	return New(DefaultBase, out, irqLine)
}

// PushInput appends host-side input bytes to the receive FIFO, dropping
// anything beyond fifoDepth the way real PL011 hardware drops input that
// arrives faster than software drains the FIFO.
func (p *PL011) PushInput(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range data {
		if p.rxCount >= fifoDepth {
			return
		}
		idx := (p.rxHead + p.rxCount) % fifoDepth
		p.rx[idx] = b
		p.rxCount++
	}
	p.updateInterruptLocked()
}

// Init implements hv.Device.
func (p *PL011) Init(vm hv.VirtualMachine) error { return nil }

// Start implements chipset.ChangeDeviceState.
func (p *PL011) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PL011) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *PL011) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxHead, p.rxCount = 0, 0
	p.cr, p.lcrh, p.ibrd, p.fbrd, p.ifls, p.imsc, p.ris = 0, 0, 0, 0, 0, 0, 0
	p.updateInterruptLocked()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (p *PL011) SupportsPortIO() *chipset.PortIOIntercept { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PL011) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []hv.MMIORegion{{Address: p.base, Size: p.size}},
		Handler: p,
	}
}

// SupportsPollDevice implements chipset.ChipsetDevice.
func (p *PL011) SupportsPollDevice() *chipset.PollDevice { return nil }

// ReadMMIO implements chipset.MmioHandler.
func (p *PL011) ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported read size %d", len(data))
	}

	offset := addr - p.base

	p.mu.Lock()
	value := p.readRegisterLocked(offset)
	p.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], value)
	copy(data, buf[:len(data)])
	return nil
}

// WriteMMIO implements chipset.MmioHandler.
func (p *PL011) WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error {
	if err := p.checkBounds(addr, len(data)); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > 4 {
		return fmt.Errorf("pl011: unsupported write size %d", len(data))
	}

	offset := addr - p.base
	var value uint32
	for i := 0; i < len(data); i++ {
		value |= uint32(data[i]) << (8 * i)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writeRegisterLocked(offset, value)
}

func (p *PL011) checkBounds(addr uint64, size int) error {
	if addr < p.base || addr+uint64(size) > p.base+p.size {
		return fmt.Errorf("pl011: access out of range (addr=0x%x size=%d)", addr, size)
	}
	return nil
}

func (p *PL011) flagRegisterLocked() uint32 {
	var fr uint32 = FlagTxEmpty
	if p.rxCount == 0 {
		fr |= FlagRxEmpty
	}
	if p.rxCount == fifoDepth {
		fr |= FlagRxFull
	}
	return fr
}

func (p *PL011) readRegisterLocked(offset uint64) uint32 {
	switch offset {
	case RegDR:
		if p.rxCount == 0 {
			return 0
		}
		b := p.rx[p.rxHead]
		p.rxHead = (p.rxHead + 1) % fifoDepth
		p.rxCount--
		p.updateInterruptLocked()
		return uint32(b)
	case RegRSR:
		return 0
	case RegFR:
		return p.flagRegisterLocked()
	case RegILPR:
		return 0
	case RegIBRD:
		return p.ibrd
	case RegFBRD:
		return p.fbrd
	case RegLCRH:
		return p.lcrh
	case RegCR:
		return p.cr
	case RegIFLS:
		return p.ifls
	case RegIMSC:
		return p.imsc
	case RegRIS:
		return p.ris
	case RegMIS:
		return p.ris & p.imsc
	case RegICR:
		return 0
	case RegDMAC:
		return 0
	default:
		return 0
	}
}

func (p *PL011) writeRegisterLocked(offset uint64, value uint32) error {
	switch offset {
	case RegDR:
		b := byte(value & 0xff)
		if _, err := p.out.Write([]byte{b}); err != nil {
			return fmt.Errorf("pl011: write output: %w", err)
		}
	case RegRSR:
		// Writes clear error flags this model doesn't track.
	case RegILPR:
		// IrDA low-power mode not implemented.
	case RegIBRD:
		p.ibrd = value
	case RegFBRD:
		p.fbrd = value
	case RegLCRH:
		p.lcrh = value
	case RegCR:
		p.cr = value
	case RegIFLS:
		p.ifls = value
	case RegIMSC:
		p.imsc = value
		p.updateInterruptLocked()
	case RegICR:
		p.ris &^= value
		p.updateInterruptLocked()
	case RegDMAC:
		// DMA not modeled.
	default:
		// Silently ignore unimplemented registers.
	}
	return nil
}

// updateInterruptLocked recomputes RIS's RX bit from FIFO occupancy and
// drives the interrupt line from RIS&IMSC, matching PL011's level-triggered
// combined interrupt line.
func (p *PL011) updateInterruptLocked() {
	if p.rxCount > 0 {
		p.ris |= IntRX
	} else {
		p.ris &^= IntRX
	}
	p.irqLine.SetLevel(p.ris&p.imsc != 0)
}

// SetIRQLine configures the interrupt line.
func (p *PL011) SetIRQLine(line chipset.LineInterrupt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.irqLine = line
}

// Base returns the MMIO base address.
func (p *PL011) Base() uint64 { return p.base }

// Size returns the MMIO region size.
func (p *PL011) Size() uint64 { return p.size }

var (
	_ hv.Device                 = (*PL011)(nil)
	_ chipset.ChipsetDevice     = (*PL011)(nil)
	_ chipset.MmioHandler       = (*PL011)(nil)
	_ chipset.ChangeDeviceState = (*PL011)(nil)
)
