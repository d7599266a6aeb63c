// Command armvisor boots one or more guest VMs from a YAML manifest on
// top of the internal/vm hypervisor core, the Go-native harness
// original_source/src/main.rs's raw-firmware entry point has no analogue
// for (that binary *is* the EL2 image; this one builds and drives it).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/armvisor/internal/armcore"
	"github.com/tinyrange/armvisor/internal/chipset"
	"github.com/tinyrange/armvisor/internal/devices/pl011"
	"github.com/tinyrange/armvisor/internal/devices/pl031"
	"github.com/tinyrange/armvisor/internal/devices/virtio"
	"github.com/tinyrange/armvisor/internal/guestload"
	"github.com/tinyrange/armvisor/internal/hv"
	"github.com/tinyrange/armvisor/internal/platform"
	"github.com/tinyrange/armvisor/internal/vm"
	"github.com/tinyrange/armvisor/internal/vswitch"
)

func main() {
	manifestPath := flag.String("manifest", "", "path to the VM manifest (YAML)")
	interactive := flag.Bool("console", false, "attach the host terminal to the first guest's UART")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *manifestPath == "" {
		fmt.Fprintln(os.Stderr, "usage: armvisor -manifest=<path> [-console]")
		os.Exit(2)
	}

	if err := run(*manifestPath, *interactive, log); err != nil {
		log.Error("armvisor: fatal", "error", err)
		os.Exit(1)
	}
}

func run(manifestPath string, interactive bool, log *slog.Logger) error {
	manifest, err := LoadManifest(manifestPath)
	if err != nil {
		return err
	}

	sw := vswitch.New()

	guests := make([]*bootedGuest, 0, len(manifest.Guests))
	for i, gm := range manifest.Guests {
		bg, err := bootGuest(i, gm, sw, log)
		if err != nil {
			return fmt.Errorf("boot guest %q: %w", gm.Name, err)
		}
		guests = append(guests, bg)
		log.Info("guest booted", "name", gm.Name, "vcpus", gm.VCPUs, "entry", fmt.Sprintf("%#x", bg.entry))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if interactive && len(guests) > 0 {
		restore, err := attachConsole(ctx, guests[0].uart)
		if err != nil {
			log.Warn("console attach failed, continuing headless", "error", err)
		} else {
			defer restore()
		}
	}

	for _, bg := range guests {
		bg.run(ctx, log)
	}

	<-ctx.Done()
	log.Info("armvisor: shutting down")
	return nil
}

type bootedGuest struct {
	name  string
	vm    *vm.VM
	uart  *pl011.PL011
	entry uint64
}

func (bg *bootedGuest) run(ctx context.Context, log *slog.Logger) {
	for i := 0; i < len(bg.vmVCPUs()); i++ {
		vcpuID := i
		go func() {
			if err := bg.vm.RunVCPU(ctx, vcpuID); err != nil && ctx.Err() == nil {
				log.Error("vcpu exited", "guest", bg.name, "vcpu", vcpuID, "error", err)
			}
		}()
	}
}

func (bg *bootedGuest) vmVCPUs() []*vm.VCPUState {
	vcpus := make([]*vm.VCPUState, 0)
	for i := 0; ; i++ {
		vs := bg.vm.VCPU(i)
		if vs == nil {
			break
		}
		vcpus = append(vcpus, vs)
	}
	return vcpus
}

func bootGuest(index int, gm GuestManifest, sw *vswitch.Switch, log *slog.Logger) (*bootedGuest, error) {
	memSize, err := gm.MemoryBytes()
	if err != nil {
		return nil, err
	}

	kernel, err := os.ReadFile(gm.Kernel)
	if err != nil {
		return nil, fmt.Errorf("read kernel %s: %w", gm.Kernel, err)
	}
	var dtb []byte
	if gm.DTB != "" {
		dtb, err = os.ReadFile(gm.DTB)
		if err != nil {
			return nil, fmt.Errorf("read dtb %s: %w", gm.DTB, err)
		}
	} else {
		virtioSlots := len(gm.Disks)
		if gm.Net != nil {
			virtioSlots++
		}
		dtb = generateGuestDTB(gm, memSize, virtioSlots)
	}
	var initrd []byte
	if gm.Initrd != "" {
		initrd, err = os.ReadFile(gm.Initrd)
		if err != nil {
			return nil, fmt.Errorf("read initrd %s: %w", gm.Initrd, err)
		}
	}

	bar := progressbar.DefaultBytes(
		int64(len(kernel)+len(dtb)+len(initrd)),
		fmt.Sprintf("loading %s", gm.Name),
	)

	guestVM, err := vm.New(vm.Config{
		NumVCPUs:   gm.VCPUs,
		MemorySize: memSize,
		VMID:       index,
		NewRunner: func(vcpuID int) armcore.GuestRunner {
			return armcore.NewSyntheticRunner(kernel, platform.GuestLoadAddr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create vm: %w", err)
	}

	// Devices need the real hv.VirtualMachine to reach guest RAM for
	// virtqueue access, so the chipset is assembled after the VM exists
	// and wired in by mutating the exported Chipset field rather than
	// through vm.Config; the pl011/pl031 devices are part of that chipset.
	cs, uart, err := buildChipset(guestVM.Machine, gm, index, sw, log)
	if err != nil {
		return nil, err
	}
	guestVM.Chipset = cs

	res, err := guestload.Load(guestVM.Machine, guestload.GuestTypeLinux, guestload.Image{
		Kernel: kernel,
		DTB:    dtb,
		Initrd: initrd,
	}, guestload.Placement{
		LoadAddr:   platform.GuestLoadAddr,
		DTBAddr:    platform.LinuxDTBAddr,
		InitrdAddr: platform.GuestLoadAddr + uint64(len(kernel)) + platform.PageSize4KiB,
	})
	if err != nil {
		return nil, fmt.Errorf("load guest image: %w", err)
	}
	_ = bar.Add(len(kernel) + len(dtb) + len(initrd))
	_ = bar.Close()

	guestVM.BootLinux(res.EntryPoint, res.DTBAddr, platform.GuestLoadAddr+memSize-platform.GuestStackRes)

	return &bootedGuest{name: gm.Name, vm: guestVM, uart: uart, entry: res.EntryPoint}, nil
}

// buildChipset assembles one guest's device tree: UART, RTC, and a virtio-mmio
// bus carrying its disks and network port. vmHandle is the already-constructed
// hv.VirtualMachine the virtio devices read/write guest RAM through.
func buildChipset(vmHandle hv.VirtualMachine, gm GuestManifest, index int, sw *vswitch.Switch, log *slog.Logger) (*chipset.Chipset, *pl011.PL011, error) {
	uart := pl011.NewDefault(os.Stdout, nil)
	rtc := pl031.NewDefault(nil)

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice("pl011", uart); err != nil {
		return nil, nil, fmt.Errorf("register uart: %w", err)
	}
	if err := builder.RegisterDevice("pl031", rtc); err != nil {
		return nil, nil, fmt.Errorf("register rtc: %w", err)
	}

	bus := virtio.NewVirtioMMIOBus(platform.VirtioMMIOBase, platform.VirtioMMIOStride, platform.MaxVirtioSlot)
	slot := 0

	for _, dm := range gm.Disks {
		flags := os.O_RDWR
		if dm.ReadOnly {
			flags = os.O_RDONLY
		}
		f, err := os.OpenFile(dm.Image, flags, 0)
		if err != nil {
			return nil, nil, fmt.Errorf("open disk image %s: %w", dm.Image, err)
		}

		slotBase := bus.SlotAddress(slot)
		irqLine := platform.VirtioIRQBase + uint32(slot)
		blk, err := virtio.NewBlkForBusSlot(vmHandle, slotBase, irqLine, virtio.BlkTemplate{File: f, ReadOnly: dm.ReadOnly})
		if err != nil {
			return nil, nil, fmt.Errorf("create virtio-blk for %s: %w", dm.Image, err)
		}
		bus.AttachDevice(slot, blk)
		slot++
	}

	if gm.Net != nil {
		mac, err := net.ParseMAC(gm.Net.MAC)
		if err != nil {
			return nil, nil, fmt.Errorf("parse net mac: %w", err)
		}
		port := gm.Net.Port
		if port == 0 {
			port = index
		}
		netBackend, err := virtio.NewVSwitchBackend(sw, port, mac, log.With("guest", gm.Name))
		if err != nil {
			return nil, nil, fmt.Errorf("create vswitch backend: %w", err)
		}
		slotBase := bus.SlotAddress(slot)
		arch := hv.ArchitectureARM64
		if vmHandle != nil && vmHandle.Hypervisor() != nil {
			arch = vmHandle.Hypervisor().Architecture()
		}
		irqLine := virtio.EncodeIRQLineForArch(arch, platform.VirtioIRQBase+uint32(slot))
		// NewNet binds the backend to the device itself (it implements
		// netDeviceBinder), so no explicit BindNetDevice call is needed here.
		netdev := virtio.NewNet(vmHandle, slotBase, platform.VirtioMMIOStride, irqLine, mac, netBackend)
		bus.AttachDevice(slot, netdev)
		slot++
	}

	if slot > 0 {
		if err := builder.WithMmioRegion(bus.SlotAddress(0), platform.VirtioMMIOStride*uint64(slot), bus); err != nil {
			return nil, nil, fmt.Errorf("register virtio bus: %w", err)
		}
	}

	cs, err := builder.Build()
	if err != nil {
		return nil, nil, fmt.Errorf("build chipset: %w", err)
	}
	return cs, uart, nil
}

// attachConsole puts the host terminal into raw mode and pipes stdin into
// uart's receive FIFO until ctx is canceled, mirroring the teacher's
// golang.org/x/term console-attach path in cmd/cc.
func attachConsole(ctx context.Context, uart *pl011.PL011) (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, fmt.Errorf("stdin is not a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}, fmt.Errorf("set raw mode: %w", err)
	}

	go func() {
		buf := make([]byte, 256)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			n, err := os.Stdin.Read(buf)
			if err != nil {
				return
			}
			if n > 0 {
				uart.PushInput(buf[:n])
			}
		}
	}()

	return func() { _ = term.Restore(fd, oldState) }, nil
}
