package main

import (
	"github.com/tinyrange/armvisor/internal/fdt"
	"github.com/tinyrange/armvisor/internal/platform"
)

// generateGuestDTB builds a minimal QEMU virt-compatible device tree for a
// guest that has no manifest-supplied DTB file: CPUs, RAM, the GICv3, the
// PL011 UART, the PL031 RTC, and one node per attached virtio-mmio slot.
// Grounded on internal/fdt.Builder (itself modeled on
// _examples/tinyrange-cc/internal/hv/riscv/ccvm/fdt.go's token-stream
// writer) and the same QEMU virt layout internal/platform's constants
// already describe.
func generateGuestDTB(gm GuestManifest, memSize uint64, virtioSlots int) []byte {
	b := fdt.NewBuilder()

	b.BeginNode("")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyString("compatible", "linux,armvisor-virt")
	b.AddPropertyString("model", "armvisor,virt")

	b.BeginNode("chosen")
	b.AddPropertyString("bootargs", "console=ttyAMA0 root=/dev/vda rw")
	b.EndNode()

	b.BeginNode("cpus")
	b.AddPropertyU32("#address-cells", 1)
	b.AddPropertyU32("#size-cells", 0)
	for i := 0; i < gm.VCPUs; i++ {
		b.BeginNode("cpu")
		b.AddPropertyString("device_type", "cpu")
		b.AddPropertyString("compatible", "arm,armv8")
		b.AddPropertyString("enable-method", "psci")
		b.AddPropertyU32("reg", uint32(i))
		b.EndNode()
	}
	b.EndNode()

	b.BeginNode("psci")
	b.AddPropertyString("compatible", "arm,psci-1.0")
	b.AddPropertyString("method", "hvc")
	b.EndNode()

	b.BeginNode("memory")
	b.AddPropertyString("device_type", "memory")
	b.AddPropertyU64Pair("reg", platform.GuestRAMBase, memSize)
	b.EndNode()

	b.BeginNode("intc")
	b.AddPropertyString("compatible", "arm,gic-v3")
	b.AddPropertyU32("#interrupt-cells", 3)
	b.AddPropertyEmpty("interrupt-controller")
	b.AddPropertyU32("#address-cells", 2)
	b.AddPropertyU32("#size-cells", 2)
	b.AddPropertyU32Array("reg", []uint32{
		0, uint32(platform.GICDBase), 0, uint32(platform.GICDSize),
		0, uint32(platform.GICRBase(0)), 0, uint32(platform.GICRFrameSize * uint64(gm.VCPUs)),
	})
	b.EndNode()

	// PL011's SPI 1 (INTID 33) matches QEMU virt's own UART wiring.
	const pl011SPI = 1
	b.BeginNode("pl011")
	b.AddPropertyString("compatible", "arm,pl011")
	b.AddPropertyU64Pair("reg", platform.UARTBase, platform.UARTSize)
	b.AddPropertyU32Array("interrupts", []uint32{0, pl011SPI, 4})
	b.EndNode()

	b.BeginNode("pl031")
	b.AddPropertyString("compatible", "arm,pl031")
	b.AddPropertyU64Pair("reg", platform.RTCBase, platform.RTCSize)
	b.EndNode()

	for slot := 0; slot < virtioSlots; slot++ {
		slotBase := platform.VirtioMMIOBase + uint64(slot)*platform.VirtioMMIOStride
		b.BeginNode("virtio_mmio")
		b.AddPropertyString("compatible", "virtio,mmio")
		b.AddPropertyU64Pair("reg", slotBase, platform.VirtioMMIOStride)
		b.AddPropertyU32Array("interrupts", []uint32{0, platform.VirtioIRQBase + uint32(slot), 4})
		b.EndNode()
	}

	b.EndNode()

	return b.Build()
}
