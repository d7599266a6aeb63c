package virtio

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/tinyrange/armvisor/internal/vswitch"
)

// VSwitchBackend connects a virtio-net device to a port on an
// internal/vswitch.Switch, replacing the teacher's gvisor-backed
// NetstackBackend (out of scope — spec.md's switch is L2-only, see
// DESIGN.md). HandleTx forwards guest TX frames into the switch; a
// drain goroutine reads the port's RX ring and hands frames back to the
// virtio-net device.
type VSwitchBackend struct {
	sw     *vswitch.Switch
	portID int
	ring   *vswitch.Ring
	netdev *Net
	log    *slog.Logger

	stop chan struct{}
}

// NewVSwitchBackend attaches portID (typically the owning VM's ID) to sw
// and returns a backend ready to bind to a virtio-net device via
// BindNetDevice.
func NewVSwitchBackend(sw *vswitch.Switch, portID int, mac net.HardwareAddr, log *slog.Logger) (*VSwitchBackend, error) {
	if sw == nil {
		return nil, fmt.Errorf("vswitch backend requires a switch instance")
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("vswitch backend requires 6-byte MAC address, got %d", len(mac))
	}
	if log == nil {
		log = slog.Default()
	}
	ring := sw.AddPort(portID)
	return &VSwitchBackend{
		sw:     sw,
		portID: portID,
		ring:   ring,
		log:    log,
		stop:   make(chan struct{}),
	}, nil
}

// HandleTx implements NetBackend: forwards a guest-transmitted frame
// into the switch for MAC-learned delivery to its destination port(s).
func (b *VSwitchBackend) HandleTx(packet []byte, release func()) error {
	defer func() {
		if release != nil {
			release()
		}
	}()
	if b.sw == nil {
		return fmt.Errorf("vswitch backend is not attached")
	}
	b.sw.Forward(b.portID, packet)
	return nil
}

// BindNetDevice implements netDeviceBinder, starting the RX drain loop
// that copies frames out of this port's ring and into the virtio-net
// device's RX queue. Mirrors NetstackBackend.BindNetDevice's async
// best-effort delivery to avoid re-entering the switch's lock from
// inside a guest TX.
func (b *VSwitchBackend) BindNetDevice(netdev *Net) {
	if netdev == nil {
		return
	}
	b.netdev = netdev
	go b.drainLoop()
}

// Close stops the RX drain loop and detaches the port from the switch.
func (b *VSwitchBackend) Close() error {
	close(b.stop)
	if b.sw != nil {
		b.sw.RemovePort(b.portID)
	}
	return nil
}

func (b *VSwitchBackend) drainLoop() {
	buf := make([]byte, vswitch.MaxFrameSize)
	for {
		select {
		case <-b.stop:
			return
		default:
		}
		n, ok, err := b.sw.Drain(b.portID, buf)
		if err != nil {
			b.log.Error("vswitch drain", "port", b.portID, "error", err)
			return
		}
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		frame := append([]byte(nil), buf[:n]...)
		if err := b.netdev.EnqueueRxPacket(frame); err != nil {
			b.log.Warn("vswitch deliver to virtio-net", "port", b.portID, "error", err)
		}
	}
}

var (
	_ NetBackend      = (*VSwitchBackend)(nil)
	_ netDeviceBinder = (*VSwitchBackend)(nil)
)
