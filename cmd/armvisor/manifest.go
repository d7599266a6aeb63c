package main

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the declarative description of one or more guests this
// hypervisor boots, the Go-native analogue of the original Rust build's
// DTB-carried TOS_FW_CONFIG (original_source/src/manifest.rs): where that
// manifest described only SPMC identity because it was parsed by firmware
// already running at S-EL2, this one is parsed by cmd/armvisor before any
// guest exists, so it also carries guest topology and image paths.
type Manifest struct {
	Guests []GuestManifest `yaml:"guests"`
}

// GuestManifest describes one guest VM.
type GuestManifest struct {
	Name       string `yaml:"name"`
	VCPUs      int    `yaml:"vcpus"`
	MemorySize string `yaml:"memory"` // e.g. "512Mi"

	Kernel string `yaml:"kernel"`
	DTB    string `yaml:"dtb,omitempty"` // if empty, cmd/armvisor generates a minimal guest DTB
	Initrd string `yaml:"initrd,omitempty"`

	Disks []DiskManifest `yaml:"disks,omitempty"`
	Net   *NetManifest   `yaml:"net,omitempty"`

	Partitions []string `yaml:"ffa_partitions,omitempty"`
}

// DiskManifest describes one virtio-blk-backed disk image.
type DiskManifest struct {
	Image    string `yaml:"image"`
	ReadOnly bool   `yaml:"readonly,omitempty"`
}

// NetManifest describes one virtio-net port's attachment to the switch.
type NetManifest struct {
	MAC  string `yaml:"mac"`
	Port int    `yaml:"port"`
}

// LoadManifest reads and validates a YAML VM manifest from path.
func LoadManifest(path string) (*Manifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	if len(m.Guests) == 0 {
		return nil, fmt.Errorf("manifest: %s declares no guests", path)
	}
	for i := range m.Guests {
		if err := m.Guests[i].validate(); err != nil {
			return nil, fmt.Errorf("manifest: guest %d: %w", i, err)
		}
	}
	return &m, nil
}

func (g *GuestManifest) validate() error {
	if g.Name == "" {
		return fmt.Errorf("missing name")
	}
	if g.VCPUs <= 0 {
		return fmt.Errorf("guest %q: vcpus must be positive", g.Name)
	}
	if g.Kernel == "" {
		return fmt.Errorf("guest %q: kernel path is required", g.Name)
	}
	if g.Net != nil {
		if _, err := net.ParseMAC(g.Net.MAC); err != nil {
			return fmt.Errorf("guest %q: invalid net mac %q: %w", g.Name, g.Net.MAC, err)
		}
	}
	return nil
}

// MemoryBytes parses the guest's "memory" field ("512Mi", "1Gi", or a raw
// byte count) into a byte count.
func (g *GuestManifest) MemoryBytes() (uint64, error) {
	return parseMemorySize(g.MemorySize)
}

func parseMemorySize(s string) (uint64, error) {
	if s == "" {
		return 512 * 1024 * 1024, nil
	}
	var n uint64
	var suffix string
	if _, err := fmt.Sscanf(s, "%d%s", &n, &suffix); err != nil {
		if _, err2 := fmt.Sscanf(s, "%d", &n); err2 != nil {
			return 0, fmt.Errorf("invalid memory size %q", s)
		}
		return n, nil
	}
	switch suffix {
	case "Ki":
		return n * 1024, nil
	case "Mi":
		return n * 1024 * 1024, nil
	case "Gi":
		return n * 1024 * 1024 * 1024, nil
	default:
		return 0, fmt.Errorf("unknown memory size suffix %q in %q", suffix, s)
	}
}
