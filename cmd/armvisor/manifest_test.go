package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    uint64
		wantErr bool
	}{
		{name: "default when empty", in: "", want: 512 * 1024 * 1024},
		{name: "kibibytes", in: "512Ki", want: 512 * 1024},
		{name: "mebibytes", in: "256Mi", want: 256 * 1024 * 1024},
		{name: "gibibytes", in: "2Gi", want: 2 * 1024 * 1024 * 1024},
		{name: "raw byte count", in: "4096", want: 4096},
		{name: "unknown suffix", in: "10Xi", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMemorySize(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("parseMemorySize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestGuestManifestValidate(t *testing.T) {
	base := GuestManifest{Name: "vm0", VCPUs: 1, Kernel: "k.img"}

	if err := base.validate(); err != nil {
		t.Fatalf("expected valid manifest, got %v", err)
	}

	noName := base
	noName.Name = ""
	if err := noName.validate(); err == nil {
		t.Fatalf("expected error for missing name")
	}

	noVCPUs := base
	noVCPUs.VCPUs = 0
	if err := noVCPUs.validate(); err == nil {
		t.Fatalf("expected error for zero vcpus")
	}

	noKernel := base
	noKernel.Kernel = ""
	if err := noKernel.validate(); err == nil {
		t.Fatalf("expected error for missing kernel")
	}

	badMAC := base
	badMAC.Net = &NetManifest{MAC: "not-a-mac"}
	if err := badMAC.validate(); err == nil {
		t.Fatalf("expected error for invalid net mac")
	}

	goodMAC := base
	goodMAC.Net = &NetManifest{MAC: "02:00:00:00:00:01"}
	if err := goodMAC.validate(); err != nil {
		t.Fatalf("expected valid manifest with net, got %v", err)
	}
}

func TestLoadManifestRejectsEmptyGuestList(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.yaml")
	if err := os.WriteFile(path, []byte("guests: []\n"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if _, err := LoadManifest(path); err == nil {
		t.Fatalf("expected error for manifest with no guests")
	}
}

func TestLoadManifestParsesGuests(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.yaml")
	contents := `
guests:
  - name: vm0
    vcpus: 2
    memory: 512Mi
    kernel: /tmp/Image
    disks:
      - image: /tmp/disk.img
    net:
      mac: "02:00:00:00:00:01"
      port: 0
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(m.Guests) != 1 {
		t.Fatalf("expected 1 guest, got %d", len(m.Guests))
	}
	g := m.Guests[0]
	if g.Name != "vm0" || g.VCPUs != 2 {
		t.Fatalf("unexpected guest fields: %+v", g)
	}
	if len(g.Disks) != 1 || g.Disks[0].Image != "/tmp/disk.img" {
		t.Fatalf("unexpected disks: %+v", g.Disks)
	}
	mem, err := g.MemoryBytes()
	if err != nil || mem != 512*1024*1024 {
		t.Fatalf("MemoryBytes() = %d, %v", mem, err)
	}
}
