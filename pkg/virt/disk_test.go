package virt

import (
	"context"
	"errors"
	"strings"
	"testing"

	lx "github.com/libvirt/libvirt-go-xml"

	"github.com/vmforge/vmforge/pkg/resources"
)

const testDomain = `<domain type="kvm">
  <name>vm-1</name>
  <memory unit="KiB">1048576</memory>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"></driver>
      <source file="/images/vm-1"></source>
      <target dev="sda" bus="sata"></target>
    </disk>
    <disk type="file" device="cdrom">
      <source file="/images/seed.iso"></source>
      <target dev="sdz" bus="sata"></target>
    </disk>
    <disk type="file" device="disk">
      <driver name="qemu" type="raw"></driver>
      <source file="/images/permanent-vm-1-old"></source>
      <target dev="sdb" bus="sata"></target>
    </disk>
  </devices>
</domain>`

func TestDiskXMLRoundTrip(t *testing.T) {
	in := Disk{Index: 3, Source: "/images/permanent-vm-1-img", Format: resources.ImageFormatQCOW2}

	doc, err := DiskXML(in)
	if err != nil {
		t.Fatalf("DiskXML() error = %v", err)
	}
	if !strings.Contains(doc, `dev="sdd"`) {
		t.Errorf("DiskXML() = %s, want target sdd", doc)
	}

	out, err := ParseDiskXML(doc)
	if err != nil {
		t.Fatalf("ParseDiskXML() error = %v", err)
	}
	if out != in {
		t.Errorf("ParseDiskXML() = %+v, want %+v", out, in)
	}
}

func TestDiskXMLRejectsBadIndex(t *testing.T) {
	for _, idx := range []int{-1, 26} {
		if _, err := DiskXML(Disk{Index: idx, Source: "/x"}); err == nil {
			t.Errorf("DiskXML(index=%d) expected error", idx)
		}
	}
}

func TestParseDiskXMLRejectsUnknownTarget(t *testing.T) {
	doc := `<disk type="file" device="disk"><target dev="vda" bus="virtio"></target></disk>`
	if _, err := ParseDiskXML(doc); err == nil {
		t.Error("ParseDiskXML() expected error for vda target")
	}
}

func TestRedefineDomainXML(t *testing.T) {
	disks := []Disk{
		{Index: 1, Source: "/images/permanent-vm-1-a", Format: resources.ImageFormatRaw},
		{Index: 2, Source: "/images/permanent-vm-1-b", Format: resources.ImageFormatQCOW2},
	}

	out, err := redefineDomainXML(testDomain, disks)
	if err != nil {
		t.Fatalf("redefineDomainXML() error = %v", err)
	}

	var dom lx.Domain
	if err := dom.Unmarshal(out); err != nil {
		t.Fatalf("failed to decode result: %v", err)
	}
	if dom.Name != "vm-1" {
		t.Errorf("name = %q, want vm-1", dom.Name)
	}

	got := map[string]string{}
	for _, d := range dom.Devices.Disks {
		if d.Target == nil || d.Source == nil || d.Source.File == nil {
			t.Fatalf("incomplete disk in result: %+v", d)
		}
		got[d.Target.Dev] = d.Source.File.File
	}

	want := map[string]string{
		"sda": "/images/vm-1",
		"sdz": "/images/seed.iso",
		"sdb": "/images/permanent-vm-1-a",
		"sdc": "/images/permanent-vm-1-b",
	}
	if len(got) != len(want) {
		t.Fatalf("disks = %v, want %v", got, want)
	}
	for dev, src := range want {
		if got[dev] != src {
			t.Errorf("disk %s source = %q, want %q", dev, got[dev], src)
		}
	}
}

func TestRedefineDomainXMLWithoutDisks(t *testing.T) {
	out, err := redefineDomainXML(testDomain, nil)
	if err != nil {
		t.Fatalf("redefineDomainXML() error = %v", err)
	}
	if strings.Contains(out, "permanent-vm-1-old") {
		t.Errorf("stale attached disk kept: %s", out)
	}
	if !strings.Contains(out, "/images/vm-1") {
		t.Errorf("base disk dropped: %s", out)
	}
}

func TestRedefineDomainXMLRejectsBaseIndex(t *testing.T) {
	if _, err := redefineDomainXML(testDomain, []Disk{{Index: 0, Source: "/x"}}); err == nil {
		t.Error("redefineDomainXML() expected error for index 0")
	}
}

func TestLibvirtConnectorRejectsUnknownTransport(t *testing.T) {
	c := &LibvirtConnector{Transport: "carrier-pigeon"}
	_, err := c.Open(context.Background(), &resources.Node{Address: "10.0.0.1"})
	if err == nil || !strings.Contains(err.Error(), "unsupported libvirt transport") {
		t.Errorf("Open() error = %v, want unsupported transport", err)
	}
}

func TestLibvirtConnectorSSHNeedsTunneler(t *testing.T) {
	c := &LibvirtConnector{Transport: TransportSSH}
	_, err := c.Open(context.Background(), &resources.Node{Address: "10.0.0.1"})
	if err == nil {
		t.Fatal("Open() expected error without tunneler")
	}
	if errors.Is(err, ErrDomainNotFound) {
		t.Errorf("Open() error = %v, unexpected domain error", err)
	}
}
