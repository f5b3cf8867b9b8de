package virt

import (
	"fmt"
	"strings"

	lx "github.com/libvirt/libvirt-go-xml"

	"github.com/vmforge/vmforge/pkg/resources"
)

const diskBus = "sata"

// Disk is an image file presented to a domain as a block device.
type Disk struct {
	Index  int
	Source string
	Format resources.ImageFormat
}

// Target returns the guest device name, e.g. "sdc" for index 2.
func (d Disk) Target() string {
	return resources.DeviceTarget(d.Index)
}

func (d Disk) element() *lx.DomainDisk {
	return &lx.DomainDisk{
		Device: "disk",
		Driver: &lx.DomainDiskDriver{Name: "qemu", Type: string(d.Format)},
		Source: &lx.DomainDiskSource{File: &lx.DomainDiskSourceFile{File: d.Source}},
		Target: &lx.DomainDiskTarget{Dev: d.Target(), Bus: diskBus},
	}
}

// DiskXML renders the device XML of a disk.
func DiskXML(d Disk) (string, error) {
	if d.Index < 0 || d.Index > 25 {
		return "", fmt.Errorf("disk index out of range: %d", d.Index)
	}
	out, err := d.element().Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode disk %s: %w", d.Target(), err)
	}
	return out, nil
}

// ParseDiskXML reads a disk back from its device XML.
func ParseDiskXML(doc string) (Disk, error) {
	var el lx.DomainDisk
	if err := el.Unmarshal(doc); err != nil {
		return Disk{}, fmt.Errorf("failed to decode disk: %w", err)
	}
	if el.Target == nil {
		return Disk{}, fmt.Errorf("disk has no target")
	}
	idx, err := targetIndex(el.Target.Dev)
	if err != nil {
		return Disk{}, err
	}

	d := Disk{Index: idx}
	if el.Source != nil && el.Source.File != nil {
		d.Source = el.Source.File.File
	}
	if el.Driver != nil {
		d.Format = resources.ImageFormat(el.Driver.Type)
	}
	return d, nil
}

func targetIndex(dev string) (int, error) {
	if len(dev) != 3 || !strings.HasPrefix(dev, "sd") || dev[2] < 'a' || dev[2] > 'z' {
		return 0, fmt.Errorf("unexpected disk target: %q", dev)
	}
	return int(dev[2] - 'a'), nil
}

// attachedDisk reports disks managed by attach/detach: any sd target past the base disk.
func attachedDisk(el lx.DomainDisk) bool {
	if el.Device != "" && el.Device != "disk" {
		return false
	}
	if el.Target == nil {
		return false
	}
	idx, err := targetIndex(el.Target.Dev)
	return err == nil && idx > 0
}

// redefineDomainXML swaps the attached disks of a domain definition.
func redefineDomainXML(doc string, disks []Disk) (string, error) {
	var dom lx.Domain
	if err := dom.Unmarshal(doc); err != nil {
		return "", fmt.Errorf("failed to decode domain: %w", err)
	}
	if dom.Devices == nil {
		dom.Devices = &lx.DomainDeviceList{}
	}

	kept := make([]lx.DomainDisk, 0, len(dom.Devices.Disks)+len(disks))
	for _, el := range dom.Devices.Disks {
		if !attachedDisk(el) {
			kept = append(kept, el)
		}
	}
	for _, d := range disks {
		if d.Index < 1 || d.Index > 25 {
			return "", fmt.Errorf("disk index out of range: %d", d.Index)
		}
		kept = append(kept, *d.element())
	}
	dom.Devices.Disks = kept

	out, err := dom.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to encode domain %s: %w", dom.Name, err)
	}
	return out, nil
}
