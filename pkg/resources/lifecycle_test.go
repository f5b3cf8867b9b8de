package resources

import (
	"testing"
)

func TestNextDeviceIndex(t *testing.T) {
	tests := []struct {
		name string
		used []int
		want int
	}{
		{name: "empty", used: nil, want: 1},
		{name: "contiguous", used: []int{1, 2}, want: 3},
		{name: "gap", used: []int{1, 3}, want: 2},
		{name: "unordered", used: []int{4, 2, 1, 3}, want: 5},
		{name: "zero ignored", used: []int{0}, want: 1},
		{name: "duplicates", used: []int{2, 2, 1}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NextDeviceIndex(tt.used); got != tt.want {
				t.Errorf("NextDeviceIndex(%v) = %d, want %d", tt.used, got, tt.want)
			}
		})
	}
}

func TestDeviceTarget(t *testing.T) {
	tests := []struct {
		index int
		want  string
	}{
		{0, "sda"},
		{1, "sdb"},
		{3, "sdd"},
		{25, "sdz"},
	}

	for _, tt := range tests {
		if got := DeviceTarget(tt.index); got != tt.want {
			t.Errorf("DeviceTarget(%d) = %q, want %q", tt.index, got, tt.want)
		}
	}
}

func TestCanTransitionImage(t *testing.T) {
	tests := []struct {
		from, to ImageState
		want     bool
	}{
		{ImageStateCreating, ImageStateOK, true},
		{ImageStateOK, ImageStateDownloading, true},
		{ImageStateDownloading, ImageStateOK, true},
		{ImageStateDownloading, ImageStateFailed, true},
		{ImageStateOK, ImageStateDeleted, true},
		{ImageStateDeleted, ImageStateOK, false},
		{ImageStateFailed, ImageStateOK, false},
		{ImageStateCreating, ImageStateDownloading, false},
	}

	for _, tt := range tests {
		if got := CanTransitionImage(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionImage(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCheckImageInvariants(t *testing.T) {
	vm := "vm-1"

	attachedOK := &Image{ID: "a", State: ImageStateOK, AttachedTo: &vm}
	if err := CheckImageInvariants(attachedOK); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	attachedDownloading := &Image{ID: "b", State: ImageStateDownloading, AttachedTo: &vm}
	if err := CheckImageInvariants(attachedDownloading); err == nil {
		t.Error("expected error for attached image outside ok")
	}

	overProgress := &Image{ID: "c", State: ImageStateDownloading, Progress: 1.01}
	if err := CheckImageInvariants(overProgress); err == nil {
		t.Error("expected error for progress > 1")
	}
}

func TestUsedDeviceIndexes(t *testing.T) {
	one, three := 1, 3
	images := []*Image{
		{ID: "a", DiskDeviceIndex: &three},
		{ID: "b"},
		{ID: "c", DiskDeviceIndex: &one},
	}

	got := UsedDeviceIndexes(images)
	if len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("UsedDeviceIndexes() = %v, want [1 3]", got)
	}
}

func TestImageFileName(t *testing.T) {
	img := &Image{ID: "img-1"}
	if img.FileName() != "img-1" {
		t.Errorf("FileName() = %q, want img-1", img.FileName())
	}

	img.BackingFileName = "disk-img-1.qcow2"
	st := &Storage{Path: "/storages/default"}
	if got := st.ImagePath(img); got != "/storages/default/disk-img-1.qcow2" {
		t.Errorf("ImagePath() = %q", got)
	}
}

func TestImageAttachDetach(t *testing.T) {
	img := &Image{ID: "img-1", State: ImageStateOK}
	img.Attach("vm-1", 2)
	if !img.IsAttached() || *img.DiskDeviceIndex != 2 {
		t.Fatalf("attach did not record fields: %+v", img)
	}
	img.Detach()
	if img.IsAttached() || img.DiskDeviceIndex != nil {
		t.Fatalf("detach did not clear fields: %+v", img)
	}
}
