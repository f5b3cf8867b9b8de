package resources

import (
	"fmt"
	"sort"
)

var imageTransitions = map[ImageState][]ImageState{
	ImageStateCreating:    {ImageStateOK, ImageStateFailed},
	ImageStateOK:          {ImageStateOK, ImageStateDownloading, ImageStateDeleted, ImageStateFailed},
	ImageStateDownloading: {ImageStateOK, ImageStateDownloading, ImageStateFailed},
	ImageStateFailed:      {ImageStateDeleted, ImageStateFailed},
	ImageStateDeleted:     {ImageStateDeleted},
}

var storageTransitions = map[StorageState][]StorageState{
	StorageStateOK:     {StorageStateOK, StorageStateLocked},
	StorageStateLocked: {StorageStateOK, StorageStateLocked},
}

var nodeTransitions = map[NodeState][]NodeState{
	NodeStateOK:      {NodeStateOK, NodeStateOffline, NodeStateSuspend},
	NodeStateOffline: {NodeStateOK, NodeStateOffline, NodeStateSuspend},
	NodeStateSuspend: {NodeStateOK, NodeStateOffline, NodeStateSuspend},
}

// CanTransitionImage reports whether an image may move from one state to another.
// The lifecycle policy may force failed from any non-deleted state.
func CanTransitionImage(from, to ImageState) bool {
	return contains(imageTransitions[from], to)
}

// CanTransitionStorage reports whether a storage may move between states.
func CanTransitionStorage(from, to StorageState) bool {
	return contains(storageTransitions[from], to)
}

// CanTransitionNode reports whether a node may move between states.
func CanTransitionNode(from, to NodeState) bool {
	return contains(nodeTransitions[from], to)
}

func contains[T comparable](list []T, v T) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

// CheckImageInvariants validates the structural invariants of an image record.
func CheckImageInvariants(img *Image) error {
	if img.IsAttached() && img.State != ImageStateOK {
		return fmt.Errorf("image %s attached in state %s", img.ID, img.State)
	}
	if img.Progress < 0 || img.Progress > 1 {
		return fmt.Errorf("image %s progress out of range: %f", img.ID, img.Progress)
	}
	if img.Size < 0 {
		return fmt.Errorf("image %s has negative size", img.ID)
	}
	return nil
}

// DeviceLetter maps a disk device index to its drive letter: 0 -> a, 1 -> b.
func DeviceLetter(index int) string {
	return string(rune('a' + index))
}

// DeviceTarget returns the guest device name for an index, e.g. "sdd" for 3.
func DeviceTarget(index int) string {
	return "sd" + DeviceLetter(index)
}

// NextDeviceIndex returns the lowest index >= 1 not present in used.
func NextDeviceIndex(used []int) int {
	taken := make(map[int]struct{}, len(used))
	for _, u := range used {
		taken[u] = struct{}{}
	}
	idx := 1
	for {
		if _, ok := taken[idx]; !ok {
			return idx
		}
		idx++
	}
}

// UsedDeviceIndexes collects the device indexes of the given images, sorted.
func UsedDeviceIndexes(images []*Image) []int {
	out := make([]int, 0, len(images))
	for _, img := range images {
		if img.DiskDeviceIndex != nil {
			out = append(out, *img.DiskDeviceIndex)
		}
	}
	sort.Ints(out)
	return out
}
