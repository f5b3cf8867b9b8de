package resources

import (
	"fmt"
	"path"
	"time"
)

// ImageFormat is the on-disk format of an image file.
type ImageFormat string

const (
	ImageFormatRaw   ImageFormat = "raw"
	ImageFormatQCOW2 ImageFormat = "qcow2"
	ImageFormatQED   ImageFormat = "qed"
)

// IsCopyOnWrite reports whether files of this format may reference a backing file.
func (f ImageFormat) IsCopyOnWrite() bool {
	return f == ImageFormatQCOW2 || f == ImageFormatQED
}

// Valid reports whether f is a supported format.
func (f ImageFormat) Valid() bool {
	switch f {
	case ImageFormatRaw, ImageFormatQCOW2, ImageFormatQED:
		return true
	}
	return false
}

// ImageState is the lifecycle state of an image.
type ImageState string

const (
	ImageStateCreating    ImageState = "creating"
	ImageStateOK          ImageState = "ok"
	ImageStateDownloading ImageState = "downloading"
	ImageStateDeleted     ImageState = "deleted"
	ImageStateFailed      ImageState = "failed"
)

// IsTerminal returns true for states no handler moves the image out of.
func (s ImageState) IsTerminal() bool {
	return s == ImageStateDeleted || s == ImageStateFailed
}

// StorageState is the lifecycle state of a storage mount.
type StorageState string

const (
	StorageStateOK     StorageState = "ok"
	StorageStateLocked StorageState = "locked"
)

// NodeState is the lifecycle state of a hypervisor host.
type NodeState string

const (
	NodeStateOK      NodeState = "ok"
	NodeStateOffline NodeState = "offline"
	NodeStateSuspend NodeState = "suspend"
)

// VMState is the subset of virtual machine states read and written by the agents.
type VMState string

const (
	VMStateStopped  VMState = "stopped"
	VMStateStarting VMState = "starting"
	VMStateRunning  VMState = "running"
	VMStateClosing  VMState = "closing"
	VMStateClosed   VMState = "closed"
	VMStateSaving   VMState = "saving"
)

// In reports whether s is one of states.
func (s VMState) In(states ...VMState) bool {
	for _, st := range states {
		if s == st {
			return true
		}
	}
	return false
}

// Image is a virtual machine disk image stored on a Storage.
type Image struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Format          ImageFormat `json:"format"`
	Size            int64       `json:"size"`
	State           ImageState  `json:"state"`
	StorageID       string      `json:"storage_id"`
	BackingFileName string      `json:"backing_file_name,omitempty"`
	AttachedTo      *string     `json:"attached_to,omitempty"`
	DiskDeviceIndex *int        `json:"disk_device_index,omitempty"`
	// Progress is the completion fraction of the running upload, in [0, 1].
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsAttached returns true if the image is attached to a VM.
func (i *Image) IsAttached() bool {
	return i.AttachedTo != nil && *i.AttachedTo != ""
}

// FileName returns the name of the image file inside its storage.
func (i *Image) FileName() string {
	if i.BackingFileName != "" {
		return i.BackingFileName
	}
	return i.ID
}

// Attach records the attachment to vmID at the given device index.
func (i *Image) Attach(vmID string, index int) {
	i.AttachedTo = &vmID
	i.DiskDeviceIndex = &index
}

// Detach clears the attachment fields.
func (i *Image) Detach() {
	i.AttachedTo = nil
	i.DiskDeviceIndex = nil
}

// Storage is a mount point holding image files.
type Storage struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	State     StorageState `json:"state"`
	Path      string       `json:"path"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// ImagePath returns the absolute path of the image file inside this storage.
func (s *Storage) ImagePath(img *Image) string {
	return path.Join(s.Path, img.FileName())
}

// Node is a physical hypervisor host.
type Node struct {
	ID         string            `json:"id"`
	Address    string            `json:"address"`
	Username   string            `json:"username"`
	State      NodeState         `json:"state"`
	Properties map[string]string `json:"properties,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Well-known node properties.
const (
	NodePropMAC = "mac"
)

// Prop returns the named property and whether it was set.
func (n *Node) Prop(name string) (string, bool) {
	v, ok := n.Properties[name]
	return v, ok && v != ""
}

// SetProp sets a property, allocating the map if needed.
func (n *Node) SetProp(name, value string) {
	if n.Properties == nil {
		n.Properties = make(map[string]string)
	}
	n.Properties[name] = value
}

// VM is a virtual machine hosted on a node.
type VM struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	LibvirtName string    `json:"libvirt_name"`
	State       VMState   `json:"state"`
	NodeID      string    `json:"node_id"`
	BaseImageID string    `json:"base_image_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Device links an attached image to the hypervisor device XML presented to a VM.
type Device struct {
	ID        string    `json:"id"`
	ObjectID  string    `json:"object_id"`
	VMID      string    `json:"vm_id"`
	XML       string    `json:"xml"`
	CreatedAt time.Time `json:"created_at"`
}

// DataChunk is a single-use, offset-addressed payload for inline uploads.
type DataChunk struct {
	Key       string    `json:"key"`
	Offset    int64     `json:"offset"`
	Data      string    `json:"data"` // base64
	ExpiresAt time.Time `json:"expires_at"`
}

// Kind names a resource type as used in task object references.
type Kind string

const (
	KindImage   Kind = "image"
	KindStorage Kind = "storage"
	KindNode    Kind = "node"
	KindVM      Kind = "vm"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindImage, KindStorage, KindNode, KindVM:
		return k, nil
	}
	return "", fmt.Errorf("unknown resource kind: %s", s)
}
