package resources

import (
	"context"
	"errors"
)

// ErrNotFound is returned by repositories when a record does not exist.
var ErrNotFound = errors.New("not found")

// Repository is the persistence contract the agents depend on.
// Every Save call must be durable before it returns so intermediate
// states stay observable if the worker dies mid-task.
type Repository interface {
	GetImage(ctx context.Context, id string) (*Image, error)
	SaveImage(ctx context.Context, img *Image) error
	ListImagesAttachedTo(ctx context.Context, vmID string) ([]*Image, error)

	GetStorage(ctx context.Context, id string) (*Storage, error)
	SaveStorage(ctx context.Context, s *Storage) error

	GetNode(ctx context.Context, id string) (*Node, error)
	SaveNode(ctx context.Context, n *Node) error

	GetVM(ctx context.Context, id string) (*VM, error)
	SaveVM(ctx context.Context, vm *VM) error
	// ListVMsUsingImage returns VMs whose base image is imageID.
	ListVMsUsingImage(ctx context.Context, imageID string) ([]*VM, error)
	// ListVMsOnNode returns VMs on the node, filtered by state when states is non-empty.
	ListVMsOnNode(ctx context.Context, nodeID string, states ...VMState) ([]*VM, error)

	CreateDevice(ctx context.Context, d *Device) error
	DeleteDevicesForObject(ctx context.Context, objectID string) (int, error)
	ListDevicesForVM(ctx context.Context, vmID string) ([]*Device, error)
}

// ChunkStore holds single-use upload chunks.
type ChunkStore interface {
	FetchChunk(ctx context.Context, key string) (*DataChunk, error)
	DeleteChunk(ctx context.Context, key string) error
}
