package agents

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/telemetry"
	"github.com/vmforge/vmforge/pkg/virt"
)

// Task types.
const (
	TaskTypeImage   = "image"
	TaskTypeStorage = "storage"
	TaskTypeNode    = "node"
)

// Config holds the tunables of the handlers.
type Config struct {
	// ImagesDir is the image directory on nodes.
	ImagesDir string
	// UploadReadSize is the size of a single read while streaming an upload.
	UploadReadSize int
	// QemuImg is the qemu-img binary.
	QemuImg string
	// UseSudo runs qemu-img and mkdir through sudo -n.
	UseSudo bool
	// FetchTimeout bounds an upload_url transfer. Zero means no limit.
	FetchTimeout time.Duration
	// SuspendDuration is how long a suspended node sleeps.
	SuspendDuration time.Duration
	// WakeupTime is the settle time between the wake signal and the start sequence.
	WakeupTime time.Duration
	// ARPTable is the kernel ARP table read to learn node MAC addresses.
	ARPTable string
	// WakeCommand is the wake-on-LAN command; the MAC address is appended.
	WakeCommand []string
	// PingCommand primes the ARP table; the node address is appended.
	PingCommand []string
}

// DefaultConfig returns the handler defaults.
func DefaultConfig() Config {
	return Config{
		ImagesDir:       "/images",
		UploadReadSize:  250 * 1024,
		QemuImg:         "qemu-img",
		UseSudo:         false,
		SuspendDuration: time.Hour,
		WakeupTime:      2 * time.Minute,
		ARPTable:        "/proc/net/arp",
		WakeCommand:     []string{"wakeonlan"},
		PingCommand:     []string{"ping", "-c", "1"},
	}
}

// NodeStarter runs the normal start sequence of a node.
type NodeStarter interface {
	StartNode(ctx context.Context, node *resources.Node) error
}

// Deps are the collaborators of the handlers.
type Deps struct {
	Repo    resources.Repository
	Chunks  resources.ChunkStore
	Ops     remoteops.Ops
	Virt    virt.Connector
	HTTP    *http.Client
	Starter NodeStarter
	Metrics *telemetry.Metrics
}

// Agents holds the handlers of all task types.
type Agents struct {
	Deps
	cfg Config

	sleep func(ctx context.Context, d time.Duration) error
}

// New creates the handlers.
func New(deps Deps, cfg Config) *Agents {
	if deps.HTTP == nil {
		deps.HTTP = &http.Client{}
	}
	if cfg.UploadReadSize <= 0 {
		cfg.UploadReadSize = DefaultConfig().UploadReadSize
	}
	if cfg.QemuImg == "" {
		cfg.QemuImg = "qemu-img"
	}
	if cfg.ImagesDir == "" {
		cfg.ImagesDir = "/images"
	}
	return &Agents{Deps: deps, cfg: cfg, sleep: sleepContext}
}

// Register binds every handler and policy to d.
func (a *Agents) Register(d *engine.Dispatcher) {
	for action, h := range map[string]engine.HandlerFunc{
		"create":      a.imageCreate,
		"upload_url":  a.imageUploadURL,
		"upload_data": a.imageUploadData,
		"delete":      a.imageDelete,
		"attach":      a.imageAttach,
		"detach":      a.imageDetach,
		"duplicate":   a.imageDuplicate,
	} {
		d.Register(TaskTypeImage, action, h)
	}

	for action, h := range map[string]engine.HandlerFunc{
		"mount":  a.storageMount,
		"umount": a.storageUmount,
	} {
		d.Register(TaskTypeStorage, action, h)
	}

	for action, h := range map[string]engine.HandlerFunc{
		"load_image":         a.nodeLoadImage,
		"delete":             a.nodeDelete,
		"save_image":         a.nodeSaveImage,
		"resize_image":       a.nodeResizeImage,
		"check":              a.nodeCheck,
		"suspend":            a.nodeSuspend,
		"wake_up":            a.nodeWakeUp,
		"mount":              a.nodeMount,
		"umount":             a.nodeUmount,
		"create_images_pool": a.nodeCreateImagesPool,
	} {
		d.Register(TaskTypeNode, action, h)
	}

	d.SetPolicy(TaskTypeImage, a.imagePolicy())
	d.SetPolicy(TaskTypeStorage, a.storagePolicy())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// storeError classifies a repository failure.
func storeError(what string, err error) error {
	if errors.Is(err, resources.ErrNotFound) {
		return engine.Reject(engine.ErrCodeMissingObject, fmt.Sprintf("%s not found", what)).
			WithOperation("load")
	}
	return engine.NewRecoverableError(fmt.Sprintf("failed to access %s", what), err).
		WithCode(engine.ErrCodeStoreFailed)
}

// opError classifies a remote operation failure. Missing files and refused
// credentials will not fix themselves and are fatal.
func opError(message string, err error) error {
	switch remoteops.KindOf(err) {
	case remoteops.KindNotFound, remoteops.KindAuth:
		return engine.NewFatalError(message, err).WithCode(engine.ErrCodeRemoteOpFailed)
	default:
		return engine.NewRecoverableError(message, err).WithCode(engine.ErrCodeRemoteOpFailed)
	}
}

func nodeHost(n *resources.Node) *remoteops.Host {
	return &remoteops.Host{Address: n.Address, Username: n.Username}
}

// checkOnline refuses to touch an unreachable node unless errors are ignored.
func checkOnline(task *engine.Task, n *resources.Node) error {
	if n.State != resources.NodeStateOK && !task.IgnoreErrors {
		return engine.NotReady(engine.ErrCodeNodeOffline, fmt.Sprintf("node %s is %s", n.Address, n.State)).
			WithResource(n.ID)
	}
	return nil
}

// openVirt opens a hypervisor connection and returns its release function.
func (a *Agents) openVirt(ctx context.Context, task *engine.Task, n *resources.Node) (virt.Conn, func(), error) {
	conn, err := a.Virt.Open(ctx, n)
	if err != nil {
		return nil, nil, engine.NewRecoverableError("failed to connect to hypervisor", err).
			WithResource(n.ID)
	}
	release := func() {
		if err := conn.Close(); err != nil {
			task.Logger().WithError(err).Warn("failed to close hypervisor connection")
		}
	}
	return conn, release, nil
}
