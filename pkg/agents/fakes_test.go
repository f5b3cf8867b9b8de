package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/telemetry"
	"github.com/vmforge/vmforge/pkg/virt"
)

// memRepo is an in-memory Repository and ChunkStore. Records are copied on
// the way in and out like a real store.
type memRepo struct {
	mu       sync.Mutex
	images   map[string]resources.Image
	storages map[string]resources.Storage
	nodes    map[string]resources.Node
	vms      map[string]resources.VM
	devices  map[string]resources.Device
	chunks   map[string]resources.DataChunk

	imageHistory []resources.Image
}

func newMemRepo() *memRepo {
	return &memRepo{
		images:   map[string]resources.Image{},
		storages: map[string]resources.Storage{},
		nodes:    map[string]resources.Node{},
		vms:      map[string]resources.VM{},
		devices:  map[string]resources.Device{},
		chunks:   map[string]resources.DataChunk{},
	}
}

func notFound(what, id string) error {
	return fmt.Errorf("%s not found: %s: %w", what, id, resources.ErrNotFound)
}

func (r *memRepo) GetImage(_ context.Context, id string) (*resources.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return nil, notFound("image", id)
	}
	return &img, nil
}

func (r *memRepo) SaveImage(_ context.Context, img *resources.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[img.ID] = *img
	r.imageHistory = append(r.imageHistory, *img)
	return nil
}

func (r *memRepo) ListImagesAttachedTo(_ context.Context, vmID string) ([]*resources.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*resources.Image
	for _, img := range r.images {
		if img.AttachedTo != nil && *img.AttachedTo == vmID {
			img := img
			out = append(out, &img)
		}
	}
	return out, nil
}

func (r *memRepo) GetStorage(_ context.Context, id string) (*resources.Storage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.storages[id]
	if !ok {
		return nil, notFound("storage", id)
	}
	return &st, nil
}

func (r *memRepo) SaveStorage(_ context.Context, st *resources.Storage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storages[st.ID] = *st
	return nil
}

func (r *memRepo) GetNode(_ context.Context, id string) (*resources.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, notFound("node", id)
	}
	props := make(map[string]string, len(n.Properties))
	for k, v := range n.Properties {
		props[k] = v
	}
	n.Properties = props
	return &n, nil
}

func (r *memRepo) SaveNode(_ context.Context, n *resources.Node) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *n
	cp.Properties = make(map[string]string, len(n.Properties))
	for k, v := range n.Properties {
		cp.Properties[k] = v
	}
	r.nodes[n.ID] = cp
	return nil
}

func (r *memRepo) GetVM(_ context.Context, id string) (*resources.VM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[id]
	if !ok {
		return nil, notFound("vm", id)
	}
	return &vm, nil
}

func (r *memRepo) SaveVM(_ context.Context, vm *resources.VM) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vms[vm.ID] = *vm
	return nil
}

func (r *memRepo) ListVMsUsingImage(_ context.Context, imageID string) ([]*resources.VM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*resources.VM
	for _, vm := range r.vms {
		if vm.BaseImageID == imageID {
			vm := vm
			out = append(out, &vm)
		}
	}
	return out, nil
}

func (r *memRepo) ListVMsOnNode(_ context.Context, nodeID string, states ...resources.VMState) ([]*resources.VM, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*resources.VM
	for _, vm := range r.vms {
		if vm.NodeID != nodeID {
			continue
		}
		if len(states) > 0 && !vm.State.In(states...) {
			continue
		}
		vm := vm
		out = append(out, &vm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) CreateDevice(_ context.Context, d *resources.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[d.ID] = *d
	return nil
}

func (r *memRepo) DeleteDevicesForObject(_ context.Context, objectID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, d := range r.devices {
		if d.ObjectID == objectID {
			delete(r.devices, id)
			n++
		}
	}
	return n, nil
}

func (r *memRepo) ListDevicesForVM(_ context.Context, vmID string) ([]*resources.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*resources.Device
	for _, d := range r.devices {
		if d.VMID == vmID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRepo) FetchChunk(_ context.Context, key string) (*resources.DataChunk, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chunks[key]
	if !ok {
		return nil, notFound("chunk", key)
	}
	return &c, nil
}

func (r *memRepo) DeleteChunk(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chunks, key)
	return nil
}

func (r *memRepo) image(t *testing.T, id string) *resources.Image {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	require.True(t, ok, "image %s missing", id)
	return &img
}

func (r *memRepo) vm(t *testing.T, id string) resources.VM {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	vm, ok := r.vms[id]
	require.True(t, ok, "vm %s missing", id)
	return vm
}

func (r *memRepo) node(t *testing.T, id string) resources.Node {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	require.True(t, ok, "node %s missing", id)
	return n
}

func (r *memRepo) deviceCount(objectID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.devices {
		if d.ObjectID == objectID {
			n++
		}
	}
	return n
}

// fakeOps runs local file operations for real and keeps node files in memory.
// Commands are recorded and emulated by name.
type fakeOps struct {
	local remoteops.LocalFS

	mu       sync.Mutex
	remote   map[string][]byte
	commands []recordedCommand
	// exit holds exit codes by command name, e.g. "rebase" or "wakeonlan".
	exit map[string]int
	info string
	// renameErr fails every rename, removeErr fails removal of node files.
	renameErr error
	removeErr error
}

type recordedCommand struct {
	Host string
	Argv []string
}

func newFakeOps() *fakeOps {
	return &fakeOps{remote: map[string][]byte{}, exit: map[string]int{}}
}

func remoteKey(p remoteops.Path) string {
	return p.Host.Address + ":" + p.Name
}

func (o *fakeOps) read(p remoteops.Path) ([]byte, error) {
	if p.IsLocal() {
		data, err := os.ReadFile(p.Name)
		if err != nil {
			kind := remoteops.KindIO
			if os.IsNotExist(err) {
				kind = remoteops.KindNotFound
			}
			return nil, &remoteops.OpError{Op: "copy", Kind: kind, Path: p.Name, Err: err}
		}
		return data, nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.remote[remoteKey(p)]
	if !ok {
		return nil, &remoteops.OpError{Op: "copy", Kind: remoteops.KindNotFound, Path: p.String()}
	}
	return append([]byte(nil), data...), nil
}

func (o *fakeOps) CopyFile(_ context.Context, src, dst remoteops.Path) (int64, error) {
	data, err := o.read(src)
	if err != nil {
		return 0, err
	}
	if dst.IsLocal() {
		if err := os.WriteFile(dst.Name, data, 0644); err != nil {
			return 0, &remoteops.OpError{Op: "copy", Kind: remoteops.KindIO, Path: dst.Name, Err: err}
		}
		return int64(len(data)), nil
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remote[remoteKey(dst)] = data
	return int64(len(data)), nil
}

func (o *fakeOps) RemoveFile(ctx context.Context, p remoteops.Path) error {
	if p.IsLocal() {
		return o.local.RemoveFile(ctx, p)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.removeErr != nil {
		return o.removeErr
	}
	if _, ok := o.remote[remoteKey(p)]; !ok {
		return &remoteops.OpError{Op: "remove", Kind: remoteops.KindNotFound, Path: p.String()}
	}
	delete(o.remote, remoteKey(p))
	return nil
}

func (o *fakeOps) RenameFile(ctx context.Context, src, dst remoteops.Path) error {
	o.mu.Lock()
	renameErr := o.renameErr
	o.mu.Unlock()
	if renameErr != nil {
		return renameErr
	}
	if src.IsLocal() {
		return o.local.RenameFile(ctx, src, dst)
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.remote[remoteKey(src)]
	if !ok {
		return &remoteops.OpError{Op: "rename", Kind: remoteops.KindNotFound, Path: src.String()}
	}
	delete(o.remote, remoteKey(src))
	o.remote[remoteKey(dst)] = data
	return nil
}

func (o *fakeOps) StatFile(ctx context.Context, p remoteops.Path) (int64, error) {
	if p.IsLocal() {
		return o.local.StatFile(ctx, p)
	}
	data, err := o.read(p)
	if err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

func (o *fakeOps) RunCommand(_ context.Context, host *remoteops.Host, argv []string, capture bool) (*remoteops.Result, error) {
	o.mu.Lock()
	rec := recordedCommand{Argv: append([]string(nil), argv...)}
	if host != nil {
		rec.Host = host.Address
	}
	o.commands = append(o.commands, rec)
	o.mu.Unlock()

	args := argv
	if len(args) > 2 && args[0] == "sudo" {
		args = args[2:]
	}
	name := args[0]
	if name == "qemu-img" && len(args) > 1 {
		name = args[1]
	}

	o.mu.Lock()
	code := o.exit[name]
	info := o.info
	o.mu.Unlock()
	if code != 0 {
		return &remoteops.Result{ExitCode: code, Stderr: name + " failed"}, nil
	}

	res := &remoteops.Result{}
	switch name {
	case "create":
		// qemu-img create -f <fmt> <path> <size>
		size, err := strconv.ParseInt(args[5], 10, 64)
		if err != nil {
			return nil, err
		}
		f, err := os.Create(args[4])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		if err := f.Truncate(size); err != nil {
			return nil, err
		}
	case "mkdir":
		if host == nil {
			if err := os.MkdirAll(args[len(args)-1], 0755); err != nil {
				return nil, err
			}
		}
	case "info":
		if capture {
			res.Stdout = info
		}
	}
	return res, nil
}

func (o *fakeOps) ran(name string) []recordedCommand {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []recordedCommand
	for _, c := range o.commands {
		if strings.Contains(strings.Join(c.Argv, " "), name) {
			out = append(out, c)
		}
	}
	return out
}

func (o *fakeOps) remoteFile(address, name string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	data, ok := o.remote[address+":"+name]
	return data, ok
}

func (o *fakeOps) putRemote(address, name string, data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.remote[address+":"+name] = data
}

// fakeVirt is a Connector whose connections share one hypervisor state.
type fakeVirt struct {
	mu          sync.Mutex
	openErr     error
	running     map[string]bool
	redefineErr error
	redefined   [][]virt.Disk
	suspended   []time.Duration
	opened      int
	closed      int
}

func newFakeVirt() *fakeVirt {
	return &fakeVirt{running: map[string]bool{}}
}

func (v *fakeVirt) Open(_ context.Context, _ *resources.Node) (virt.Conn, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.openErr != nil {
		return nil, v.openErr
	}
	v.opened++
	return &fakeConn{v: v}, nil
}

type fakeConn struct {
	v *fakeVirt
}

func (c *fakeConn) DomainRunning(_ context.Context, name string) (bool, error) {
	c.v.mu.Lock()
	defer c.v.mu.Unlock()
	running, ok := c.v.running[name]
	if !ok {
		return false, fmt.Errorf("%s: %w", name, virt.ErrDomainNotFound)
	}
	return running, nil
}

func (c *fakeConn) RedefineDisks(_ context.Context, _ string, disks []virt.Disk) error {
	c.v.mu.Lock()
	defer c.v.mu.Unlock()
	if c.v.redefineErr != nil {
		return c.v.redefineErr
	}
	c.v.redefined = append(c.v.redefined, append([]virt.Disk(nil), disks...))
	return nil
}

func (c *fakeConn) SuspendForDuration(_ context.Context, d time.Duration) error {
	c.v.mu.Lock()
	defer c.v.mu.Unlock()
	c.v.suspended = append(c.v.suspended, d)
	return nil
}

func (c *fakeConn) Close() error {
	c.v.mu.Lock()
	defer c.v.mu.Unlock()
	c.v.closed++
	return nil
}

type fakeStarter struct {
	started []string
}

func (s *fakeStarter) StartNode(_ context.Context, n *resources.Node) error {
	s.started = append(s.started, n.ID)
	return nil
}

// harness wires the handlers to fakes and a dispatcher.
type harness struct {
	repo    *memRepo
	ops     *fakeOps
	virt    *fakeVirt
	starter *fakeStarter
	agents  *Agents
	d       *engine.Dispatcher
	dir     string
	slept   []time.Duration
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		repo:    newMemRepo(),
		ops:     newFakeOps(),
		virt:    newFakeVirt(),
		starter: &fakeStarter{},
		dir:     t.TempDir(),
	}

	cfg := DefaultConfig()
	cfg.UploadReadSize = 256000
	cfg.ARPTable = filepath.Join(h.dir, "arp")
	cfg.SuspendDuration = 30 * time.Minute
	cfg.WakeupTime = 90 * time.Second

	h.agents = New(Deps{
		Repo:    h.repo,
		Chunks:  h.repo,
		Ops:     h.ops,
		Virt:    h.virt,
		Starter: h.starter,
	}, cfg)
	h.agents.sleep = func(_ context.Context, d time.Duration) error {
		h.slept = append(h.slept, d)
		return nil
	}

	h.d = engine.NewDispatcher(engine.WithLogger(telemetry.NewNopLogger()))
	h.agents.Register(h.d)

	h.repo.storages["st-1"] = resources.Storage{ID: "st-1", State: resources.StorageStateOK, Path: filepath.Join(h.dir, "storage")}
	require.NoError(t, os.MkdirAll(filepath.Join(h.dir, "storage"), 0755))
	h.repo.nodes["node-1"] = resources.Node{ID: "node-1", Address: "10.0.0.5", Username: "cc", State: resources.NodeStateOK}
	return h
}

func (h *harness) storagePath() string {
	return filepath.Join(h.dir, "storage")
}

// addImage registers an image and writes its file when content is not nil.
func (h *harness) addImage(t *testing.T, img resources.Image, content []byte) {
	t.Helper()
	if img.StorageID == "" {
		img.StorageID = "st-1"
	}
	if img.Format == "" {
		img.Format = resources.ImageFormatRaw
	}
	h.repo.images[img.ID] = img
	if content != nil {
		require.NoError(t, os.WriteFile(filepath.Join(h.storagePath(), img.ID), content, 0644))
	}
}

func (h *harness) addVM(vm resources.VM) {
	if vm.NodeID == "" {
		vm.NodeID = "node-1"
	}
	if vm.LibvirtName == "" {
		vm.LibvirtName = "vm-" + vm.ID
	}
	h.repo.vms[vm.ID] = vm
}

func (h *harness) dispatch(taskType, action string, objects map[resources.Kind]string, props map[string]interface{}, ignore bool) (*engine.Task, error) {
	if props == nil {
		props = map[string]interface{}{}
	}
	task := &engine.Task{
		ID:           "task-" + taskType + "-" + action,
		Type:         taskType,
		Action:       action,
		Objects:      objects,
		Props:        props,
		IgnoreErrors: ignore,
	}
	return task, h.d.Dispatch(context.Background(), task)
}

func (h *harness) imageFile(t *testing.T, id string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.storagePath(), id))
	require.NoError(t, err)
	return data
}
