package agents

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/virt"
)

// imageLockOnFail lists the image actions whose failure marks the image failed.
var imageLockOnFail = []string{"create", "upload_url", "upload_data", "delete", "duplicate"}

// maxDeviceIndex is the last index with a single-letter sd target.
const maxDeviceIndex = 25

func (a *Agents) nodeImagePath(name string) string {
	return path.Join(a.cfg.ImagesDir, name)
}

// attachedImagePath is the live copy of an attached image on the VM's node.
func (a *Agents) attachedImagePath(vm *resources.VM, img *resources.Image) string {
	return a.nodeImagePath("permanent-" + vm.ID + "-" + img.ID)
}

func (a *Agents) imageCreate(ctx context.Context, task *engine.Task) error {
	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}
	if !img.Format.Valid() {
		return engine.NewFatalError(fmt.Sprintf("unsupported image format %q", img.Format), nil).
			WithResource(img.ID)
	}

	file := st.ImagePath(img)
	argv := a.qemu().create(img.Format, file, img.Size)
	res, err := a.Ops.RunCommand(ctx, nil, argv, false)
	if err != nil {
		return opError("failed to allocate image", err)
	}
	if !res.Success() {
		return opError("failed to allocate image", remoteops.ExitError("create", argv, res))
	}

	size, err := a.Ops.StatFile(ctx, remoteops.Local(file))
	if err != nil {
		return opError("failed to stat image", err)
	}
	img.Size = size
	if err := a.saveImage(ctx, task, img, resources.ImageStateOK); err != nil {
		return err
	}

	task.Logger().WithResource("image", img.ID).
		Infof("allocated %s image of %s", img.Format, humanize.IBytes(uint64(size)))
	return nil
}

// startUpload validates an upload and moves the image to downloading.
func (a *Agents) startUpload(ctx context.Context, task *engine.Task) (*resources.Image, string, error) {
	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return nil, "", err
	}
	if img.IsAttached() {
		return nil, "", engine.Reject(engine.ErrCodeImageAttached, "image is attached to a vm").
			WithResource(img.ID)
	}

	img.Progress = 0
	if err := a.saveImage(ctx, task, img, resources.ImageStateDownloading); err != nil {
		return nil, "", err
	}
	return img, st.ImagePath(img), nil
}

func openImageFile(img *resources.Image, file string) (*os.File, error) {
	f, err := os.OpenFile(file, os.O_RDWR, 0)
	if err != nil {
		return nil, engine.NewFatalError("image file is not accessible", err).
			WithCode(engine.ErrCodeImageNotFound).
			WithResource(img.ID)
	}
	return f, nil
}

func (a *Agents) imageUploadURL(ctx context.Context, task *engine.Task) error {
	url, err := task.StringProp("url")
	if err != nil {
		return err
	}
	size, err := task.IntProp("size")
	if err != nil {
		return err
	}
	if size <= 0 {
		return engine.Reject(engine.ErrCodeMissingProperty, fmt.Sprintf("size must be positive, got %d", size))
	}

	img, file, err := a.startUpload(ctx, task)
	if err != nil {
		return err
	}

	f, err := openImageFile(img, file)
	if err != nil {
		return err
	}
	defer f.Close()

	if a.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.cfg.FetchTimeout)
		defer cancel()
	}

	body, err := a.openURL(ctx, url)
	if err != nil {
		return engine.NewRecoverableError("failed to open upload source", err).
			WithCode(engine.ErrCodeURLNotFound).
			WithResource(img.ID)
	}
	defer body.Close()

	written, err := a.streamUpload(ctx, task, img.ID, body, f, size)
	if err != nil {
		return err
	}
	if err := f.Close(); err != nil {
		return engine.NewRecoverableError("failed to close image file", err).WithResource(img.ID)
	}

	task.Logger().WithResource("image", img.ID).
		Infof("downloaded %s of %s", humanize.IBytes(uint64(written)), humanize.IBytes(uint64(size)))
	return a.finishUpload(ctx, task, img.ID, file)
}

func (a *Agents) openURL(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	resp, err := a.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return resp.Body, nil
}

// streamUpload copies up to size bytes and persists progress after every
// read. A source shorter than size completes the upload.
func (a *Agents) streamUpload(ctx context.Context, task *engine.Task, id string, src io.Reader, dst io.Writer, size int64) (int64, error) {
	buf := make([]byte, a.cfg.UploadReadSize)
	var written int64

	for written < size {
		n := int64(len(buf))
		if rem := size - written; rem < n {
			n = rem
		}

		got, rerr := io.ReadFull(src, buf[:n])
		if got > 0 {
			if _, err := dst.Write(buf[:got]); err != nil {
				return written, engine.NewRecoverableError("failed to write image file", err).WithResource(id)
			}
			written += int64(got)
			a.Metrics.RecordUploadBytes("url", got)

			img, err := a.getImage(ctx, id)
			if err != nil {
				return written, err
			}
			if img.State != resources.ImageStateDownloading {
				return written, engine.Reject(engine.ErrCodeUploadCancelled,
					fmt.Sprintf("image left downloading state (now %s)", img.State)).WithResource(id)
			}
			img.Progress = float64(written) / float64(size)
			if err := a.saveImage(ctx, task, img, resources.ImageStateDownloading); err != nil {
				return written, err
			}
		}

		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return written, engine.NewRecoverableError("upload source failed", rerr).WithResource(id)
		}
	}
	return written, nil
}

// finishUpload flattens copy-on-write images and records the final size.
// A failed rebase marks the image failed without raising.
func (a *Agents) finishUpload(ctx context.Context, task *engine.Task, id, file string) error {
	img, err := a.getImage(ctx, id)
	if err != nil {
		return err
	}
	if img.State != resources.ImageStateDownloading {
		return engine.Reject(engine.ErrCodeUploadCancelled,
			fmt.Sprintf("image left downloading state (now %s)", img.State)).WithResource(id)
	}

	logger := task.Logger().WithResource("image", id)
	if img.Format.IsCopyOnWrite() {
		logger.Info("rebasing image to no backing file")
		argv := a.qemu().rebase(img.Format, file)
		res, err := a.Ops.RunCommand(ctx, nil, argv, false)
		if err != nil {
			return opError("failed to rebase image", err)
		}
		if !res.Success() {
			logger.WithField("exit_code", res.ExitCode).Error("rebase failed")
			return a.saveImage(ctx, task, img, resources.ImageStateFailed)
		}
	}

	size, err := a.Ops.StatFile(ctx, remoteops.Local(file))
	if err != nil {
		return opError("failed to stat image", err)
	}
	img.Size = size
	return a.saveImage(ctx, task, img, resources.ImageStateOK)
}

func (a *Agents) imageUploadData(ctx context.Context, task *engine.Task) error {
	chunkID, err := task.StringProp("chunk_id")
	if err != nil {
		return err
	}

	img, file, err := a.startUpload(ctx, task)
	if err != nil {
		return err
	}

	f, err := openImageFile(img, file)
	if err != nil {
		return err
	}
	defer f.Close()

	chunk, err := a.Chunks.FetchChunk(ctx, chunkID)
	if errors.Is(err, resources.ErrNotFound) {
		return engine.NewFatalError("upload chunk is gone", err).
			WithCode(engine.ErrCodeChunkNotFound).
			WithResource(img.ID)
	}
	if err != nil {
		return engine.NewRecoverableError("failed to fetch upload chunk", err).
			WithCode(engine.ErrCodeStoreFailed)
	}

	data, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return engine.NewFatalError("upload chunk is not valid base64", err).WithResource(img.ID)
	}

	offset := chunk.Offset
	if task.HasProp("offset") {
		if offset, err = task.IntProp("offset"); err != nil {
			return err
		}
	}

	if _, err := f.WriteAt(data, offset); err != nil {
		return engine.NewRecoverableError("failed to write image file", err).WithResource(img.ID)
	}
	if err := f.Close(); err != nil {
		return engine.NewRecoverableError("failed to close image file", err).WithResource(img.ID)
	}
	a.Metrics.RecordUploadBytes("data", len(data))

	if err := a.Chunks.DeleteChunk(ctx, chunkID); err != nil {
		return engine.NewRecoverableError("failed to delete upload chunk", err).
			WithCode(engine.ErrCodeStoreFailed)
	}

	task.Logger().WithResource("image", img.ID).
		Debugf("wrote %d bytes at offset %d", len(data), offset)
	return a.finishUpload(ctx, task, img.ID, file)
}

func notClosed(vm *resources.VM, _ int) bool {
	return vm.State != resources.VMStateClosed
}

// attachedToLiveVM reports whether img is attached to a VM that is not closed.
func (a *Agents) attachedToLiveVM(ctx context.Context, img *resources.Image) (bool, error) {
	if !img.IsAttached() {
		return false, nil
	}
	vm, err := a.Repo.GetVM(ctx, *img.AttachedTo)
	if errors.Is(err, resources.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, storeError("vm "+*img.AttachedTo, err)
	}
	return vm.State != resources.VMStateClosed, nil
}

func (a *Agents) imageDelete(ctx context.Context, task *engine.Task) error {
	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}

	if !task.IgnoreErrors {
		live, err := a.attachedToLiveVM(ctx, img)
		if err != nil {
			return err
		}
		if live {
			return engine.Reject(engine.ErrCodeImageAttached, "image is attached to a running vm").
				WithResource(img.ID)
		}

		vms, err := a.Repo.ListVMsUsingImage(ctx, img.ID)
		if err != nil {
			return storeError("vms of image "+img.ID, err)
		}
		if busy := lo.Filter(vms, notClosed); len(busy) > 0 {
			return engine.Reject(engine.ErrCodeImageAttached,
				fmt.Sprintf("image is used by vm %s", busy[0].ID)).WithResource(img.ID)
		}
	}

	logger := task.Logger().WithResource("image", img.ID)
	if img.IsAttached() {
		logger.Warnf("deleting image attached to vm %s", *img.AttachedTo)
		img.Detach()
		if err := a.saveImage(ctx, task, img, img.State); err != nil {
			return err
		}
		if _, err := a.Repo.DeleteDevicesForObject(ctx, img.ID); err != nil {
			return storeError("devices of image "+img.ID, err)
		}
	}

	if err := a.Ops.RemoveFile(ctx, remoteops.Local(st.ImagePath(img))); err != nil {
		if !(remoteops.IsNotFound(err) && task.IgnoreErrors) {
			return opError("failed to remove image file", err)
		}
		logger.WithError(err).Warn("image file already gone")
	}

	return a.saveImage(ctx, task, img, resources.ImageStateDeleted)
}

// pickDeviceIndex honors a requested free index, else the lowest free one.
// Index 0 is the vm's base disk and cannot be requested.
func pickDeviceIndex(task *engine.Task, used []int) (int, error) {
	idx := resources.NextDeviceIndex(used)
	if task.HasProp("device") {
		want, err := task.IntProp("device")
		if err != nil {
			return 0, err
		}
		if want < 1 {
			return 0, engine.Reject(engine.ErrCodeNoFreeDevice,
				fmt.Sprintf("device index %d is reserved for the base disk", want))
		}
		if !lo.Contains(used, int(want)) {
			idx = int(want)
		}
	}
	if idx > maxDeviceIndex {
		return 0, engine.Reject(engine.ErrCodeNoFreeDevice, fmt.Sprintf("device index %d out of range", idx))
	}
	return idx, nil
}

// redefine pushes the device records of vm to the hypervisor.
func (a *Agents) redefine(ctx context.Context, conn virt.Conn, vm *resources.VM) error {
	devices, err := a.Repo.ListDevicesForVM(ctx, vm.ID)
	if err != nil {
		return fmt.Errorf("failed to list devices: %w", err)
	}
	disks := make([]virt.Disk, 0, len(devices))
	for _, d := range devices {
		disk, err := virt.ParseDiskXML(d.XML)
		if err != nil {
			return fmt.Errorf("device %s: %w", d.ID, err)
		}
		disks = append(disks, disk)
	}
	return conn.RedefineDisks(ctx, vm.LibvirtName, disks)
}

func (a *Agents) imageAttach(ctx context.Context, task *engine.Task) error {
	vm, err := a.taskVM(ctx, task)
	if err != nil {
		return err
	}
	node, err := a.getNode(ctx, vm.NodeID)
	if err != nil {
		return err
	}
	if err := checkOnline(task, node); err != nil {
		return err
	}

	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}
	live, err := a.attachedToLiveVM(ctx, img)
	if err != nil {
		return err
	}
	if live {
		return engine.Reject(engine.ErrCodeImageAttached, "image is attached to another vm").WithResource(img.ID)
	}
	if vm.State != resources.VMStateStopped {
		return engine.Reject(engine.ErrCodeVMNotStopped, fmt.Sprintf("vm is %s", vm.State)).WithResource(vm.ID)
	}
	if img.State != resources.ImageStateOK {
		return engine.Reject(engine.ErrCodeImageState, fmt.Sprintf("image is %s", img.State)).WithResource(img.ID)
	}

	attached, err := a.Repo.ListImagesAttachedTo(ctx, vm.ID)
	if err != nil {
		return storeError("images of vm "+vm.ID, err)
	}
	others := lo.Filter(attached, func(i *resources.Image, _ int) bool { return i.ID != img.ID })
	idx, err := pickDeviceIndex(task, resources.UsedDeviceIndexes(others))
	if err != nil {
		return err
	}

	conn, release, err := a.openVirt(ctx, task, node)
	if err != nil {
		return err
	}
	defer release()

	if img.IsAttached() {
		// The previous vm is closed or gone.
		n, err := a.Repo.DeleteDevicesForObject(ctx, img.ID)
		if err != nil {
			return storeError("devices of image "+img.ID, err)
		}
		task.Logger().WithResource("image", img.ID).
			Infof("dropped %d device(s) left by vm %s", n, *img.AttachedTo)
	}

	img.Attach(vm.ID, idx)
	if err := a.saveImage(ctx, task, img, resources.ImageStateOK); err != nil {
		return err
	}

	dst := remoteops.Remote(nodeHost(node), a.attachedImagePath(vm, img))
	if _, err := a.Ops.CopyFile(ctx, remoteops.Local(st.ImagePath(img)), dst); err != nil {
		return opError("failed to copy image to node", err)
	}

	xml, err := virt.DiskXML(virt.Disk{Index: idx, Source: dst.Name, Format: img.Format})
	if err != nil {
		return engine.NewFatalError("failed to build device", err).WithResource(img.ID)
	}
	device := &resources.Device{ID: uuid.NewString(), ObjectID: img.ID, VMID: vm.ID, XML: xml}
	if err := a.Repo.CreateDevice(ctx, device); err != nil {
		return storeError("device", err)
	}

	if err := a.redefine(ctx, conn, vm); err != nil {
		return engine.NewRecoverableError("failed to redefine vm devices", err).WithResource(vm.ID)
	}

	task.Logger().WithResource("image", img.ID).
		Infof("attached to vm %s as %s", vm.ID, resources.DeviceTarget(idx))
	return nil
}

func (a *Agents) imageDetach(ctx context.Context, task *engine.Task) error {
	vm, err := a.taskVM(ctx, task)
	if err != nil {
		return err
	}
	node, err := a.getNode(ctx, vm.NodeID)
	if err != nil {
		return err
	}
	if err := checkOnline(task, node); err != nil {
		return err
	}

	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}
	if !img.IsAttached() {
		return engine.Reject(engine.ErrCodeImageNotAttached, "image is not attached").WithResource(img.ID)
	}
	if *img.AttachedTo != vm.ID {
		return engine.Reject(engine.ErrCodeImageNotAttached,
			fmt.Sprintf("image is attached to vm %s", *img.AttachedTo)).WithResource(img.ID)
	}
	if !vm.State.In(resources.VMStateStopped, resources.VMStateClosed) && !task.IgnoreErrors {
		return engine.Reject(engine.ErrCodeVMNotStopped, fmt.Sprintf("vm is %s", vm.State)).WithResource(vm.ID)
	}

	file := st.ImagePath(img)
	tmp := remoteops.Local(file + "-tmp")
	src := remoteops.Remote(nodeHost(node), a.attachedImagePath(vm, img))
	if _, err := a.Ops.CopyFile(ctx, src, tmp); err != nil {
		return opError("failed to copy image from node", err)
	}
	if err := a.Ops.RenameFile(ctx, tmp, remoteops.Local(file)); err != nil {
		if rmErr := a.Ops.RemoveFile(ctx, tmp); rmErr != nil && !remoteops.IsNotFound(rmErr) {
			task.Logger().WithError(rmErr).Warnf("failed to remove %s", tmp.Name)
		}
		return opError("failed to replace image file", err)
	}
	size, err := a.Ops.StatFile(ctx, remoteops.Local(file))
	if err != nil {
		return opError("failed to stat image", err)
	}

	img.Size = size
	img.Detach()
	if err := a.saveImage(ctx, task, img, resources.ImageStateOK); err != nil {
		return err
	}
	if _, err := a.Repo.DeleteDevicesForObject(ctx, img.ID); err != nil {
		return storeError("devices of image "+img.ID, err)
	}

	logger := task.Logger().WithResource("image", img.ID)
	logger.Infof("detached from vm %s", vm.ID)

	var nc *engine.TaskError
	if err := a.Ops.RemoveFile(ctx, src); err != nil && !remoteops.IsNotFound(err) {
		nc = engine.NewNonCriticalError("failed to remove image copy from node", err).
			WithCode(engine.ErrCodeRemoteOpFailed).
			WithResource(img.ID)
		logger.WithError(err).Warnf("leaving %s on node %s", src.Name, node.ID)
	}

	if err := a.redefineAfterDetach(ctx, task, node, vm); err != nil {
		nc = engine.NewNonCriticalError("failed to redefine vm after detach", err).
			WithCode(engine.ErrCodeRedefineFailed).
			WithResource(vm.ID)
		logger.WithError(nc).Warn("device redefinition skipped")
	}
	if nc != nil {
		return nc
	}
	return nil
}

func (a *Agents) redefineAfterDetach(ctx context.Context, task *engine.Task, node *resources.Node, vm *resources.VM) error {
	conn, release, err := a.openVirt(ctx, task, node)
	if err != nil {
		return err
	}
	defer release()
	return a.redefine(ctx, conn, vm)
}

func (a *Agents) imageDuplicate(ctx context.Context, task *engine.Task) error {
	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}
	srcID, err := task.StringProp("source")
	if err != nil {
		return err
	}
	src, err := a.getImage(ctx, srcID)
	if err != nil {
		return err
	}
	if src.State != resources.ImageStateOK {
		return engine.Reject(engine.ErrCodeImageState, fmt.Sprintf("source image is %s", src.State)).WithResource(src.ID)
	}
	if src.IsAttached() {
		return engine.Reject(engine.ErrCodeImageAttached, "source image is attached").WithResource(src.ID)
	}
	srcStorage, err := a.Repo.GetStorage(ctx, src.StorageID)
	if err != nil {
		return storeError("storage "+src.StorageID, err)
	}

	n, err := a.Ops.CopyFile(ctx, remoteops.Local(srcStorage.ImagePath(src)), remoteops.Local(st.ImagePath(img)))
	if err != nil {
		return opError("failed to copy image", err)
	}

	img.Format = src.Format
	img.Size = n
	if err := a.saveImage(ctx, task, img, resources.ImageStateOK); err != nil {
		return err
	}
	task.Logger().WithResource("image", img.ID).
		Infof("duplicated from %s (%s)", src.ID, humanize.IBytes(uint64(n)))
	return nil
}
