package agents

import (
	"context"
	"fmt"
	"strconv"

	"github.com/samber/lo"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
)

// vmImagePath is the per-VM staging copy of the base image on a node.
func (a *Agents) vmImagePath(vm *resources.VM) string {
	return a.nodeImagePath(vm.ID)
}

// runOnNode runs argv on the node and turns a non-zero exit into an error.
func (a *Agents) runOnNode(ctx context.Context, n *resources.Node, op string, argv []string, capture bool) (*remoteops.Result, error) {
	res, err := a.Ops.RunCommand(ctx, nodeHost(n), argv, capture)
	if err != nil {
		return nil, opError(fmt.Sprintf("failed to %s on %s", op, n.Address), err)
	}
	if !res.Success() {
		return nil, opError(fmt.Sprintf("failed to %s on %s", op, n.Address), remoteops.ExitError(op, argv, res))
	}
	return res, nil
}

func (a *Agents) nodeLoadImage(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	if err := checkOnline(task, node); err != nil {
		return err
	}
	vm, err := a.taskVM(ctx, task)
	if err != nil {
		return err
	}
	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}
	if img.State != resources.ImageStateOK {
		return engine.NotReady(engine.ErrCodeImageWrongState, fmt.Sprintf("image is %s", img.State)).
			WithResource(img.ID)
	}

	dst := remoteops.Remote(nodeHost(node), a.vmImagePath(vm))
	if _, err := a.Ops.CopyFile(ctx, remoteops.Local(st.ImagePath(img)), dst); err != nil {
		return opError("failed to copy image to node", err)
	}
	return a.saveVM(ctx, vm, resources.VMStateStopped)
}

func (a *Agents) nodeDelete(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	if err := checkOnline(task, node); err != nil {
		return err
	}
	vm, err := a.taskVM(ctx, task)
	if err != nil {
		return err
	}
	if !vm.State.In(resources.VMStateStopped, resources.VMStateClosed, resources.VMStateClosing) && !task.IgnoreErrors {
		return engine.NotReady(engine.ErrCodeVMNotStopped, fmt.Sprintf("vm is %s", vm.State)).WithResource(vm.ID)
	}

	if err := a.Ops.RemoveFile(ctx, remoteops.Remote(nodeHost(node), a.vmImagePath(vm))); err != nil {
		if !(remoteops.IsNotFound(err) && task.IgnoreErrors) {
			return opError("failed to remove vm image", err)
		}
		task.Logger().WithResource("vm", vm.ID).WithError(err).Warn("vm image already gone")
	}
	return nil
}

func (a *Agents) nodeSaveImage(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	if err := checkOnline(task, node); err != nil {
		return err
	}
	vm, err := a.taskVM(ctx, task)
	if err != nil {
		return err
	}
	img, st, err := a.taskImage(ctx, task)
	if err != nil {
		return err
	}
	if vm.State != resources.VMStateStopped {
		return engine.NotReady(engine.ErrCodeVMNotStopped, fmt.Sprintf("vm is %s", vm.State)).WithResource(vm.ID)
	}

	if err := a.saveVM(ctx, vm, resources.VMStateSaving); err != nil {
		return err
	}

	file := st.ImagePath(img)
	src := remoteops.Remote(nodeHost(node), a.vmImagePath(vm))
	if _, err := a.Ops.CopyFile(ctx, src, remoteops.Local(file)); err != nil {
		// The VM must not stay in saving when the copy never finished.
		if serr := a.saveVM(context.WithoutCancel(ctx), vm, resources.VMStateStopped); serr != nil {
			task.Logger().WithError(serr).Error("failed to restore vm state")
		}
		return opError("failed to copy image from node", err)
	}
	if err := a.saveVM(ctx, vm, resources.VMStateStopped); err != nil {
		return err
	}

	argv := a.qemu().info(file)
	res, err := a.Ops.RunCommand(ctx, nil, argv, true)
	if err != nil {
		return opError("failed to inspect image", err)
	}
	if !res.Success() {
		return opError("failed to inspect image", remoteops.ExitError("info", argv, res))
	}
	info, err := parseImageInfo(res.Stdout)
	if err != nil {
		return engine.NewRecoverableError("failed to read image size", err).WithResource(img.ID)
	}

	img.Size = info.VirtualSize
	return a.saveImage(ctx, task, img, resources.ImageStateOK)
}

func (a *Agents) nodeResizeImage(ctx context.Context, task *engine.Task) error {
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
	if vm.State != resources.VMStateStopped {
		return engine.NotReady(engine.ErrCodeVMNotStopped, fmt.Sprintf("vm is %s", vm.State)).WithResource(vm.ID)
	}
	size, err := task.IntProp("size")
	if err != nil {
		return err
	}

	_, err = a.runOnNode(ctx, node, "resize", a.qemu().resize(a.vmImagePath(vm), strconv.FormatInt(size, 10)), false)
	return err
}

func (a *Agents) nodeCheck(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}

	conn, release, err := a.openVirt(ctx, task, node)
	if err != nil {
		return err
	}
	defer release()

	vms, err := a.Repo.ListVMsOnNode(ctx, node.ID, resources.VMStateRunning, resources.VMStateStarting)
	if err != nil {
		return storeError("vms of node "+node.ID, err)
	}

	logger := task.Logger().WithResource("node", node.ID)
	for _, vm := range vms {
		running, err := conn.DomainRunning(ctx, vm.LibvirtName)
		state := resources.VMStateStopped
		switch {
		case err != nil:
			logger.WithError(err).WithField("vm_id", vm.ID).
				Warnf("failed to find vm %s at node %s", vm.ID, node.Address)
			if ctx.Err() != nil {
				return engine.NewRecoverableError("node check interrupted", ctx.Err())
			}
		case running:
			state = resources.VMStateRunning
		}
		if err := a.saveVM(ctx, vm, state); err != nil {
			return err
		}
	}

	return a.saveNode(ctx, task, node, resources.NodeStateOK)
}

func (a *Agents) nodeSuspend(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	logger := task.Logger().WithResource("node", node.ID)

	vms, err := a.Repo.ListVMsOnNode(ctx, node.ID)
	if err != nil {
		return storeError("vms of node "+node.ID, err)
	}
	if busy := lo.Filter(vms, notClosed); len(busy) > 0 {
		task.SetComment("Node is in use. Aborting suspend")
		logger.Warnf("node %s has %d active vms, not suspending", node.Address, len(busy))
		return nil
	}

	if err := a.saveNode(ctx, task, node, resources.NodeStateSuspend); err != nil {
		return err
	}
	logger.Infof("suspending node %s", node.Address)

	if len(a.cfg.PingCommand) > 0 {
		argv := append(append([]string{}, a.cfg.PingCommand...), node.Address)
		if res, err := a.Ops.RunCommand(ctx, nil, argv, false); err != nil || !res.Success() {
			logger.Debug("ping before suspend failed")
		}
	}

	mac, err := lookupARPFile(a.cfg.ARPTable, node.Address)
	if err != nil {
		logger.WithError(err).Warn("failed to read arp table")
	}
	if mac != "" {
		node.SetProp(resources.NodePropMAC, mac)
		if err := a.saveNode(ctx, task, node, node.State); err != nil {
			return err
		}
	}

	conn, release, err := a.openVirt(ctx, task, node)
	if err != nil {
		return err
	}
	defer release()

	if err := conn.SuspendForDuration(ctx, a.cfg.SuspendDuration); err != nil {
		return engine.NewRecoverableError("failed to suspend node", err).WithResource(node.ID)
	}
	return nil
}

func (a *Agents) nodeWakeUp(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	mac, ok := node.Prop(resources.NodePropMAC)
	if !ok {
		return engine.Reject(engine.ErrCodeNodeMACUnknown, "cannot find node's MAC address").WithResource(node.ID)
	}

	argv := append(append([]string{}, a.cfg.WakeCommand...), mac)
	res, err := a.Ops.RunCommand(ctx, nil, argv, false)
	if err != nil {
		return opError("failed to send wake signal", err)
	}
	if !res.Success() {
		return opError("failed to send wake signal", remoteops.ExitError("wake", argv, res))
	}

	if node.State != resources.NodeStateSuspend {
		return nil
	}

	task.Logger().WithResource("node", node.ID).
		Infof("waiting %s for node %s to settle", a.cfg.WakeupTime, node.Address)
	if err := a.sleep(ctx, a.cfg.WakeupTime); err != nil {
		return engine.NewRecoverableError("wake up interrupted", err).WithResource(node.ID)
	}
	if a.Starter == nil {
		return nil
	}
	if err := a.Starter.StartNode(ctx, node); err != nil {
		return engine.NewRecoverableError("failed to start node", err).WithResource(node.ID)
	}
	return nil
}

func (a *Agents) nodeMount(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	task.Logger().WithResource("node", node.ID).Debug("node reachable, nothing to mount")
	return nil
}

func (a *Agents) nodeUmount(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	return a.saveNode(ctx, task, node, resources.NodeStateOffline)
}

func (a *Agents) nodeCreateImagesPool(ctx context.Context, task *engine.Task) error {
	node, err := a.taskNode(ctx, task)
	if err != nil {
		return err
	}
	_, err = a.runOnNode(ctx, node, "mkdir", remoteops.Sudo(a.cfg.UseSudo, "mkdir", "-p", a.cfg.ImagesDir), false)
	return err
}
