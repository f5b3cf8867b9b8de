package agents

import (
	"context"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
)

func (a *Agents) storageMount(ctx context.Context, task *engine.Task) error {
	st, err := a.taskStorage(ctx, task)
	if err != nil {
		return err
	}

	argv := remoteops.Sudo(a.cfg.UseSudo, "mkdir", "-p", st.Path)
	res, err := a.Ops.RunCommand(ctx, nil, argv, false)
	if err != nil {
		return opError("failed to create mount point", err)
	}
	if !res.Success() {
		return opError("failed to create mount point", remoteops.ExitError("mount", argv, res))
	}
	if _, err := a.Ops.StatFile(ctx, remoteops.Local(st.Path)); err != nil {
		return opError("mount point is not accessible", err)
	}

	if err := a.saveStorage(ctx, task, st, resources.StorageStateOK); err != nil {
		return err
	}
	task.Logger().WithResource("storage", st.ID).Infof("mounted at %s", st.Path)
	return nil
}

func (a *Agents) storageUmount(ctx context.Context, task *engine.Task) error {
	st, err := a.taskStorage(ctx, task)
	if err != nil {
		return err
	}
	return a.saveStorage(ctx, task, st, resources.StorageStateLocked)
}
