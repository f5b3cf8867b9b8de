package agents

import (
	"context"

	"github.com/samber/lo"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/resources"
)

// imagePolicy marks the image failed when an action of the lock-on-fail set
// fails. Rejections leave the image untouched.
func (a *Agents) imagePolicy() engine.Policy {
	fail := func(ctx context.Context, task *engine.Task, _ error) error {
		if !lo.Contains(imageLockOnFail, task.Action) {
			return nil
		}
		id, err := task.ObjectID(resources.KindImage)
		if err != nil {
			return err
		}
		img, err := a.getImage(ctx, id)
		if err != nil {
			return err
		}

		logger := task.Logger().WithResource("image", img.ID)
		switch {
		case img.State == resources.ImageStateDeleted:
			return nil
		case img.IsAttached():
			logger.Warn("image is attached, leaving state unchanged")
			return nil
		}
		logger.Warnf("marking image failed after %s", task.Action)
		return a.saveImage(ctx, task, img, resources.ImageStateFailed)
	}
	return engine.Policy{OnRecoverable: fail, OnFatal: fail}
}

// storagePolicy locks the storage after any failure, rejections included.
func (a *Agents) storagePolicy() engine.Policy {
	lock := func(ctx context.Context, task *engine.Task, _ error) error {
		st, err := a.taskStorage(ctx, task)
		if err != nil {
			return err
		}
		task.Logger().WithResource("storage", st.ID).Warnf("locking storage after %s", task.Action)
		return a.saveStorage(ctx, task, st, resources.StorageStateLocked)
	}
	return engine.Policy{OnRejected: lock, OnRecoverable: lock, OnFatal: lock}
}
