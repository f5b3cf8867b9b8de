package agents

import (
	"context"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

func (a *Agents) getImage(ctx context.Context, id string) (*resources.Image, error) {
	img, err := a.Repo.GetImage(ctx, id)
	if err != nil {
		return nil, storeError("image "+id, err)
	}
	return img, nil
}

// taskImage loads the image of the task and its storage.
func (a *Agents) taskImage(ctx context.Context, task *engine.Task) (*resources.Image, *resources.Storage, error) {
	id, err := task.ObjectID(resources.KindImage)
	if err != nil {
		return nil, nil, err
	}
	img, err := a.getImage(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	st, err := a.Repo.GetStorage(ctx, img.StorageID)
	if err != nil {
		return nil, nil, storeError("storage "+img.StorageID, err)
	}
	return img, st, nil
}

func (a *Agents) taskVM(ctx context.Context, task *engine.Task) (*resources.VM, error) {
	id, err := task.ObjectID(resources.KindVM)
	if err != nil {
		return nil, err
	}
	vm, err := a.Repo.GetVM(ctx, id)
	if err != nil {
		return nil, storeError("vm "+id, err)
	}
	return vm, nil
}

func (a *Agents) getNode(ctx context.Context, id string) (*resources.Node, error) {
	n, err := a.Repo.GetNode(ctx, id)
	if err != nil {
		return nil, storeError("node "+id, err)
	}
	return n, nil
}

// taskNode loads the node of the task, falling back to the node of its VM.
func (a *Agents) taskNode(ctx context.Context, task *engine.Task) (*resources.Node, error) {
	if id, ok := task.Objects[resources.KindNode]; ok && id != "" {
		return a.getNode(ctx, id)
	}
	vm, err := a.taskVM(ctx, task)
	if err != nil {
		return nil, err
	}
	return a.getNode(ctx, vm.NodeID)
}

func (a *Agents) taskStorage(ctx context.Context, task *engine.Task) (*resources.Storage, error) {
	id, err := task.ObjectID(resources.KindStorage)
	if err != nil {
		return nil, err
	}
	st, err := a.Repo.GetStorage(ctx, id)
	if err != nil {
		return nil, storeError("storage "+id, err)
	}
	return st, nil
}

// saveImage moves img to state and persists it.
func (a *Agents) saveImage(ctx context.Context, task *engine.Task, img *resources.Image, state resources.ImageState) error {
	if img.State != state {
		if !resources.CanTransitionImage(img.State, state) {
			task.Logger().WithResource("image", img.ID).
				Warnf("unexpected image transition %s -> %s", img.State, state)
		}
		a.Metrics.RecordTransition(string(resources.KindImage), string(state))
		telemetry.AddTransitionEvent(telemetry.SpanFromContext(ctx), string(resources.KindImage), img.ID, string(img.State), string(state))
		img.State = state
	}
	if err := resources.CheckImageInvariants(img); err != nil {
		return engine.NewFatalError("refusing to persist inconsistent image", err).WithResource(img.ID)
	}
	if err := a.Repo.SaveImage(ctx, img); err != nil {
		return storeError("image "+img.ID, err)
	}
	return nil
}

func (a *Agents) saveStorage(ctx context.Context, task *engine.Task, st *resources.Storage, state resources.StorageState) error {
	if st.State != state {
		if !resources.CanTransitionStorage(st.State, state) {
			task.Logger().WithResource("storage", st.ID).
				Warnf("unexpected storage transition %s -> %s", st.State, state)
		}
		a.Metrics.RecordTransition(string(resources.KindStorage), string(state))
		telemetry.AddTransitionEvent(telemetry.SpanFromContext(ctx), string(resources.KindStorage), st.ID, string(st.State), string(state))
		st.State = state
	}
	if err := a.Repo.SaveStorage(ctx, st); err != nil {
		return storeError("storage "+st.ID, err)
	}
	return nil
}

func (a *Agents) saveNode(ctx context.Context, task *engine.Task, n *resources.Node, state resources.NodeState) error {
	if n.State != state {
		if !resources.CanTransitionNode(n.State, state) {
			task.Logger().WithResource("node", n.ID).
				Warnf("unexpected node transition %s -> %s", n.State, state)
		}
		a.Metrics.RecordTransition(string(resources.KindNode), string(state))
		telemetry.AddTransitionEvent(telemetry.SpanFromContext(ctx), string(resources.KindNode), n.ID, string(n.State), string(state))
		n.State = state
	}
	if err := a.Repo.SaveNode(ctx, n); err != nil {
		return storeError("node "+n.ID, err)
	}
	return nil
}

func (a *Agents) saveVM(ctx context.Context, vm *resources.VM, state resources.VMState) error {
	if vm.State != state {
		a.Metrics.RecordTransition(string(resources.KindVM), string(state))
		telemetry.AddTransitionEvent(telemetry.SpanFromContext(ctx), string(resources.KindVM), vm.ID, string(vm.State), string(state))
		vm.State = state
	}
	if err := a.Repo.SaveVM(ctx, vm); err != nil {
		return storeError("vm "+vm.ID, err)
	}
	return nil
}
