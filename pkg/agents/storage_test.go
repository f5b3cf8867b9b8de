package agents

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/resources"
)

func storageObj(id string) map[resources.Kind]string {
	return map[resources.Kind]string{resources.KindStorage: id}
}

func TestStorageMount(t *testing.T) {
	h := newHarness(t)
	mountPoint := filepath.Join(h.dir, "mnt", "st-2")
	h.repo.storages["st-2"] = resources.Storage{ID: "st-2", State: resources.StorageStateLocked, Path: mountPoint}

	_, err := h.dispatch(TaskTypeStorage, "mount", storageObj("st-2"), nil, false)
	require.NoError(t, err)

	st, err := h.repo.GetStorage(context.Background(), "st-2")
	require.NoError(t, err)
	assert.Equal(t, resources.StorageStateOK, st.State)
	assert.DirExists(t, mountPoint)

	cmds := h.ops.ran("mkdir")
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"mkdir", "-p", mountPoint}, cmds[0].Argv)
}

func TestStorageMountUsesSudo(t *testing.T) {
	h := newHarness(t)
	h.agents.cfg.UseSudo = true

	_, err := h.dispatch(TaskTypeStorage, "mount", storageObj("st-1"), nil, false)
	require.NoError(t, err)

	cmds := h.ops.ran("mkdir")
	require.Len(t, cmds, 1)
	assert.Equal(t, []string{"sudo", "-n", "mkdir", "-p", h.storagePath()}, cmds[0].Argv)
}

func TestStorageUmount(t *testing.T) {
	h := newHarness(t)

	_, err := h.dispatch(TaskTypeStorage, "umount", storageObj("st-1"), nil, false)
	require.NoError(t, err)

	st, err := h.repo.GetStorage(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Equal(t, resources.StorageStateLocked, st.State)
}

func TestStoragePolicyLocksOnFailure(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(h *harness)
		wantClass engine.ErrorClass
	}{
		{
			name:      "mount command fails",
			setup:     func(h *harness) { h.ops.exit["mkdir"] = 32 },
			wantClass: engine.ErrorClassRecoverable,
		},
		{
			name:      "mount point missing",
			setup:     func(h *harness) { h.agents.Ops = statMissingOps{h.ops} },
			wantClass: engine.ErrorClassFatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			tt.setup(h)

			_, err := h.dispatch(TaskTypeStorage, "mount", storageObj("st-1"), nil, false)
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, engine.ClassOf(err))

			st, err := h.repo.GetStorage(context.Background(), "st-1")
			require.NoError(t, err)
			assert.Equal(t, resources.StorageStateLocked, st.State)
		})
	}
}

// statMissingOps reports every file as missing.
type statMissingOps struct {
	*fakeOps
}

func (statMissingOps) StatFile(_ context.Context, p remoteops.Path) (int64, error) {
	return 0, &remoteops.OpError{Op: "stat", Kind: remoteops.KindNotFound, Path: p.String()}
}

func TestStoragePolicyLocksOnRejection(t *testing.T) {
	h := newHarness(t)
	lock := h.agents.storagePolicy().OnRejected
	require.NotNil(t, lock)

	task := &engine.Task{ID: "t", Type: TaskTypeStorage, Action: "mount", Objects: storageObj("st-1")}
	require.NoError(t, lock(context.Background(), task, engine.Reject("busy", "storage busy")))

	st, err := h.repo.GetStorage(context.Background(), "st-1")
	require.NoError(t, err)
	assert.Equal(t, resources.StorageStateLocked, st.State)
}
