package agents

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/stores"
)

// TaskCreator enqueues task records.
type TaskCreator interface {
	CreateTask(ctx context.Context, task *stores.TaskRecord) error
}

// QueueStarter starts a node by queueing its mount and check tasks.
type QueueStarter struct {
	Tasks TaskCreator
}

var _ NodeStarter = QueueStarter{}

// startSequence is the ordered list of node actions that bring a node online.
var startSequence = []string{"mount", "check"}

// StartNode queues the start sequence of node.
func (s QueueStarter) StartNode(ctx context.Context, node *resources.Node) error {
	for _, action := range startSequence {
		rec := &stores.TaskRecord{
			ID:      uuid.NewString(),
			Type:    TaskTypeNode,
			Action:  action,
			Objects: map[string]string{string(resources.KindNode): node.ID},
			Status:  stores.TaskStatusQueued,
		}
		if err := s.Tasks.CreateTask(ctx, rec); err != nil {
			return fmt.Errorf("failed to queue node %s: %w", action, err)
		}
	}
	return nil
}
