package stores

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/vmforge/vmforge/pkg/resources"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = resources.ErrNotFound

// ErrNoQueuedTask is returned by ClaimNextTask when the queue is empty.
var ErrNoQueuedTask = errors.New("no queued task")

// TaskStatus represents the status of a task record
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusOK      TaskStatus = "ok"
	// TaskStatusFailed marks a rejected or recoverable outcome; the task may be resubmitted.
	TaskStatusFailed TaskStatus = "failed"
	// TaskStatusError marks a fatal outcome.
	TaskStatusError TaskStatus = "error"
)

// IsFinished returns true for terminal task statuses.
func (s TaskStatus) IsFinished() bool {
	return s == TaskStatusOK || s == TaskStatusFailed || s == TaskStatusError
}

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// TaskRecord is the persisted form of a task
type TaskRecord struct {
	ID           string                 `json:"id"`
	Type         string                 `json:"type"`
	Action       string                 `json:"action"`
	Objects      map[string]string      `json:"objects"` // kind -> resource id
	Props        map[string]interface{} `json:"props"`
	IgnoreErrors bool                   `json:"ignore_errors"`
	Status       TaskStatus             `json:"status"`
	ErrorClass   *string                `json:"error_class,omitempty"`
	Error        *string                `json:"error,omitempty"`
	Comment      string                 `json:"comment,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// TaskFilter narrows ListTasks results. Empty fields match everything.
type TaskFilter struct {
	Type   string
	Status TaskStatus
	Limit  int
	Offset int
}

// Event represents an append-only task log event
type Event struct {
	ID        int64      `json:"id"`
	TaskID    *string    `json:"task_id,omitempty"`
	Resource  *string    `json:"resource,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	resources.Repository
	resources.ChunkStore

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Seeding and listing
	CreateImage(ctx context.Context, img *resources.Image) error
	ListImages(ctx context.Context, limit, offset int) ([]*resources.Image, error)
	ListNodes(ctx context.Context) ([]*resources.Node, error)
	DeleteDevice(ctx context.Context, id string) error

	// Chunk operations
	PutChunk(ctx context.Context, chunk *resources.DataChunk) error
	PurgeExpiredChunks(ctx context.Context, now time.Time) (int64, error)

	// Task operations
	CreateTask(ctx context.Context, task *TaskRecord) error
	GetTask(ctx context.Context, id string) (*TaskRecord, error)
	ClaimNextTask(ctx context.Context) (*TaskRecord, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errClass, errMsg *string, comment string) error
	ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, taskID *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
