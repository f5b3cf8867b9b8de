package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const taskColumns = `id, type, action, objects, props, ignore_errors, status, error_class, error,
	comment, started_at, completed_at, created_at, updated_at`

func scanTask(row rowScanner) (*TaskRecord, error) {
	task := &TaskRecord{}
	var objects, props string
	err := row.Scan(
		&task.ID,
		&task.Type,
		&task.Action,
		&objects,
		&props,
		&task.IgnoreErrors,
		&task.Status,
		&task.ErrorClass,
		&task.Error,
		&task.Comment,
		&task.StartedAt,
		&task.CompletedAt,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(objects), &task.Objects); err != nil {
		return nil, fmt.Errorf("failed to decode task objects: %w", err)
	}
	if err := json.Unmarshal([]byte(props), &task.Props); err != nil {
		return nil, fmt.Errorf("failed to decode task props: %w", err)
	}
	return task, nil
}

// CreateTask creates a new task record
func (s *SQLiteStore) CreateTask(ctx context.Context, task *TaskRecord) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.CreatedAt = task.CreatedAt.UTC()
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = TaskStatusQueued
	}

	objects, err := marshalJSON(task.Objects)
	if err != nil {
		return fmt.Errorf("failed to encode task objects: %w", err)
	}
	props, err := marshalJSON(task.Props)
	if err != nil {
		return fmt.Errorf("failed to encode task props: %w", err)
	}

	query := `INSERT INTO tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Type,
		task.Action,
		objects,
		props,
		task.IgnoreErrors,
		task.Status,
		task.ErrorClass,
		task.Error,
		task.Comment,
		task.StartedAt,
		task.CompletedAt,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	return nil
}

// GetTask retrieves a task by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = ?`

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task not found: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	return task, nil
}

// ClaimNextTask moves the oldest queued task to running and returns it.
// Queued tasks naming a resource of a running task are skipped.
func (s *SQLiteStore) ClaimNextTask(ctx context.Context) (*TaskRecord, error) {
	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Tasks sharing a resource with a running task wait for it to finish.
	query := `
		SELECT ` + taskColumns + ` FROM tasks q
		WHERE q.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM tasks r, json_each(r.objects) ro, json_each(q.objects) qo
			WHERE r.status = ? AND ro.key = qo.key AND ro.value = qo.value
		)
		ORDER BY q.created_at ASC, q.id ASC
		LIMIT 1`
	task, err := scanTask(tx.QueryRowContext(ctx, query, TaskStatusQueued, TaskStatusRunning))
	if err == sql.ErrNoRows {
		return nil, ErrNoQueuedTask
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select queued task: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		TaskStatusRunning, now, now, task.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit task claim: %w", err)
	}

	task.Status = TaskStatusRunning
	task.StartedAt = &now
	task.UpdatedAt = now
	return task, nil
}

// UpdateTaskStatus updates the status, error and comment of a task
func (s *SQLiteStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errClass, errMsg *string, comment string) error {
	query := `
		UPDATE tasks
		SET status = ?, error_class = ?, error = ?, comment = ?, updated_at = ?,
			started_at = CASE WHEN started_at IS NULL AND ? = 'running' THEN ? ELSE started_at END,
			completed_at = CASE WHEN ? IN ('ok', 'failed', 'error') THEN ? ELSE completed_at END
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query,
		status, errClass, errMsg, comment, now,
		status, now,
		status, now,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}

	return requireRow(result, "task", id)
}

// ListTasks lists tasks matching the filter, newest first
func (s *SQLiteStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*TaskRecord, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}

	var taskType, status *string
	if filter.Type != "" {
		taskType = &filter.Type
	}
	if filter.Status != "" {
		st := string(filter.Status)
		status = &st
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE (? IS NULL OR type = ?)
		  AND (? IS NULL OR status = ?)
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskType, taskType, status, status, filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*TaskRecord{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	return tasks, nil
}

// AppendEvent appends a new event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO events (task_id, resource, level, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.TaskID,
		event.Resource,
		event.Level,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event ID: %w", err)
	}

	event.ID = id
	return nil
}

// GetEvents retrieves events with optional filters and pagination
func (s *SQLiteStore) GetEvents(ctx context.Context, taskID *string, level *EventLevel, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, task_id, resource, level, message, details, timestamp
		FROM events
		WHERE (? IS NULL OR task_id = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, taskID, taskID, level, level, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.TaskID,
			&event.Resource,
			&event.Level,
			&event.Message,
			&event.Details,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
