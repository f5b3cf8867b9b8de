package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/stores"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

// Task is a unit of work naming a task type, an action, the resources it
// targets and free-form properties.
type Task struct {
	ID           string
	Type         string
	Action       string
	Objects      map[resources.Kind]string
	Props        map[string]interface{}
	IgnoreErrors bool

	// Comment is a human-readable note stored on the task record when it finishes.
	Comment string

	logger *telemetry.Logger
}

// TaskFromRecord converts a persisted task record.
func TaskFromRecord(rec *stores.TaskRecord) (*Task, error) {
	objects := make(map[resources.Kind]string, len(rec.Objects))
	for k, id := range rec.Objects {
		kind, err := resources.ParseKind(k)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", rec.ID, err)
		}
		objects[kind] = id
	}

	props := rec.Props
	if props == nil {
		props = map[string]interface{}{}
	}

	return &Task{
		ID:           rec.ID,
		Type:         rec.Type,
		Action:       rec.Action,
		Objects:      objects,
		Props:        props,
		IgnoreErrors: rec.IgnoreErrors,
		Comment:      rec.Comment,
	}, nil
}

// Logger returns the task scoped logger.
func (t *Task) Logger() *telemetry.Logger {
	if t.logger == nil {
		return telemetry.NewNopLogger()
	}
	return t.logger
}

// SetLogger replaces the task scoped logger.
func (t *Task) SetLogger(l *telemetry.Logger) {
	t.logger = l
}

// SetComment records a note for the task record.
func (t *Task) SetComment(comment string) {
	t.Comment = comment
}

// ObjectID returns the id of the resource of the given kind.
func (t *Task) ObjectID(kind resources.Kind) (string, error) {
	id, ok := t.Objects[kind]
	if !ok || id == "" {
		return "", Reject(ErrCodeMissingObject, fmt.Sprintf("task has no %s object", kind))
	}
	return id, nil
}

// HasProp reports whether the property is set.
func (t *Task) HasProp(name string) bool {
	_, ok := t.Props[name]
	return ok
}

// Prop returns the raw value of a property.
func (t *Task) Prop(name string) (interface{}, bool) {
	v, ok := t.Props[name]
	return v, ok
}

// AllProps returns a copy of all properties.
func (t *Task) AllProps() map[string]interface{} {
	out := make(map[string]interface{}, len(t.Props))
	for k, v := range t.Props {
		out[k] = v
	}
	return out
}

// StringProp returns a required string property.
func (t *Task) StringProp(name string) (string, error) {
	v, ok := t.Props[name]
	if !ok {
		return "", missingProp(name)
	}
	switch s := v.(type) {
	case string:
		return s, nil
	case fmt.Stringer:
		return s.String(), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// IntProp returns a required integer property. Numeric strings are accepted.
func (t *Task) IntProp(name string) (int64, error) {
	v, ok := t.Props[name]
	if !ok {
		return 0, missingProp(name)
	}
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case float64:
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		if err != nil {
			return 0, Reject(ErrCodeMissingProperty, fmt.Sprintf("property %s is not an integer: %q", name, n))
		}
		return i, nil
	default:
		return 0, Reject(ErrCodeMissingProperty, fmt.Sprintf("property %s has unsupported type %T", name, v))
	}
}

// BoolProp returns a boolean property, false when unset.
func (t *Task) BoolProp(name string) bool {
	switch b := t.Props[name].(type) {
	case bool:
		return b
	case string:
		v, err := strconv.ParseBool(b)
		return err == nil && v
	}
	return false
}

func missingProp(name string) error {
	return Reject(ErrCodeMissingProperty, fmt.Sprintf("missing property %s", name))
}

// HandlerFunc executes one (task type, action) pair.
type HandlerFunc func(ctx context.Context, task *Task) error
