package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/vmforge/vmforge/pkg/stores"
	"github.com/vmforge/vmforge/pkg/telemetry"
)

// Outcome is the classified result of a handler invocation.
type Outcome string

const (
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeRejected    Outcome = "rejected"
	OutcomeRecoverable Outcome = "recoverable"
	OutcomeFatal       Outcome = "fatal"
)

// Classify maps a handler error to an outcome. Not-ready errors count as
// rejections and non-critical errors as success.
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeSucceeded
	}
	switch ClassOf(err) {
	case ErrorClassNonCritical:
		return OutcomeSucceeded
	case ErrorClassRejected, ErrorClassNotReady:
		return OutcomeRejected
	case ErrorClassFatal:
		return OutcomeFatal
	default:
		return OutcomeRecoverable
	}
}

// TaskStatus returns the task record status for an outcome.
func (o Outcome) TaskStatus() stores.TaskStatus {
	switch o {
	case OutcomeSucceeded:
		return stores.TaskStatusOK
	case OutcomeFatal:
		return stores.TaskStatusError
	default:
		return stores.TaskStatusFailed
	}
}

// PolicyHook corrects resource state after a handler finished.
// err is the handler error, nil on success.
type PolicyHook func(ctx context.Context, task *Task, err error) error

// Policy is the lifecycle policy of one task type. Nil hooks are skipped.
type Policy struct {
	OnSuccess     PolicyHook
	OnRejected    PolicyHook
	OnRecoverable PolicyHook
	OnFatal       PolicyHook
}

func (p Policy) hook(o Outcome) PolicyHook {
	switch o {
	case OutcomeSucceeded:
		return p.OnSuccess
	case OutcomeRejected:
		return p.OnRejected
	case OutcomeRecoverable:
		return p.OnRecoverable
	case OutcomeFatal:
		return p.OnFatal
	}
	return nil
}

// Recorder persists task outcomes.
type Recorder interface {
	UpdateTaskStatus(ctx context.Context, id string, status stores.TaskStatus, errClass, errMsg *string, comment string) error
	AppendEvent(ctx context.Context, event *stores.Event) error
}

type handlerKey struct {
	taskType string
	action   string
}

// Dispatcher routes tasks to handlers and applies the lifecycle policy of the
// task type after every invocation.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[handlerKey]HandlerFunc
	policies map[string]Policy

	recorder Recorder
	metrics  *telemetry.Metrics
	logger   *telemetry.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRecorder persists task outcomes through r.
func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithMetrics records task metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithLogger sets the base logger for task loggers.
func WithLogger(l *telemetry.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers: make(map[handlerKey]HandlerFunc),
		policies: make(map[string]Policy),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register binds a handler to a (task type, action) pair, replacing any previous one.
func (d *Dispatcher) Register(taskType, action string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerKey{taskType, action}] = h
}

// SetPolicy sets the lifecycle policy of a task type.
func (d *Dispatcher) SetPolicy(taskType string, p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[taskType] = p
}

// Supports reports whether a handler is registered for the pair.
func (d *Dispatcher) Supports(taskType, action string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[handlerKey{taskType, action}]
	return ok
}

// Actions lists the registered actions of a task type, sorted.
func (d *Dispatcher) Actions(taskType string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for k := range d.handlers {
		if k.taskType == taskType {
			out = append(out, k.action)
		}
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the handler for task, applies the lifecycle policy, records
// the outcome and returns the handler error unchanged.
func (d *Dispatcher) Dispatch(ctx context.Context, task *Task) error {
	d.mu.RLock()
	handler, ok := d.handlers[handlerKey{task.Type, task.Action}]
	policy := d.policies[task.Type]
	d.mu.RUnlock()

	base := d.logger
	if base == nil {
		base = telemetry.FromContext(ctx)
	}
	logger := base.WithTask(task.ID, task.Type, task.Action)
	task.SetLogger(logger)

	ic := telemetry.StartTaskOperation(logger.WithContext(ctx), task.ID, task.Type, task.Action)
	d.metrics.TaskStarted()

	var err error
	if !ok {
		err = NewFatalError(fmt.Sprintf("no handler for %s/%s", task.Type, task.Action), nil).
			WithCode(ErrCodeUnsupportedAction)
	} else {
		logger.Debug("task started")
		err = d.invoke(ic.Ctx, handler, task)
	}

	outcome := Classify(err)

	// Policy and bookkeeping must run even when the worker is shutting down.
	finishCtx := context.WithoutCancel(ic.Ctx)

	if ok {
		if hook := policy.hook(outcome); hook != nil {
			if perr := hook(finishCtx, task, err); perr != nil {
				logger.WithError(perr).Error("lifecycle policy failed")
			}
		}
	}

	d.record(finishCtx, task, outcome, err)

	if ic.Span != nil {
		telemetry.SetAttributes(ic.Span, telemetry.AttrOutcome.String(string(outcome)))
	}
	d.metrics.RecordTask(task.Type, task.Action, string(outcome), ic.Timer.Duration())
	if err != nil && outcome != OutcomeSucceeded {
		d.metrics.RecordError(string(ClassOf(err)), CodeOf(err))
	}

	switch outcome {
	case OutcomeSucceeded:
		if err != nil {
			logger.WithError(err).Warn("task finished with non-critical error")
		} else {
			logger.Info("task finished")
		}
		ic.End(nil)
		return nil
	case OutcomeRejected:
		logger.WithError(err).Warn("task rejected")
	default:
		logger.WithError(err).Error("task failed")
	}
	ic.End(err)
	return err
}

func (d *Dispatcher) invoke(ctx context.Context, h HandlerFunc, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			task.Logger().Errorf("handler panic: %v\n%s", r, debug.Stack())
			err = NewFatalError(fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return h(ctx, task)
}

func (d *Dispatcher) record(ctx context.Context, task *Task, outcome Outcome, err error) {
	if d.recorder == nil {
		return
	}

	var errClass, errMsg *string
	level := stores.EventLevelInfo
	if err != nil && outcome != OutcomeSucceeded {
		class := string(ClassOf(err))
		msg := err.Error()
		errClass, errMsg = &class, &msg
		level = stores.EventLevelError
		if outcome == OutcomeRejected {
			level = stores.EventLevelWarning
		}
	}

	if rerr := d.recorder.UpdateTaskStatus(ctx, task.ID, outcome.TaskStatus(), errClass, errMsg, task.Comment); rerr != nil {
		task.Logger().WithError(rerr).Error("failed to record task status")
	}

	message := fmt.Sprintf("%s/%s %s", task.Type, task.Action, outcome)
	event := &stores.Event{TaskID: &task.ID, Level: level, Message: message, Details: errMsg}
	if rerr := d.recorder.AppendEvent(ctx, event); rerr != nil {
		task.Logger().WithError(rerr).Warn("failed to append task event")
	}
}
