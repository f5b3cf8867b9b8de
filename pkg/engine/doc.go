// Package engine provides task dispatch, error classification and the worker
// loop of the vmforge agent.
//
// # Overview
//
// A Task names a task type (image, storage, node), an action, the resources
// it targets and free-form properties. The Dispatcher routes each task to the
// handler registered for its (type, action) pair, classifies the result and
// applies the lifecycle policy of the task type:
//
//  1. Route - Look up the handler, an unknown pair fails with unsupported_action
//  2. Execute - Run the handler with a task scoped logger
//  3. Classify - Map the returned error to an Outcome
//  4. Policy - Run the OnSuccess/OnRejected/OnRecoverable/OnFatal hook
//  5. Record - Persist status, error class and comment, append an event
//
// # Error Classification
//
// Handlers return *TaskError values built with the helpers of this package:
//
//   - Reject / NotReady: a precondition does not hold, nothing was changed
//   - NewRecoverableError: the operation failed but may succeed on retry
//   - NewFatalError: the operation failed and the resource is broken
//   - NewNonCriticalError: a secondary step failed, the task still succeeded
//
// Errors carry a stable code such as image_attached or node_offline:
//
//	if IsRejected(err) && CodeOf(err) == ErrCodeImageAttached {
//	    // detach first
//	}
//
// Untyped errors are treated as recoverable.
//
// # Worker
//
// Worker claims queued task records from a Queue and dispatches them with a
// fixed number of concurrent slots. Policy hooks and bookkeeping run on a
// context detached from cancellation so a shutdown never leaves a resource
// without its final state.
package engine
