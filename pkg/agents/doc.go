// Package agents implements the action handlers of the image, storage and
// node task types and their lifecycle policies.
//
// Handlers persist every state change as soon as it happens so an
// interrupted task leaves an observable record. They assume the caller
// serializes tasks per resource; nothing here locks a resource.
//
// Resource state correction after a failure happens once, in the policy of
// the task type registered with the dispatcher, never inside a handler.
package agents
