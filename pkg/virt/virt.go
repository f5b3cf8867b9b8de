// Package virt talks to the hypervisor of a node: domain state queries, disk
// redefinition and host suspend.
//
// A Conn is opened per handler invocation and closed before the handler
// returns. Connections are never shared between tasks.
package virt

import (
	"context"
	"errors"
	"time"

	"github.com/vmforge/vmforge/pkg/resources"
)

// ErrDomainNotFound is returned when the hypervisor does not know a domain.
var ErrDomainNotFound = errors.New("domain not found")

// Connector opens hypervisor connections to nodes.
type Connector interface {
	Open(ctx context.Context, node *resources.Node) (Conn, error)
}

// Conn is an open hypervisor connection.
type Conn interface {
	// DomainRunning reports whether the named domain is running.
	DomainRunning(ctx context.Context, name string) (bool, error)
	// RedefineDisks replaces the attached disks of a domain definition with
	// disks. The base disk at index 0 and non-disk devices are kept.
	RedefineDisks(ctx context.Context, name string, disks []Disk) error
	// SuspendForDuration suspends the host to memory for d.
	SuspendForDuration(ctx context.Context, d time.Duration) error
	Close() error
}
