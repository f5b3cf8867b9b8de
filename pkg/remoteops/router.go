package remoteops

import (
	"context"
	"fmt"

	"github.com/vmforge/vmforge/pkg/telemetry"
)

// Variant names which implementation served an operation.
const (
	VariantLocal      = "local"
	VariantSecureCopy = "scp"
	VariantRemoteExec = "exec"
)

// Router implements Ops by picking a variant from the hosts of the paths
// involved.
type Router struct {
	local  LocalFS
	copier SecureCopy
	exec   RemoteExec
}

var _ Ops = (*Router)(nil)

// NewRouter creates a router reaching nodes through connector.
func NewRouter(connector Connector) *Router {
	return &Router{
		copier: SecureCopy{Connector: connector},
		exec:   RemoteExec{Connector: connector},
	}
}

func sameHost(a, b *Host) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Address == b.Address && a.Username == b.Username
}

func hostOf(p Path) string {
	if p.Host == nil {
		return ""
	}
	return p.Host.Address
}

// CopyFile copies src to dst. A copy within one node runs cp there.
func (r *Router) CopyFile(ctx context.Context, src, dst Path) (int64, error) {
	var n int64
	switch {
	case src.IsLocal() && dst.IsLocal():
		err := telemetry.RecordRemoteOperation(ctx, "copy", VariantLocal, "", func(ctx context.Context) error {
			var err error
			n, err = r.local.CopyFile(ctx, src, dst)
			return err
		})
		return n, err

	case sameHost(src.Host, dst.Host):
		err := telemetry.RecordRemoteOperation(ctx, "copy", VariantRemoteExec, hostOf(src), func(ctx context.Context) error {
			argv := []string{"cp", "--sparse=always", src.Name, dst.Name}
			res, err := r.exec.Run(ctx, src.Host, argv, false)
			if err != nil {
				return err
			}
			if !res.Success() {
				return ExitError("copy", argv, res)
			}
			want, err := r.copier.StatFile(ctx, src)
			if err != nil {
				return err
			}
			if n, err = r.copier.StatFile(ctx, dst); err != nil {
				return err
			}
			return verifyCopy(dst, n, want)
		})
		return n, err

	default:
		host := hostOf(dst)
		if host == "" {
			host = hostOf(src)
		}
		err := telemetry.RecordRemoteOperation(ctx, "copy", VariantSecureCopy, host, func(ctx context.Context) error {
			var err error
			n, err = r.copier.CopyFile(ctx, src, dst)
			return err
		})
		return n, err
	}
}

// RemoveFile deletes a file.
func (r *Router) RemoveFile(ctx context.Context, p Path) error {
	if p.IsLocal() {
		return telemetry.RecordRemoteOperation(ctx, "remove", VariantLocal, "", func(ctx context.Context) error {
			return r.local.RemoveFile(ctx, p)
		})
	}
	return telemetry.RecordRemoteOperation(ctx, "remove", VariantSecureCopy, hostOf(p), func(ctx context.Context) error {
		return r.copier.RemoveFile(ctx, p)
	})
}

// RenameFile replaces dst with src on one host.
func (r *Router) RenameFile(ctx context.Context, src, dst Path) error {
	if !sameHost(src.Host, dst.Host) {
		return &OpError{Op: "rename", Kind: KindIO, Path: src.String(),
			Err: fmt.Errorf("cannot rename across hosts to %s", dst)}
	}
	if src.IsLocal() {
		return telemetry.RecordRemoteOperation(ctx, "rename", VariantLocal, "", func(ctx context.Context) error {
			return r.local.RenameFile(ctx, src, dst)
		})
	}
	return telemetry.RecordRemoteOperation(ctx, "rename", VariantSecureCopy, hostOf(src), func(ctx context.Context) error {
		return r.copier.RenameFile(ctx, src, dst)
	})
}

// StatFile returns the size of a file.
func (r *Router) StatFile(ctx context.Context, p Path) (int64, error) {
	var size int64
	variant := VariantSecureCopy
	if p.IsLocal() {
		variant = VariantLocal
	}
	err := telemetry.RecordRemoteOperation(ctx, "stat", variant, hostOf(p), func(ctx context.Context) error {
		var err error
		if p.IsLocal() {
			size, err = r.local.StatFile(ctx, p)
		} else {
			size, err = r.copier.StatFile(ctx, p)
		}
		return err
	})
	return size, err
}

// RunCommand runs argv on host, or locally when host is nil.
func (r *Router) RunCommand(ctx context.Context, host *Host, argv []string, capture bool) (*Result, error) {
	var res *Result
	variant := VariantRemoteExec
	addr := ""
	if host == nil {
		variant = VariantLocal
	} else {
		addr = host.Address
	}
	err := telemetry.RecordRemoteOperation(ctx, "run", variant, addr, func(ctx context.Context) error {
		var err error
		if host == nil {
			res, err = r.local.Run(ctx, nil, argv, capture)
		} else {
			res, err = r.exec.Run(ctx, host, argv, capture)
		}
		return err
	})
	return res, err
}
