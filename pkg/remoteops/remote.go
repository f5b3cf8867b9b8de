package remoteops

import (
	"context"
	"errors"
	"io"

	"github.com/vmforge/vmforge/pkg/transports/ssh"
)

// Connector hands out connected transports to nodes.
type Connector interface {
	Get(ctx context.Context, address, user string) (ssh.Transport, error)
}

func connect(ctx context.Context, c Connector, host *Host) (ssh.Transport, error) {
	t, err := c.Get(ctx, host.Address, host.Username)
	if err != nil {
		return nil, transportError("connect", host.String(), err)
	}
	return t, nil
}

// RemoteExec runs commands on nodes over SSH.
type RemoteExec struct {
	Connector Connector
}

// Run executes argv on host through a POSIX shell.
func (r RemoteExec) Run(ctx context.Context, host *Host, argv []string, capture bool) (*Result, error) {
	if host == nil {
		return LocalFS{}.Run(ctx, nil, argv, capture)
	}

	t, err := connect(ctx, r.Connector, host)
	if err != nil {
		return nil, err
	}

	res, err := t.ExecuteCommand(ctx, ShellJoin(argv))
	if err != nil {
		return nil, transportError("run", host.String(), err)
	}

	out := &Result{ExitCode: res.ExitCode, Stderr: res.Stderr}
	if capture {
		out.Stdout = res.Stdout
	}
	return out, nil
}

// SecureCopy moves and inspects node files over SFTP.
type SecureCopy struct {
	Connector Connector
}

// CopyFile copies between the agent host and a node, or between two nodes.
func (s SecureCopy) CopyFile(ctx context.Context, src, dst Path) (int64, error) {
	switch {
	case src.IsLocal() && dst.IsLocal():
		return LocalFS{}.CopyFile(ctx, src, dst)

	case src.IsLocal():
		want, err := LocalFS{}.StatFile(ctx, src)
		if err != nil {
			return 0, err
		}
		t, err := connect(ctx, s.Connector, dst.Host)
		if err != nil {
			return 0, err
		}
		n, err := t.Upload(ctx, src.Name, dst.Name)
		if err != nil {
			return n, copyError(dst, err)
		}
		return n, verifyCopy(dst, n, want)

	case dst.IsLocal():
		t, err := connect(ctx, s.Connector, src.Host)
		if err != nil {
			return 0, err
		}
		want, err := t.Stat(ctx, src.Name)
		if err != nil {
			return 0, transportError("copy", src.String(), err)
		}
		n, err := t.Download(ctx, src.Name, dst.Name)
		if err != nil {
			return n, copyError(dst, err)
		}
		return n, verifyCopy(dst, n, want)

	default:
		from, err := connect(ctx, s.Connector, src.Host)
		if err != nil {
			return 0, err
		}
		to, err := connect(ctx, s.Connector, dst.Host)
		if err != nil {
			return 0, err
		}

		r, want, err := from.Open(ctx, src.Name)
		if err != nil {
			return 0, transportError("copy", src.String(), err)
		}
		defer r.Close()

		w, err := to.Create(ctx, dst.Name)
		if err != nil {
			return 0, transportError("copy", dst.String(), err)
		}
		n, err := io.Copy(w, &ctxReader{ctx: ctx, r: r})
		if cerr := w.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return n, copyError(dst, err)
		}
		return n, verifyCopy(dst, n, want)
	}
}

// RemoveFile deletes a node file.
func (s SecureCopy) RemoveFile(ctx context.Context, p Path) error {
	if p.IsLocal() {
		return LocalFS{}.RemoveFile(ctx, p)
	}
	t, err := connect(ctx, s.Connector, p.Host)
	if err != nil {
		return err
	}
	if err := t.Remove(ctx, p.Name); err != nil {
		return transportError("remove", p.String(), err)
	}
	return nil
}

// RenameFile renames a node file.
func (s SecureCopy) RenameFile(ctx context.Context, src, dst Path) error {
	if src.IsLocal() {
		return LocalFS{}.RenameFile(ctx, src, dst)
	}
	t, err := connect(ctx, s.Connector, src.Host)
	if err != nil {
		return err
	}
	if err := t.Rename(ctx, src.Name, dst.Name); err != nil {
		return transportError("rename", src.String(), err)
	}
	return nil
}

// StatFile returns the size of a node file.
func (s SecureCopy) StatFile(ctx context.Context, p Path) (int64, error) {
	if p.IsLocal() {
		return LocalFS{}.StatFile(ctx, p)
	}
	t, err := connect(ctx, s.Connector, p.Host)
	if err != nil {
		return 0, err
	}
	size, err := t.Stat(ctx, p.Name)
	if err != nil {
		return 0, transportError("stat", p.String(), err)
	}
	return size, nil
}

func copyError(dst Path, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &OpError{Op: "copy", Kind: KindTimeout, Path: dst.String(), Err: err}
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: "copy", Kind: KindPartial, Path: dst.String(), Err: err}
}

func transportError(op, path string, err error) error {
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}

	kind := KindIO
	var te *ssh.TransportError
	switch {
	case errors.Is(err, ssh.ErrNotExist):
		kind = KindNotFound
	case errors.As(err, &te) && te.IsAuthError:
		kind = KindAuth
	case errors.As(err, &te) && te.IsTimeout,
		errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		kind = KindTimeout
	}
	return &OpError{Op: op, Kind: kind, Path: path, Err: err}
}
