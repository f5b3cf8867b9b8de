package remoteops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

// LocalFS performs operations on the agent host filesystem.
type LocalFS struct{}

// Run executes argv with os/exec.
func (LocalFS) Run(ctx context.Context, host *Host, argv []string, capture bool) (*Result, error) {
	if host != nil {
		return nil, fmt.Errorf("local runner cannot reach %s", host)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	if capture {
		cmd.Stdout = &stdout
	}
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		if ctx.Err() != nil {
			return nil, &OpError{Op: "run", Kind: KindTimeout, Path: argv[0], Err: ctx.Err()}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, &OpError{Op: "run", Kind: KindIO, Path: argv[0], Err: err}
	}
	return res, nil
}

// CopyFile copies a local file to another local path.
func (LocalFS) CopyFile(ctx context.Context, src, dst Path) (int64, error) {
	in, err := os.Open(src.Name)
	if err != nil {
		return 0, localError("copy", src.Name, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return 0, localError("copy", src.Name, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst.Name), 0755); err != nil {
		return 0, localError("copy", dst.Name, err)
	}
	out, err := os.Create(dst.Name)
	if err != nil {
		return 0, localError("copy", dst.Name, err)
	}

	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: in})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return n, &OpError{Op: "copy", Kind: KindTimeout, Path: dst.Name, Err: ctx.Err()}
		}
		return n, &OpError{Op: "copy", Kind: KindPartial, Path: dst.Name, Err: err}
	}
	return n, verifyCopy(dst, n, info.Size())
}

// RemoveFile deletes a local file.
func (LocalFS) RemoveFile(ctx context.Context, p Path) error {
	if err := os.Remove(p.Name); err != nil {
		return localError("remove", p.Name, err)
	}
	return nil
}

// RenameFile renames a local file.
func (LocalFS) RenameFile(ctx context.Context, src, dst Path) error {
	if err := os.Rename(src.Name, dst.Name); err != nil {
		return localError("rename", src.Name, err)
	}
	return nil
}

// StatFile returns the size of a local file.
func (LocalFS) StatFile(ctx context.Context, p Path) (int64, error) {
	info, err := os.Stat(p.Name)
	if err != nil {
		return 0, localError("stat", p.Name, err)
	}
	return info.Size(), nil
}

func localError(op, name string, err error) error {
	kind := KindIO
	switch {
	case errors.Is(err, os.ErrNotExist):
		kind = KindNotFound
	case errors.Is(err, os.ErrPermission):
		kind = KindAuth
	}
	return &OpError{Op: op, Kind: kind, Path: name, Err: err}
}

func verifyCopy(dst Path, copied, want int64) error {
	if copied != want {
		return &OpError{
			Op:   "copy",
			Kind: KindPartial,
			Path: dst.String(),
			Err:  fmt.Errorf("copied %d of %d bytes", copied, want),
		}
	}
	return nil
}

// ctxReader stops a copy when the context is cancelled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
