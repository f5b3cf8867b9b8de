package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Upload copies a local file to the node via SFTP. The remote directory is
// created if missing.
func (c *SSHClient) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	startTime := time.Now()

	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, newTransportError("upload", fmt.Errorf("failed to open local file: %w", err), false)
	}
	defer localFile.Close()

	remoteFile, err := c.Create(ctx, remotePath)
	if err != nil {
		return 0, err
	}

	written, err := copyWithContext(ctx, remoteFile, localFile)
	closeErr := remoteFile.Close()
	if err != nil {
		return written, newTransportError("upload", fmt.Errorf("failed to copy file: %w", err), true)
	}
	if closeErr != nil {
		return written, newTransportError("upload", fmt.Errorf("failed to close remote file: %w", closeErr), true)
	}

	log.Debug().
		Str("local", localPath).
		Str("remote", remotePath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file uploaded")

	return written, nil
}

// Download copies a node file to the local filesystem via SFTP.
func (c *SSHClient) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	startTime := time.Now()

	remoteFile, _, err := c.Open(ctx, remotePath)
	if err != nil {
		return 0, err
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, newTransportError("download", fmt.Errorf("failed to create local directory: %w", err), false)
	}

	localFile, err := os.Create(localPath)
	if err != nil {
		return 0, newTransportError("download", fmt.Errorf("failed to create local file: %w", err), false)
	}

	written, err := copyWithContext(ctx, localFile, remoteFile)
	closeErr := localFile.Close()
	if err != nil {
		return written, newTransportError("download", fmt.Errorf("failed to copy file: %w", err), true)
	}
	if closeErr != nil {
		return written, newTransportError("download", closeErr, false)
	}

	log.Debug().
		Str("remote", remotePath).
		Str("local", localPath).
		Int64("bytes", written).
		Dur("duration", time.Since(startTime)).
		Msg("file downloaded")

	return written, nil
}

// Open opens a node file for reading and returns it with its size.
func (c *SSHClient) Open(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	client, err := c.getSFTP()
	if err != nil {
		return nil, 0, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		return nil, 0, fileError("open", remotePath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, fileError("open", remotePath, err)
	}
	return f, info.Size(), nil
}

// Create creates or truncates a node file for writing.
func (c *SSHClient) Create(ctx context.Context, remotePath string) (io.WriteCloser, error) {
	client, err := c.getSFTP()
	if err != nil {
		return nil, err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, newTransportError("create", fmt.Errorf("failed to create remote directory: %w", err), false)
	}
	f, err := client.Create(remotePath)
	if err != nil {
		return nil, fileError("create", remotePath, err)
	}
	return f, nil
}

// Rename moves oldPath over newPath on the node.
func (c *SSHClient) Rename(ctx context.Context, oldPath, newPath string) error {
	client, err := c.getSFTP()
	if err != nil {
		return err
	}

	if err := client.PosixRename(oldPath, newPath); err != nil {
		// Servers without the posix-rename extension only rename onto free names.
		if rerr := client.Rename(oldPath, newPath); rerr != nil {
			return fileError("rename", oldPath, err)
		}
	}
	return nil
}

// Remove deletes a node file.
func (c *SSHClient) Remove(ctx context.Context, remotePath string) error {
	client, err := c.getSFTP()
	if err != nil {
		return err
	}
	if err := client.Remove(remotePath); err != nil {
		return fileError("remove", remotePath, err)
	}
	return nil
}

// Stat returns the size of a node file.
func (c *SSHClient) Stat(ctx context.Context, remotePath string) (int64, error) {
	client, err := c.getSFTP()
	if err != nil {
		return 0, err
	}
	info, err := client.Stat(remotePath)
	if err != nil {
		return 0, fileError("stat", remotePath, err)
	}
	return info.Size(), nil
}

func fileError(op, remotePath string, err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return &TransportError{Op: op, Err: fmt.Errorf("%s: %w", remotePath, ErrNotExist)}
	}
	return newTransportError(op, fmt.Errorf("%s: %w", remotePath, err), true)
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
