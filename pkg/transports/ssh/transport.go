// Package ssh provides the SSH and SFTP transport used to reach cluster nodes.
package ssh

import (
	"context"
	"errors"
	"io"
	"net"
	"time"
)

// Transport defines the remote operations available on one node.
type Transport interface {
	// Connect establishes an SSH connection to the node.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all resources.
	Disconnect() error

	// IsConnected returns true if the transport has an active connection.
	IsConnected() bool

	// ExecuteCommand runs a shell command on the node. A non-zero exit status is
	// reported in the result, not as an error.
	ExecuteCommand(ctx context.Context, cmd string) (*ExecResult, error)

	// Upload copies a local file to the node and returns the bytes written.
	Upload(ctx context.Context, localPath, remotePath string) (int64, error)

	// Download copies a node file to the local filesystem and returns the bytes written.
	Download(ctx context.Context, remotePath, localPath string) (int64, error)

	// Open opens a node file for reading and returns it with its size.
	Open(ctx context.Context, remotePath string) (io.ReadCloser, int64, error)

	// Create creates or truncates a node file for writing.
	Create(ctx context.Context, remotePath string) (io.WriteCloser, error)

	// Rename atomically replaces newPath with oldPath on the node.
	Rename(ctx context.Context, oldPath, newPath string) error

	// Remove deletes a file on the node. A missing file is an ErrNotExist error.
	Remove(ctx context.Context, remotePath string) error

	// Stat returns the size of a node file.
	Stat(ctx context.Context, remotePath string) (int64, error)

	// Dial opens a connection from the node, used to tunnel to local sockets.
	Dial(network, address string) (net.Conn, error)
}

// ExecResult represents the result of a command execution.
type ExecResult struct {
	Stdout string

	Stderr string

	// ExitCode is the command's exit code
	ExitCode int

	StartedAt time.Time

	Duration time.Duration
}

// ErrNotExist is wrapped by errors for missing remote files.
var ErrNotExist = errors.New("remote file does not exist")

// TransportError represents an error from the transport layer.
type TransportError struct {
	// Op is the operation that failed (e.g., "connect", "exec", "upload")
	Op string

	// Err is the underlying error
	Err error

	// IsTemporary indicates if the error is temporary and can be retried
	IsTemporary bool

	// IsAuthError indicates if the error is related to authentication
	IsAuthError bool

	// IsTimeout indicates the operation was cut short by a deadline.
	IsTimeout bool
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return e.IsTemporary
}

func newTransportError(op string, err error, temporary bool) *TransportError {
	return &TransportError{
		Op:          op,
		Err:         err,
		IsTemporary: temporary,
		IsTimeout:   errors.Is(err, context.DeadlineExceeded),
	}
}
