// Package remoteops is the narrow capability layer handlers use to touch
// files and run commands on the agent host or on cluster nodes.
//
// A Path with a nil Host names a file on the agent host. Failures are
// reported as *OpError with a Kind, never as raw exit codes.
package remoteops

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Host identifies a remote machine.
type Host struct {
	Address  string
	Username string
}

func (h *Host) String() string {
	if h == nil {
		return "local"
	}
	if h.Username == "" {
		return h.Address
	}
	return h.Username + "@" + h.Address
}

// Path names a file on a host.
type Path struct {
	Host *Host
	Name string
}

// Local returns a path on the agent host.
func Local(name string) Path {
	return Path{Name: name}
}

// Remote returns a path on host.
func Remote(host *Host, name string) Path {
	return Path{Host: host, Name: name}
}

// IsLocal reports whether the path is on the agent host.
func (p Path) IsLocal() bool {
	return p.Host == nil
}

func (p Path) String() string {
	if p.Host == nil {
		return p.Name
	}
	return p.Host.String() + ":" + p.Name
}

// Result is the outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Success reports a zero exit status.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes a command line synchronously. A non-zero exit status is
// reported in the Result, not as an error; errors mean the command could not
// be run at all.
type Runner interface {
	Run(ctx context.Context, host *Host, argv []string, capture bool) (*Result, error)
}

// Ops is the file and command capability used by handlers.
type Ops interface {
	// CopyFile copies src to dst and returns the number of bytes copied.
	// A copy shorter than the source is a KindPartial error.
	CopyFile(ctx context.Context, src, dst Path) (int64, error)
	// RemoveFile deletes a file. A missing file is a KindNotFound error.
	RemoveFile(ctx context.Context, p Path) error
	// RenameFile replaces dst with src. Both paths must be on the same host.
	RenameFile(ctx context.Context, src, dst Path) error
	// StatFile returns the size of a file.
	StatFile(ctx context.Context, p Path) (int64, error)
	// RunCommand runs argv on host, or locally when host is nil.
	RunCommand(ctx context.Context, host *Host, argv []string, capture bool) (*Result, error)
}

// Kind classifies an operation failure.
type Kind string

const (
	KindTimeout  Kind = "timeout"
	KindAuth     Kind = "auth"
	KindPartial  Kind = "partial"
	KindNotFound Kind = "not_found"
	KindExit     Kind = "exit"
	KindIO       Kind = "io"
)

// OpError is a typed failure of a remote operation.
type OpError struct {
	Op       string
	Kind     Kind
	Path     string
	ExitCode int
	Err      error
}

func (e *OpError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s", e.Op, e.Kind)
	if e.Path != "" {
		fmt.Fprintf(&b, " %s", e.Path)
	}
	if e.Kind == KindExit {
		fmt.Fprintf(&b, " (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of an OpError in err's chain, or "".
func KindOf(err error) Kind {
	var e *OpError
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsNotFound reports a missing file.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// ExitError converts a failed result into an OpError.
func ExitError(op string, argv []string, res *Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = strings.Join(argv, " ")
	}
	return &OpError{Op: op, Kind: KindExit, ExitCode: res.ExitCode, Err: errors.New(msg)}
}

// Sudo prefixes argv with sudo when enabled.
func Sudo(enabled bool, argv ...string) []string {
	if !enabled {
		return argv
	}
	return append([]string{"sudo", "-n"}, argv...)
}

// ShellJoin quotes argv for a POSIX shell.
func ShellJoin(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	safe := true
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:@,+%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}
