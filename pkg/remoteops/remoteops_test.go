package remoteops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/vmforge/vmforge/pkg/transports/ssh"
)

// memTransport is an in-memory node.
type memTransport struct {
	mu       sync.Mutex
	files    map[string][]byte
	commands []string
	exitCode int
	// truncate shortens uploads to simulate a broken stream.
	truncate int
}

func newMemTransport() *memTransport {
	return &memTransport{files: make(map[string][]byte)}
}

func (m *memTransport) Connect(ctx context.Context) error { return nil }
func (m *memTransport) Disconnect() error                 { return nil }
func (m *memTransport) IsConnected() bool                 { return true }
func (m *memTransport) Dial(network, address string) (net.Conn, error) {
	return nil, errors.New("not supported")
}

func (m *memTransport) ExecuteCommand(ctx context.Context, cmd string) (*ssh.ExecResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, cmd)

	fields := strings.Fields(cmd)
	if len(fields) == 4 && fields[0] == "cp" {
		data, ok := m.files[fields[2]]
		if !ok {
			return &ssh.ExecResult{ExitCode: 1, Stderr: "no such file"}, nil
		}
		m.files[fields[3]] = append([]byte(nil), data...)
	}
	return &ssh.ExecResult{ExitCode: m.exitCode, Stdout: "out: " + cmd}, nil
}

func (m *memTransport) Upload(ctx context.Context, localPath, remotePath string) (int64, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return 0, err
	}
	if m.truncate > 0 && m.truncate < len(data) {
		data = data[:m.truncate]
	}
	m.mu.Lock()
	m.files[remotePath] = data
	m.mu.Unlock()
	return int64(len(data)), nil
}

func (m *memTransport) Download(ctx context.Context, remotePath, localPath string) (int64, error) {
	m.mu.Lock()
	data, ok := m.files[remotePath]
	m.mu.Unlock()
	if !ok {
		return 0, &ssh.TransportError{Op: "download", Err: fmt.Errorf("%s: %w", remotePath, ssh.ErrNotExist)}
	}
	return int64(len(data)), os.WriteFile(localPath, data, 0644)
}

type memWriter struct {
	bytes.Buffer
	m    *memTransport
	name string
}

func (w *memWriter) Close() error {
	w.m.mu.Lock()
	defer w.m.mu.Unlock()
	w.m.files[w.name] = w.Bytes()
	return nil
}

func (m *memTransport) Open(ctx context.Context, remotePath string) (io.ReadCloser, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[remotePath]
	if !ok {
		return nil, 0, &ssh.TransportError{Op: "open", Err: ssh.ErrNotExist}
	}
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *memTransport) Create(ctx context.Context, remotePath string) (io.WriteCloser, error) {
	return &memWriter{m: m, name: remotePath}, nil
}

func (m *memTransport) Rename(ctx context.Context, oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[oldPath]
	if !ok {
		return &ssh.TransportError{Op: "rename", Err: ssh.ErrNotExist}
	}
	m.files[newPath] = data
	delete(m.files, oldPath)
	return nil
}

func (m *memTransport) Remove(ctx context.Context, remotePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[remotePath]; !ok {
		return &ssh.TransportError{Op: "remove", Err: ssh.ErrNotExist}
	}
	delete(m.files, remotePath)
	return nil
}

func (m *memTransport) Stat(ctx context.Context, remotePath string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[remotePath]
	if !ok {
		return 0, &ssh.TransportError{Op: "stat", Err: ssh.ErrNotExist}
	}
	return int64(len(data)), nil
}

type memConnector struct {
	nodes map[string]*memTransport
	err   error
}

func (c *memConnector) Get(ctx context.Context, address, user string) (ssh.Transport, error) {
	if c.err != nil {
		return nil, c.err
	}
	t, ok := c.nodes[address]
	if !ok {
		return nil, &ssh.TransportError{Op: "connect", Err: errors.New("no route to host"), IsTemporary: true}
	}
	return t, nil
}

func TestShellJoin(t *testing.T) {
	tests := []struct {
		argv []string
		want string
	}{
		{[]string{"qemu-img", "info", "/images/vm1"}, "qemu-img info /images/vm1"},
		{[]string{"echo", "two words"}, "echo 'two words'"},
		{[]string{"rm", "it's"}, `rm 'it'"'"'s'`},
		{[]string{"qemu-img", "rebase", "-b", ""}, "qemu-img rebase -b ''"},
	}

	for _, tt := range tests {
		if got := ShellJoin(tt.argv); got != tt.want {
			t.Errorf("ShellJoin(%q) = %s, want %s", tt.argv, got, tt.want)
		}
	}
}

func TestSudo(t *testing.T) {
	if got := Sudo(false, "mkdir", "/images"); len(got) != 2 {
		t.Errorf("Sudo(false) = %v", got)
	}
	got := Sudo(true, "mkdir", "/images")
	if strings.Join(got, " ") != "sudo -n mkdir /images" {
		t.Errorf("Sudo(true) = %v", got)
	}
}

func TestLocalFSOperations(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "img")
	if err := os.WriteFile(src, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	fs := LocalFS{}
	n, err := fs.CopyFile(ctx, Local(src), Local(filepath.Join(dir, "sub", "copy")))
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if n != 10 {
		t.Errorf("CopyFile() = %d, want 10", n)
	}

	size, err := fs.StatFile(ctx, Local(filepath.Join(dir, "sub", "copy")))
	if err != nil || size != 10 {
		t.Errorf("StatFile() = %d, %v", size, err)
	}

	if err := fs.RenameFile(ctx, Local(filepath.Join(dir, "sub", "copy")), Local(filepath.Join(dir, "moved"))); err != nil {
		t.Fatalf("RenameFile() error = %v", err)
	}
	if err := fs.RemoveFile(ctx, Local(filepath.Join(dir, "moved"))); err != nil {
		t.Fatalf("RemoveFile() error = %v", err)
	}

	err = fs.RemoveFile(ctx, Local(filepath.Join(dir, "moved")))
	if !IsNotFound(err) {
		t.Errorf("expected not_found removing twice, got %v", err)
	}

	_, err = fs.CopyFile(ctx, Local(filepath.Join(dir, "missing")), Local(filepath.Join(dir, "x")))
	if !IsNotFound(err) {
		t.Errorf("expected not_found copying a missing file, got %v", err)
	}
}

func TestLocalFSRun(t *testing.T) {
	ctx := context.Background()
	fs := LocalFS{}

	res, err := fs.Run(ctx, nil, []string{"sh", "-c", "echo hello; exit 4"}, true)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.ExitCode != 4 {
		t.Errorf("exit code = %d, want 4", res.ExitCode)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}

	res, err = fs.Run(ctx, nil, []string{"sh", "-c", "echo hidden"}, false)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Stdout != "" {
		t.Errorf("expected no captured output, got %q", res.Stdout)
	}

	if _, err := fs.Run(ctx, nil, []string{"/nonexistent/binary"}, false); KindOf(err) != KindIO {
		t.Errorf("expected io error for missing binary, got %v", err)
	}

	if _, err := fs.Run(ctx, &Host{Address: "node1"}, []string{"true"}, false); err == nil {
		t.Error("expected error running a remote host locally")
	}
}

func TestRouterCopyLocalToNodeAndBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	src := filepath.Join(dir, "img")
	if err := os.WriteFile(src, []byte("disk contents"), 0644); err != nil {
		t.Fatal(err)
	}

	node := newMemTransport()
	r := NewRouter(&memConnector{nodes: map[string]*memTransport{"10.0.0.2": node}})
	host := &Host{Address: "10.0.0.2", Username: "vmforge"}

	n, err := r.CopyFile(ctx, Local(src), Remote(host, "/images/permanent-vm1"))
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if n != int64(len("disk contents")) {
		t.Errorf("CopyFile() = %d", n)
	}

	// modify on the node, copy back
	node.files["/images/permanent-vm1"] = []byte("written by vm")
	back := filepath.Join(dir, "img-tmp")
	if _, err := r.CopyFile(ctx, Remote(host, "/images/permanent-vm1"), Local(back)); err != nil {
		t.Fatalf("CopyFile() back error = %v", err)
	}
	got, _ := os.ReadFile(back)
	if string(got) != "written by vm" {
		t.Errorf("copied back %q", got)
	}
}

func TestRouterPartialCopy(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "img")
	if err := os.WriteFile(src, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}

	node := newMemTransport()
	node.truncate = 4
	r := NewRouter(&memConnector{nodes: map[string]*memTransport{"n": node}})

	_, err := r.CopyFile(ctx, Local(src), Remote(&Host{Address: "n"}, "/images/x"))
	if KindOf(err) != KindPartial {
		t.Errorf("expected partial copy error, got %v", err)
	}
}

func TestRouterCopyWithinNodeUsesCp(t *testing.T) {
	ctx := context.Background()
	node := newMemTransport()
	node.files["/images/base"] = []byte("base image")
	r := NewRouter(&memConnector{nodes: map[string]*memTransport{"n": node}})
	host := &Host{Address: "n"}

	n, err := r.CopyFile(ctx, Remote(host, "/images/base"), Remote(host, "/images/copy"))
	if err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if n != int64(len("base image")) {
		t.Errorf("CopyFile() = %d", n)
	}
	if len(node.commands) != 1 || !strings.HasPrefix(node.commands[0], "cp ") {
		t.Errorf("expected a single cp command, got %v", node.commands)
	}
}

func TestRouterCopyBetweenNodes(t *testing.T) {
	ctx := context.Background()
	a, b := newMemTransport(), newMemTransport()
	a.files["/images/vm1"] = []byte("payload")
	r := NewRouter(&memConnector{nodes: map[string]*memTransport{"a": a, "b": b}})

	if _, err := r.CopyFile(ctx, Remote(&Host{Address: "a"}, "/images/vm1"), Remote(&Host{Address: "b"}, "/images/vm1")); err != nil {
		t.Fatalf("CopyFile() error = %v", err)
	}
	if string(b.files["/images/vm1"]) != "payload" {
		t.Errorf("node b has %q", b.files["/images/vm1"])
	}
}

func TestRouterErrorKinds(t *testing.T) {
	ctx := context.Background()
	node := newMemTransport()
	host := &Host{Address: "n"}

	tests := []struct {
		name      string
		connector *memConnector
		op        func(r *Router) error
		want      Kind
	}{
		{
			name:      "missing remote file",
			connector: &memConnector{nodes: map[string]*memTransport{"n": node}},
			op:        func(r *Router) error { return r.RemoveFile(ctx, Remote(host, "/images/none")) },
			want:      KindNotFound,
		},
		{
			name:      "auth failure",
			connector: &memConnector{err: &ssh.TransportError{Op: "connect", Err: errors.New("denied"), IsAuthError: true}},
			op:        func(r *Router) error { _, err := r.StatFile(ctx, Remote(host, "/images/x")); return err },
			want:      KindAuth,
		},
		{
			name:      "timeout",
			connector: &memConnector{err: &ssh.TransportError{Op: "connect", Err: context.DeadlineExceeded, IsTimeout: true}},
			op: func(r *Router) error {
				_, err := r.RunCommand(ctx, host, []string{"true"}, false)
				return err
			},
			want: KindTimeout,
		},
		{
			name:      "rename across hosts",
			connector: &memConnector{nodes: map[string]*memTransport{"n": node}},
			op: func(r *Router) error {
				return r.RenameFile(ctx, Remote(host, "/a"), Local("/b"))
			},
			want: KindIO,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op(NewRouter(tt.connector))
			if KindOf(err) != tt.want {
				t.Errorf("KindOf(%v) = %q, want %q", err, KindOf(err), tt.want)
			}
		})
	}
}

func TestRouterRunCommandReportsExitStatus(t *testing.T) {
	node := newMemTransport()
	node.exitCode = 2
	r := NewRouter(&memConnector{nodes: map[string]*memTransport{"n": node}})

	res, err := r.RunCommand(context.Background(), &Host{Address: "n"}, []string{"qemu-img", "resize", "/images/vm 1", "10G"}, true)
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if res.ExitCode != 2 || res.Success() {
		t.Errorf("expected exit code 2, got %d", res.ExitCode)
	}
	if node.commands[0] != "qemu-img resize '/images/vm 1' 10G" {
		t.Errorf("command = %q", node.commands[0])
	}

	err = ExitError("resize", []string{"qemu-img"}, res)
	var oe *OpError
	if !errors.As(err, &oe) || oe.ExitCode != 2 || oe.Kind != KindExit {
		t.Errorf("ExitError() = %v", err)
	}
}
