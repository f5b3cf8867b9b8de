package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config is invalid: %v", err)
	}

	ac := cfg.AgentsConfig()
	if ac.UploadReadSize != 250*1024 {
		t.Errorf("Expected upload read size 256000, got %d", ac.UploadReadSize)
	}
	if ac.ImagesDir != "/images" {
		t.Errorf("Expected images dir /images, got %s", ac.ImagesDir)
	}
	if ac.SuspendDuration != time.Hour {
		t.Errorf("Expected suspend duration 1h, got %s", ac.SuspendDuration)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmforge.yaml")
	writeFile(t, path, `
database:
  path: /var/lib/vmforge/test.db
logging:
  level: debug
ssh:
  user: cc
  port: 2222
libvirt:
  transport: tcp
images:
  upload_read_size: 1MB
  use_sudo: true
  fetch_timeout: 10m
node:
  suspend_duration: 30m
  wake_command: [etherwake, -i, br0]
worker:
  concurrency: 4
`)

	cfg, used, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if used != path {
		t.Errorf("Expected config file %s, got %s", path, used)
	}

	if cfg.Database.Path != "/var/lib/vmforge/test.db" {
		t.Errorf("Unexpected database path: %s", cfg.Database.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Unexpected log level: %s", cfg.Logging.Level)
	}
	if cfg.SSH.User != "cc" || cfg.SSH.Port != 2222 {
		t.Errorf("Unexpected ssh config: %+v", cfg.SSH)
	}
	if cfg.Libvirt.Transport != "tcp" {
		t.Errorf("Unexpected libvirt transport: %s", cfg.Libvirt.Transport)
	}
	if cfg.Images.UploadReadSize != datasize.MB {
		t.Errorf("Expected 1MB read size, got %s", cfg.Images.UploadReadSize)
	}
	if cfg.Images.FetchTimeout != 10*time.Minute {
		t.Errorf("Unexpected fetch timeout: %s", cfg.Images.FetchTimeout)
	}
	if cfg.Node.SuspendDuration != 30*time.Minute {
		t.Errorf("Unexpected suspend duration: %s", cfg.Node.SuspendDuration)
	}
	if want := []string{"etherwake", "-i", "br0"}; !reflect.DeepEqual(cfg.Node.WakeCommand, want) {
		t.Errorf("Expected wake command %v, got %v", want, cfg.Node.WakeCommand)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("Unexpected concurrency: %d", cfg.Worker.Concurrency)
	}

	// Unset keys keep their defaults.
	if cfg.Images.QemuImg != "qemu-img" {
		t.Errorf("Expected default qemu-img, got %s", cfg.Images.QemuImg)
	}
	if cfg.Chunks.TTL != 24*time.Hour {
		t.Errorf("Expected default chunk ttl, got %s", cfg.Chunks.TTL)
	}
	if cfg.Metrics.Namespace != "vmforge" {
		t.Errorf("Expected default metrics namespace, got %s", cfg.Metrics.Namespace)
	}

	ac := cfg.AgentsConfig()
	if ac.UploadReadSize != 1024*1024 || !ac.UseSudo {
		t.Errorf("Unexpected agents config: %+v", ac)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmforge.yaml")
	writeFile(t, path, "logging:\n  level: warn\n")

	t.Setenv("VMFORGE_LOGGING_LEVEL", "debug")
	t.Setenv("VMFORGE_IMAGES_UPLOAD_READ_SIZE", "512KB")
	t.Setenv("VMFORGE_NODE_WAKEUP_TIME", "45s")
	t.Setenv("VMFORGE_DATABASE_PATH", ":memory:")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Environment should override file, got level %s", cfg.Logging.Level)
	}
	if cfg.Images.UploadReadSize != 512*datasize.KB {
		t.Errorf("Unexpected read size: %s", cfg.Images.UploadReadSize)
	}
	if cfg.Node.WakeupTime != 45*time.Second {
		t.Errorf("Unexpected wakeup time: %s", cfg.Node.WakeupTime)
	}
	if cfg.Database.Path != ":memory:" {
		t.Errorf("Unexpected database path: %s", cfg.Database.Path)
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("Expected error for missing explicit config file")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	orig := DefaultSearchPaths
	DefaultSearchPaths = []string{dir}
	t.Cleanup(func() { DefaultSearchPaths = orig })

	cfg, used, err := Load("")
	if err != nil {
		t.Fatalf("Load without file failed: %v", err)
	}
	if used != "" {
		t.Errorf("Expected no config file, got %s", used)
	}
	if cfg.Database.Path != "vmforge.db" {
		t.Errorf("Expected default database path, got %s", cfg.Database.Path)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(c *Config)
		wantRule string
		wantErr  string
	}{
		{
			name:     "bad libvirt transport",
			mutate:   func(c *Config) { c.Libvirt.Transport = "tls" },
			wantRule: "oneof",
		},
		{
			name:     "bad log level",
			mutate:   func(c *Config) { c.Logging.Level = "loud" },
			wantRule: "oneof",
		},
		{
			name:     "empty database path",
			mutate:   func(c *Config) { c.Database.Path = "" },
			wantRule: "required",
		},
		{
			name:     "no wake command",
			mutate:   func(c *Config) { c.Node.WakeCommand = nil },
			wantRule: "min",
		},
		{
			name:     "zero concurrency",
			mutate:   func(c *Config) { c.Worker.Concurrency = 0 },
			wantRule: "min",
		},
		{
			name:     "zero poll interval",
			mutate:   func(c *Config) { c.Worker.PollInterval = 0 },
			wantRule: "gt",
		},
		{
			name:    "tiny read size",
			mutate:  func(c *Config) { c.Images.UploadReadSize = 10 },
			wantErr: "upload_read_size",
		},
		{
			name:    "ssh transport without socket",
			mutate:  func(c *Config) { c.Libvirt.Socket = "" },
			wantErr: "libvirt.socket",
		},
		{
			name: "purge slower than ttl",
			mutate: func(c *Config) {
				c.Chunks.TTL = time.Minute
				c.Chunks.PurgeInterval = time.Hour
			},
			wantErr: "purge_interval",
		},
		{
			name: "otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: "endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}

			if tt.wantRule != "" {
				var verrs ValidationErrors
				if !errors.As(err, &verrs) {
					t.Fatalf("Expected ValidationErrors, got %T: %v", err, err)
				}
				found := false
				for _, ve := range verrs {
					if ve.Rule == tt.wantRule {
						found = true
					}
				}
				if !found {
					t.Errorf("Expected rule %q in %v", tt.wantRule, verrs)
				}
			}
			if tt.wantErr != "" && !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "vmforge.yaml")
	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"upload_read_size: 250KB", "suspend_duration: 1h0m0s", "transport: ssh"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("Expected %q in written config:\n%s", want, data)
		}
	}

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load written config: %v", err)
	}
	if !reflect.DeepEqual(cfg.AgentsConfig(), DefaultConfig().AgentsConfig()) {
		t.Errorf("Round trip changed agents config:\n got %+v\nwant %+v", cfg.AgentsConfig(), DefaultConfig().AgentsConfig())
	}

	if err := WriteDefault(path, false); err == nil {
		t.Error("Expected error when the file exists")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("Overwrite failed: %v", err)
	}
}

func TestSSHBase(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.User = "cc"
	cfg.SSH.Port = 2200
	cfg.SSH.PrivateKeyPath = "/etc/vmforge/id_ed25519"
	cfg.SSH.StrictHostKeyChecking = false

	base := cfg.SSHBase()
	node := base.ForHost("10.0.0.5", "")
	if node.Host != "10.0.0.5" || node.User != "cc" || node.Port != 2200 {
		t.Errorf("Unexpected per-node config: %+v", node)
	}
	if node.PrivateKeyPath != "/etc/vmforge/id_ed25519" || node.StrictHostKeyChecking {
		t.Errorf("Base settings not carried: %+v", node)
	}

	cfg.SSH.Password = "secret"
	if got := cfg.SSHBase().AuthMethod; got != "password" {
		t.Errorf("Expected password auth, got %s", got)
	}
}

func TestWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmforge.yaml")
	writeFile(t, path, "logging:\n  level: info\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloaded := make(chan *Config, 4)
	if err := Watch(ctx, path, func(c *Config) { reloaded <- c }); err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	writeFile(t, path, "logging:\n  level: debug\n")

	select {
	case cfg := <-reloaded:
		if cfg.Logging.Level != "debug" {
			t.Errorf("Expected reloaded level debug, got %s", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
}
