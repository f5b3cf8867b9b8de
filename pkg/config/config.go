package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/vmforge/vmforge/pkg/agents"
	"github.com/vmforge/vmforge/pkg/telemetry"
	sshtransport "github.com/vmforge/vmforge/pkg/transports/ssh"
	"github.com/vmforge/vmforge/pkg/virt"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "VMFORGE"

// FileName is the base name of the config file searched in the default paths.
const FileName = "vmforge"

// DefaultSearchPaths are the directories searched for vmforge.yaml.
var DefaultSearchPaths = []string{".", "/etc/vmforge"}

// Config is the complete agent configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`

	telemetry.Config `mapstructure:",squash" yaml:",inline"`

	SSH     SSHConfig     `mapstructure:"ssh" yaml:"ssh"`
	Libvirt LibvirtConfig `mapstructure:"libvirt" yaml:"libvirt"`
	Images  ImagesConfig  `mapstructure:"images" yaml:"images"`
	Node    NodeConfig    `mapstructure:"node" yaml:"node"`
	Chunks  ChunksConfig  `mapstructure:"chunks" yaml:"chunks"`
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	// Path is the database file, or ":memory:".
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// SSHConfig is the base SSH configuration applied to every node.
// Node address and user come from the node record.
type SSHConfig struct {
	// User is used for nodes without a username.
	User string `mapstructure:"user" yaml:"user" validate:"required"`
	Port int    `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`

	PrivateKeyPath string `mapstructure:"private_key_path" yaml:"private_key_path"`
	Password       string `mapstructure:"password" yaml:"password,omitempty"`

	KnownHostsPath        string `mapstructure:"known_hosts_path" yaml:"known_hosts_path"`
	StrictHostKeyChecking bool   `mapstructure:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	ConnectTimeout    time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout" validate:"gt=0"`
	CommandTimeout    time.Duration `mapstructure:"command_timeout" yaml:"command_timeout" validate:"gt=0"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" yaml:"keepalive_interval"`
}

// LibvirtConfig selects how hypervisors are reached.
type LibvirtConfig struct {
	Transport string        `mapstructure:"transport" yaml:"transport" validate:"oneof=tcp ssh"`
	Port      int           `mapstructure:"port" yaml:"port" validate:"min=1,max=65535"`
	Socket    string        `mapstructure:"socket" yaml:"socket"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" validate:"gt=0"`
}

// ImagesConfig tunes the image handlers.
type ImagesConfig struct {
	// Dir is the image directory on nodes.
	Dir            string            `mapstructure:"dir" yaml:"dir" validate:"required"`
	UploadReadSize datasize.ByteSize `mapstructure:"upload_read_size" yaml:"upload_read_size"`
	QemuImg        string            `mapstructure:"qemu_img" yaml:"qemu_img" validate:"required"`
	UseSudo        bool              `mapstructure:"use_sudo" yaml:"use_sudo"`
	// FetchTimeout bounds upload_url transfers, 0 disables the limit.
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout" validate:"gte=0"`
}

// NodeConfig tunes power management.
type NodeConfig struct {
	SuspendDuration time.Duration `mapstructure:"suspend_duration" yaml:"suspend_duration" validate:"gt=0"`
	WakeupTime      time.Duration `mapstructure:"wakeup_time" yaml:"wakeup_time" validate:"gte=0"`
	ARPTable        string        `mapstructure:"arp_table" yaml:"arp_table"`
	WakeCommand     []string      `mapstructure:"wake_command" yaml:"wake_command" validate:"min=1"`
	PingCommand     []string      `mapstructure:"ping_command" yaml:"ping_command"`
}

// ChunksConfig controls expiry of orphaned upload chunks.
type ChunksConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl" validate:"gt=0"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" yaml:"purge_interval" validate:"gt=0"`
}

// WorkerConfig controls the task loop of serve.
type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	Concurrency  int           `mapstructure:"concurrency" yaml:"concurrency" validate:"min=1,max=64"`
	// ShutdownTimeout bounds the wait for running tasks on shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	ac := agents.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{Path: "vmforge.db"},
		Config:   *telemetry.DefaultConfig(),
		SSH: SSHConfig{
			User:                  "root",
			Port:                  22,
			StrictHostKeyChecking: true,
			ConnectTimeout:        30 * time.Second,
			CommandTimeout:        30 * time.Minute,
			KeepAliveInterval:     30 * time.Second,
		},
		Libvirt: LibvirtConfig{
			Transport: virt.TransportSSH,
			Port:      16509,
			Socket:    virt.DefaultSocket,
			Timeout:   10 * time.Second,
		},
		Images: ImagesConfig{
			Dir:            ac.ImagesDir,
			UploadReadSize: datasize.ByteSize(ac.UploadReadSize),
			QemuImg:        ac.QemuImg,
			UseSudo:        ac.UseSudo,
		},
		Node: NodeConfig{
			SuspendDuration: ac.SuspendDuration,
			WakeupTime:      ac.WakeupTime,
			ARPTable:        ac.ARPTable,
			WakeCommand:     ac.WakeCommand,
			PingCommand:     ac.PingCommand,
		},
		Chunks: ChunksConfig{
			TTL:           24 * time.Hour,
			PurgeInterval: 10 * time.Minute,
		},
		Worker: WorkerConfig{
			PollInterval:    2 * time.Second,
			Concurrency:     1,
			ShutdownTimeout: 5 * time.Minute,
		},
	}
}

// setDefaults registers every key so environment overrides apply even when
// the file does not mention them.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.path", d.Database.Path)

	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("service_version", d.ServiceVersion)
	v.SetDefault("environment", d.Environment)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.enable_caller", d.Logging.EnableCaller)
	v.SetDefault("logging.time_format", d.Logging.TimeFormat)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	v.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
	v.SetDefault("tracing.max_export_batch_size", d.Tracing.MaxExportBatchSize)
	v.SetDefault("tracing.export_timeout", d.Tracing.ExportTimeout)
	v.SetDefault("tracing.insecure", d.Tracing.Insecure)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen_address", d.Metrics.ListenAddress)
	v.SetDefault("metrics.path", d.Metrics.Path)
	v.SetDefault("metrics.namespace", d.Metrics.Namespace)
	v.SetDefault("metrics.histogram_buckets", d.Metrics.DefaultHistogramBuckets)

	v.SetDefault("ssh.user", d.SSH.User)
	v.SetDefault("ssh.port", d.SSH.Port)
	v.SetDefault("ssh.private_key_path", d.SSH.PrivateKeyPath)
	v.SetDefault("ssh.password", d.SSH.Password)
	v.SetDefault("ssh.known_hosts_path", d.SSH.KnownHostsPath)
	v.SetDefault("ssh.strict_host_key_checking", d.SSH.StrictHostKeyChecking)
	v.SetDefault("ssh.connect_timeout", d.SSH.ConnectTimeout)
	v.SetDefault("ssh.command_timeout", d.SSH.CommandTimeout)
	v.SetDefault("ssh.keepalive_interval", d.SSH.KeepAliveInterval)

	v.SetDefault("libvirt.transport", d.Libvirt.Transport)
	v.SetDefault("libvirt.port", d.Libvirt.Port)
	v.SetDefault("libvirt.socket", d.Libvirt.Socket)
	v.SetDefault("libvirt.timeout", d.Libvirt.Timeout)

	v.SetDefault("images.dir", d.Images.Dir)
	v.SetDefault("images.upload_read_size", d.Images.UploadReadSize.String())
	v.SetDefault("images.qemu_img", d.Images.QemuImg)
	v.SetDefault("images.use_sudo", d.Images.UseSudo)
	v.SetDefault("images.fetch_timeout", d.Images.FetchTimeout)

	v.SetDefault("node.suspend_duration", d.Node.SuspendDuration)
	v.SetDefault("node.wakeup_time", d.Node.WakeupTime)
	v.SetDefault("node.arp_table", d.Node.ARPTable)
	v.SetDefault("node.wake_command", d.Node.WakeCommand)
	v.SetDefault("node.ping_command", d.Node.PingCommand)

	v.SetDefault("chunks.ttl", d.Chunks.TTL)
	v.SetDefault("chunks.purge_interval", d.Chunks.PurgeInterval)

	v.SetDefault("worker.poll_interval", d.Worker.PollInterval)
	v.SetDefault("worker.concurrency", d.Worker.Concurrency)
	v.SetDefault("worker.shutdown_timeout", d.Worker.ShutdownTimeout)
}

// newViper returns a viper instance with defaults and environment bindings.
func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the configuration. An empty path searches DefaultSearchPaths and
// tolerates a missing file; an explicit path must exist. It returns the file
// actually used, "" when none was found.
func Load(path string) (*Config, string, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		for _, p := range DefaultSearchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, "", err
	}
	return cfg, v.ConfigFileUsed(), nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(" "),
		mapstructure.TextUnmarshallerHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return newValidationErrors(err)
	}
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry config: %w", err)
	}
	if c.Images.UploadReadSize < datasize.KB {
		return fmt.Errorf("images.upload_read_size must be at least 1KB, got %s", c.Images.UploadReadSize)
	}
	if c.Images.UploadReadSize > 64*datasize.MB {
		return fmt.Errorf("images.upload_read_size must be at most 64MB, got %s", c.Images.UploadReadSize)
	}
	if c.Libvirt.Transport == virt.TransportSSH && c.Libvirt.Socket == "" {
		return fmt.Errorf("libvirt.socket is required for the ssh transport")
	}
	if c.Chunks.PurgeInterval > c.Chunks.TTL {
		return fmt.Errorf("chunks.purge_interval (%s) exceeds chunks.ttl (%s)", c.Chunks.PurgeInterval, c.Chunks.TTL)
	}
	return nil
}

// AgentsConfig returns the handler settings.
func (c *Config) AgentsConfig() agents.Config {
	return agents.Config{
		ImagesDir:       c.Images.Dir,
		UploadReadSize:  int(c.Images.UploadReadSize.Bytes()),
		QemuImg:         c.Images.QemuImg,
		UseSudo:         c.Images.UseSudo,
		FetchTimeout:    c.Images.FetchTimeout,
		SuspendDuration: c.Node.SuspendDuration,
		WakeupTime:      c.Node.WakeupTime,
		ARPTable:        c.Node.ARPTable,
		WakeCommand:     c.Node.WakeCommand,
		PingCommand:     c.Node.PingCommand,
	}
}

// SSHBase returns the SSH settings shared by all nodes. Host and user are
// filled in per node by the dialer.
func (c *Config) SSHBase() *sshtransport.Config {
	base := sshtransport.DefaultConfig("", c.SSH.User)
	base.Port = c.SSH.Port
	if c.SSH.Password != "" {
		base.AuthMethod = sshtransport.AuthMethodPassword
		base.Password = c.SSH.Password
	}
	base.PrivateKeyPath = c.SSH.PrivateKeyPath
	if c.SSH.KnownHostsPath != "" {
		base.KnownHostsPath = c.SSH.KnownHostsPath
	}
	base.StrictHostKeyChecking = c.SSH.StrictHostKeyChecking
	base.ConnectionTimeout = c.SSH.ConnectTimeout
	base.CommandTimeout = c.SSH.CommandTimeout
	base.KeepAliveInterval = c.SSH.KeepAliveInterval
	return base
}

// LibvirtConnector returns a hypervisor connector using tunnels for the ssh
// transport.
func (c *Config) LibvirtConnector(tunnels virt.Tunneler, logger *telemetry.Logger) *virt.LibvirtConnector {
	return &virt.LibvirtConnector{
		Transport: c.Libvirt.Transport,
		Port:      c.Libvirt.Port,
		Socket:    c.Libvirt.Socket,
		Timeout:   c.Libvirt.Timeout,
		Tunnels:   tunnels,
		Logger:    logger,
	}
}
