package virt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/vmforge/vmforge/pkg/resources"
	"github.com/vmforge/vmforge/pkg/telemetry"
	"github.com/vmforge/vmforge/pkg/transports/ssh"
)

// Libvirt transports.
const (
	TransportTCP = "tcp"
	TransportSSH = "ssh"
)

// DefaultSocket is the libvirtd socket path on nodes.
const DefaultSocket = "/var/run/libvirt/libvirt-sock"

// Tunneler hands out SSH transports used to reach the libvirt socket of a node.
type Tunneler interface {
	Get(ctx context.Context, address, user string) (ssh.Transport, error)
}

// LibvirtConnector opens go-libvirt RPC connections to nodes.
type LibvirtConnector struct {
	// Transport is TransportTCP or TransportSSH.
	Transport string
	// Port is the libvirtd TCP port.
	Port int
	// Socket is the libvirtd unix socket reached through the SSH tunnel.
	Socket string
	// Timeout bounds the TCP dial.
	Timeout time.Duration
	// Tunnels is required for TransportSSH.
	Tunnels Tunneler

	Logger *telemetry.Logger
}

var _ Connector = (*LibvirtConnector)(nil)

// Open connects to the hypervisor of node.
func (c *LibvirtConnector) Open(ctx context.Context, node *resources.Node) (Conn, error) {
	conn, err := c.dial(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("failed to reach libvirt on %s: %w", node.Address, err)
	}

	l := libvirt.New(conn)
	if err := l.Connect(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to libvirt on %s: %w", node.Address, err)
	}

	logger := c.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger.WithField("node", node.Address).Debug("libvirt connection opened")
	return &libvirtConn{l: l, node: node.Address, logger: logger}, nil
}

func (c *LibvirtConnector) dial(ctx context.Context, node *resources.Node) (net.Conn, error) {
	switch c.Transport {
	case TransportSSH:
		if c.Tunnels == nil {
			return nil, errors.New("ssh transport requires a tunneler")
		}
		t, err := c.Tunnels.Get(ctx, node.Address, node.Username)
		if err != nil {
			return nil, err
		}
		socket := c.Socket
		if socket == "" {
			socket = DefaultSocket
		}
		return t.Dial("unix", socket)

	case TransportTCP, "":
		port := c.Port
		if port == 0 {
			port = 16509
		}
		d := net.Dialer{Timeout: c.Timeout}
		return d.DialContext(ctx, "tcp", net.JoinHostPort(node.Address, strconv.Itoa(port)))

	default:
		return nil, fmt.Errorf("unsupported libvirt transport: %s", c.Transport)
	}
}

type libvirtConn struct {
	l      *libvirt.Libvirt
	node   string
	logger *telemetry.Logger
}

func hasErrorCode(err error, code libvirt.ErrorNumber) bool {
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return lerr.Code == uint32(code)
	}
	var perr *libvirt.Error
	if errors.As(err, &perr) {
		return perr.Code == uint32(code)
	}
	return false
}

func (c *libvirtConn) lookup(ctx context.Context, name string) (libvirt.Domain, error) {
	if err := ctx.Err(); err != nil {
		return libvirt.Domain{}, err
	}
	dom, err := c.l.DomainLookupByName(name)
	if err != nil {
		if hasErrorCode(err, libvirt.ErrNoDomain) {
			return libvirt.Domain{}, fmt.Errorf("%s on %s: %w", name, c.node, ErrDomainNotFound)
		}
		return libvirt.Domain{}, fmt.Errorf("failed to look up domain %s: %w", name, err)
	}
	return dom, nil
}

func (c *libvirtConn) DomainRunning(ctx context.Context, name string) (bool, error) {
	dom, err := c.lookup(ctx, name)
	if err != nil {
		return false, err
	}
	state, _, err := c.l.DomainGetState(dom, 0)
	if err != nil {
		return false, fmt.Errorf("failed to get state of domain %s: %w", name, err)
	}
	return state == int32(libvirt.DomainRunning), nil
}

func (c *libvirtConn) RedefineDisks(ctx context.Context, name string, disks []Disk) error {
	dom, err := c.lookup(ctx, name)
	if err != nil {
		return err
	}
	doc, err := c.l.DomainGetXMLDesc(dom, libvirt.DomainXMLInactive)
	if err != nil {
		return fmt.Errorf("failed to get definition of domain %s: %w", name, err)
	}
	updated, err := redefineDomainXML(doc, disks)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := c.l.DomainDefineXML(updated); err != nil {
		return fmt.Errorf("failed to redefine domain %s: %w", name, err)
	}
	c.logger.WithFields(map[string]interface{}{
		"node":   c.node,
		"domain": name,
		"disks":  len(disks),
	}).Debug("domain redefined")
	return nil
}

func (c *libvirtConn) SuspendForDuration(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	secs := uint64(d / time.Second)
	if err := c.l.NodeSuspendForDuration(uint32(libvirt.NodeSuspendTargetMem), secs, 0); err != nil {
		return fmt.Errorf("failed to suspend %s: %w", c.node, err)
	}
	return nil
}

func (c *libvirtConn) Close() error {
	if err := c.l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt on %s: %w", c.node, err)
	}
	return nil
}
