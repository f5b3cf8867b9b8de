package ssh

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// DefaultConnectAttempts bounds connection retries for temporary failures.
const DefaultConnectAttempts = 3

// Dialer hands out connected clients, one per host and user, and closes them
// all on Close. Cached connections found dead are re-established.
type Dialer struct {
	base     *Config
	attempts uint
	interval time.Duration

	mu      sync.Mutex
	clients map[string]*SSHClient
	connect func(ctx context.Context, cfg *Config) (*SSHClient, error)
}

// NewDialer creates a dialer that derives per-host configs from base.
func NewDialer(base *Config) *Dialer {
	return &Dialer{
		base:     base,
		attempts: DefaultConnectAttempts,
		interval: 500 * time.Millisecond,
		clients:  make(map[string]*SSHClient),
		connect:  connectClient,
	}
}

func connectClient(ctx context.Context, cfg *Config) (*SSHClient, error) {
	client, err := NewSSHClient(cfg)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err}
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (d *Dialer) connectWithRetry(ctx context.Context, cfg *Config) (*SSHClient, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.interval

	return backoff.Retry(ctx, func() (*SSHClient, error) {
		client, err := d.connect(ctx, cfg)
		if err != nil {
			var terr *TransportError
			if errors.As(err, &terr) && !terr.IsTemporary {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return client, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(d.attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Debug().Err(err).Str("host", cfg.Host).Dur("retry_in", next).Msg("SSH connect failed, retrying")
		}),
	)
}

// Get returns a connected client for address, reusing an open one.
func (d *Dialer) Get(ctx context.Context, address, user string) (Transport, error) {
	key := user + "@" + address

	d.mu.Lock()
	defer d.mu.Unlock()

	if c, ok := d.clients[key]; ok {
		if err := c.Connect(ctx); err == nil {
			return c, nil
		}
		delete(d.clients, key)
	}

	client, err := d.connectWithRetry(ctx, d.base.ForHost(address, user))
	if err != nil {
		return nil, err
	}
	d.clients[key] = client
	return client, nil
}

// Close disconnects every client handed out so far.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, c := range d.clients {
		if err := c.Disconnect(); err != nil {
			log.Warn().Err(err).Str("host", key).Msg("failed to close SSH connection")
		}
		delete(d.clients, key)
	}
}
