package commands

import (
	"context"
	"fmt"

	"github.com/vmforge/vmforge/pkg/agents"
	"github.com/vmforge/vmforge/pkg/config"
	"github.com/vmforge/vmforge/pkg/engine"
	"github.com/vmforge/vmforge/pkg/remoteops"
	"github.com/vmforge/vmforge/pkg/stores"
	"github.com/vmforge/vmforge/pkg/telemetry"
	sshtransport "github.com/vmforge/vmforge/pkg/transports/ssh"
)

// runtime is the wired handler stack shared by serve and task run.
type runtime struct {
	tel        *telemetry.Telemetry
	dialer     *sshtransport.Dialer
	dispatcher *engine.Dispatcher
}

func newRuntime(cfg *config.Config, store *stores.SQLiteStore, version string) (*runtime, error) {
	if version != "" {
		cfg.ServiceVersion = version
	}
	tel, err := telemetry.NewTelemetry(&cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	logger := tel.Logger

	dialer := sshtransport.NewDialer(cfg.SSHBase())

	handlers := agents.New(agents.Deps{
		Repo:    store,
		Chunks:  store,
		Ops:     remoteops.NewRouter(dialer),
		Virt:    cfg.LibvirtConnector(dialer, logger.NewComponentLogger("libvirt")),
		Starter: agents.QueueStarter{Tasks: store},
		Metrics: tel.Metrics,
	}, cfg.AgentsConfig())

	dispatcher := engine.NewDispatcher(
		engine.WithRecorder(store),
		engine.WithMetrics(tel.Metrics),
		engine.WithLogger(logger),
	)
	handlers.Register(dispatcher)

	return &runtime{tel: tel, dialer: dialer, dispatcher: dispatcher}, nil
}

// Context attaches the telemetry to ctx.
func (r *runtime) Context(ctx context.Context) context.Context {
	return r.tel.WithContext(ctx)
}

// Close drops pooled SSH connections and flushes telemetry.
func (r *runtime) Close(ctx context.Context) {
	r.dialer.Close()
	if err := r.tel.Shutdown(ctx); err != nil {
		r.tel.Logger.WithError(err).Warn("failed to shut down telemetry")
	}
}
