// Package telemetry provides logging, tracing and metrics for the vmforge agent.
//
// Logging uses zerolog through the Logger wrapper, which carries task and
// resource fields and travels in the context. Tracing uses OpenTelemetry with
// OTLP (gRPC) or stdout exporters. Metrics are Prometheus collectors on a
// private registry, exposed by Metrics.Serve.
//
// Initialize telemetry at startup and attach it to the root context:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	ctx = tel.WithContext(ctx)
//
// Handlers then use telemetry.FromContext(ctx) for logging and
// telemetry.StartTaskOperation for spans. Every recorder on Metrics is a no-op on a
// nil or disabled instance.
package telemetry
