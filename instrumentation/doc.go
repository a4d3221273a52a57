// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server. When disabled it installs no-op providers so the hot
// paths carry no observability overhead.
//
// Scoped meters and tracers are created per layer (http, server, storage) so
// exported telemetry can be attributed to the component that produced it.
package instrumentation
