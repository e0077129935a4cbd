// Package instrumentation wires OpenTelemetry metrics and tracing into the
// authorization server, the stores and the resource-server verifier.
//
// Meters and tracers are scoped per layer ("http", "server", "storage",
// "security", "verifier"). With Enabled false, or with the "none" exporter,
// every instrument is a no-op. With the "prometheus" exporter the instruments
// are registered on the default Prometheus registry:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//	    ServiceName:     "authserver",
//	    Enabled:         true,
//	    MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	...
//	mux.Handle("/metrics", promhttp.Handler())
//
// Secrets never appear in attributes; see the Attr* constants.
package instrumentation
