// Package observability provides logging, metrics, and tracing
// for the gateway.
//
// Logging is structured through zap behind the Logger interface.
// Metrics live in a dedicated Prometheus registry exposed on /metrics.
// Tracing uses OpenTelemetry with an optional OTLP gRPC exporter; each
// forwarded backend attempt gets a client span and the trace context is
// propagated to the backend.
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	metrics := observability.NewMetrics("gateway")
//	http.Handle("/metrics", metrics.Handler())
package observability
