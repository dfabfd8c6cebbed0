// Package observability provides structured logging and tracing for the
// TLS layer.
//
// # Logging
//
//	logger, err := observability.NewLogger(observability.DefaultLogConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	logger.Info("handshake complete",
//	    observability.String("version", "TLS1.3"),
//	)
//
// # Tracing
//
// Handshakes are wrapped in spans exported over OTLP gRPC:
//
//	tracer, err := observability.NewTracer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tracer.Shutdown(ctx)
package observability
