// Package telemetry provides observability for the converge controller.
//
// It combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an asynchronous lifecycle event
// publisher behind a single Telemetry handle that is passed explicitly to
// the event processor, workflows and the controller.
//
// Initialize telemetry at startup:
//
//	cfg := telemetry.DefaultConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//	go tel.Metrics.Serve(ctx)
//
// Components that need telemetry but may run without it (tests, the validate
// command) use Noop, which logs nothing and records nothing.
package telemetry
