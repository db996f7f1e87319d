// Package telemetry provides the observability stack of mailgrid.
//
// # Components
//
// Logger wraps zerolog with run, domain and stage fields. Components that
// take a zerolog.Logger get it from Logger.Zerolog.
//
// Metrics implements engine.MetricsRecorder over a private Prometheus
// registry:
//
//	mailgrid_stage_transitions_total{stage,result}
//	mailgrid_provider_calls_total{provider,operation}
//	mailgrid_provider_errors_total{provider,operation,class}
//	mailgrid_provider_call_duration_seconds{provider,operation}
//	mailgrid_retries_total{class}
//	mailgrid_domains{state}
//	mailgrid_runs_total{result}
//	mailgrid_run_duration_seconds
//
// Metrics.Serve exposes them over HTTP until its context is done.
//
// Tracer sets up the OpenTelemetry SDK with a stdout, OTLP/gRPC or no
// exporter; Tracer.Tracer is handed to the orchestrator, which opens spans
// per run, stage and provider call.
//
// EventBus implements engine.EventPublisher. It stamps events, forwards them
// to sinks such as the SQLite event log, and calls subscribers such as
// LogSubscriber.
//
// # Usage
//
//	tel, err := telemetry.NewTelemetry(ctx, telemetry.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	orch, err := engine.NewOrchestrator(settings, engine.Options{
//		Metrics: tel.Metrics,
//		Events:  tel.Events,
//		Tracer:  tel.Tracer.Tracer(),
//		Logger:  tel.Logger.Zerolog(),
//		...
//	})
package telemetry
