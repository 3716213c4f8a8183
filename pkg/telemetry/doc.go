// Package telemetry provides observability for orchestra.
//
// It integrates structured logging (zerolog), tracing (OpenTelemetry),
// metrics (Prometheus) and the JSON event stream into one Telemetry value
// that is wired into the engine with Apply:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	opts := engine.DefaultOrchestratorOptions()
//	tel.Apply(&opts)
//
// # Event Stream
//
// EventStream writes every engine event as one JSON object per line:
//
//	{"id":"...","version":"1.0","event_class":"task","event_type":"task_succeeded","event":{...},"timestamp":"..."}
//
// Subscribers receive the same events in process; filters drop events before
// they are written.
//
// # Metrics
//
// Metrics implements engine.MetricsRecorder on a private Prometheus registry,
// so several orchestrations in one process never collide on the default
// registry. Providers record their calls through RecordProviderOperation.
package telemetry
