package telemetry_test

import (
	"context"
	"fmt"
	"os"

	"github.com/openfroyo/orchestra/pkg/engine"
	"github.com/openfroyo/orchestra/pkg/telemetry"
)

// Example_eventStream demonstrates writing engine events as JSON lines.
func Example_eventStream() {
	stream := telemetry.NewEventStreamWriter(telemetry.EventsConfig{}, os.Stdout)
	defer stream.Shutdown(context.Background())

	_ = stream.Publish(context.Background(), &engine.Event{
		ID:      "evt-1",
		Class:   engine.EventClassOrchestration,
		Type:    engine.EventTypeStatusChanged,
		Payload: map[string]interface{}{"to": "PERFORMING_PROVISION"},
	})
	// The timestamp varies, so no output is specified.
}

// Example_subscribe demonstrates receiving events in process.
func Example_subscribe() {
	stream := telemetry.NewEventStreamWriter(telemetry.EventsConfig{}, nil)
	defer stream.Shutdown(context.Background())

	stream.Subscribe(func(e engine.Event) {
		fmt.Printf("%s %s\n", e.Class, e.Type)
	}, telemetry.FilterByClass(engine.EventClassTask))

	ctx := context.Background()
	_ = stream.Publish(ctx, &engine.Event{Class: engine.EventClassEngine, Type: engine.EventTypePassStarted})
	_ = stream.Publish(ctx, &engine.Event{Class: engine.EventClassTask, Type: engine.EventTypeTaskSucceeded})
	// Output: task task_succeeded
}

// Example_orchestratorWiring demonstrates wiring telemetry into the engine.
func Example_orchestratorWiring() {
	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		panic(err)
	}
	defer tel.Shutdown(context.Background())

	opts := engine.DefaultOrchestratorOptions()
	tel.Apply(&opts)

	fmt.Println(opts.Metrics != nil)
	// Output: true
}
