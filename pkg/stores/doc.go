// Package stores persists orchestration state.
//
// SQLiteStore keeps one row per orchestration, a snapshot of every phase
// graph (node statuses plus aborted task records) and, optionally, the
// event log. It implements engine.SnapshotSink, engine.SnapshotSource and
// engine.EventPublisher, so it is wired into an orchestrator directly:
//
//	store, _ := stores.NewSQLiteStore(stores.Config{Path: "orchestra.db"})
//	_ = store.Init(ctx)
//	_ = store.Migrate(ctx)
//
//	opts.Sinks = append(opts.Sinks, store)
//	opts.Source = store
//
// The schema is applied with golang-migrate from migrations embedded in the
// binary. WAL mode and foreign keys are enabled on every connection.
package stores
