package stores

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testSnapshot(orchestrationID string, status engine.OrchestrationStatus, taken time.Time) *engine.Snapshot {
	return &engine.Snapshot{
		Deployment:      "web",
		OrchestrationID: orchestrationID,
		Domain:          engine.DomainProvisioning,
		Status:          status,
		Nodes: []engine.NodeSnapshot{
			{ID: "net", Name: "net", Kind: engine.KindNetwork, Status: engine.NodeStatusSuccess, Attempts: 1, Performed: true, UpdatedAt: taken},
			{ID: "web", Name: "web", Kind: engine.KindServer, Status: engine.NodeStatusFailFinal, Attempts: 3, UpdatedAt: taken},
			{ID: "db", Name: "db", Kind: engine.KindServer, Status: engine.NodeStatusUnstarted, UpdatedAt: taken},
		},
		Aborted: []engine.AbortedTaskSnapshot{
			{NodeID: "web", NodeName: "web", Kind: engine.KindServer, ErrorKind: "transient", Message: "connection refused"},
		},
		TakenAt: taken,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Fatal("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStore_RequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests that migrations apply and are idempotent
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)

	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("second migration should be a no-op: %v", err)
	}

	tables := []string{"orchestrations", "snapshots", "node_states", "aborted_tasks", "events"}
	for _, table := range tables {
		var name string
		err := store.db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	taken := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := store.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusAbortProvision, taken)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "web", engine.DomainProvisioning)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected a snapshot")
	}
	if got.OrchestrationID != "o-1" || got.Status != engine.StatusAbortProvision {
		t.Errorf("unexpected snapshot header: %+v", got)
	}
	if !got.TakenAt.Equal(taken) {
		t.Errorf("expected taken_at %v, got %v", taken, got.TakenAt)
	}

	order := []string{"net", "web", "db"}
	if len(got.Nodes) != len(order) {
		t.Fatalf("expected %d nodes, got %d", len(order), len(got.Nodes))
	}
	for i, id := range order {
		if got.Nodes[i].ID != id {
			t.Errorf("node %d: expected %s, got %s", i, id, got.Nodes[i].ID)
		}
	}
	if !got.Nodes[0].Performed || got.Nodes[1].Performed {
		t.Errorf("performed flags not preserved: %+v", got.Nodes)
	}
	if got.Nodes[1].Status != engine.NodeStatusFailFinal || got.Nodes[1].Attempts != 3 {
		t.Errorf("unexpected web node: %+v", got.Nodes[1])
	}

	if len(got.Aborted) != 1 || got.Aborted[0].Message != "connection refused" {
		t.Errorf("unexpected aborted tasks: %+v", got.Aborted)
	}
}

func TestLoadSnapshot_Latest(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusAbortProvision, now)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	second := testSnapshot("o-2", engine.StatusPerformingConfig, now.Add(time.Minute))
	second.Nodes[1].Status = engine.NodeStatusSuccess
	second.Nodes[1].Performed = true
	second.Aborted = nil
	if err := store.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	got, err := store.LoadSnapshot(ctx, "web", engine.DomainProvisioning)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if got.OrchestrationID != "o-2" {
		t.Errorf("expected latest snapshot o-2, got %s", got.OrchestrationID)
	}
	if len(got.Aborted) != 0 {
		t.Errorf("expected no aborted tasks on latest snapshot, got %d", len(got.Aborted))
	}
	if !got.Nodes[1].Performed {
		t.Error("expected web performed in latest snapshot")
	}
}

func TestLoadSnapshot_None(t *testing.T) {
	store := setupTestStore(t)

	got, err := store.LoadSnapshot(context.Background(), "missing", engine.DomainProvisioning)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil snapshot, got %+v", got)
	}
}

func TestOrchestrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusPerformingConfig, now)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := store.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusComplete, now.Add(time.Second))); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	o, err := store.GetOrchestration(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrchestration failed: %v", err)
	}
	if o.Status != engine.StatusComplete || o.Deployment != "web" {
		t.Errorf("unexpected orchestration: %+v", o)
	}

	if _, err := store.GetOrchestration(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	list, err := store.ListOrchestrations(ctx, "web", 10, 0)
	if err != nil {
		t.Fatalf("ListOrchestrations failed: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 orchestration, got %d", len(list))
	}

	list, err = store.ListOrchestrations(ctx, "other", 10, 0)
	if err != nil {
		t.Fatalf("ListOrchestrations failed: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("expected no orchestrations for other deployment, got %d", len(list))
	}
}

func TestListSnapshotsAndAbortedTasks(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := store.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusAbortProvision, now)); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	cfg := testSnapshot("o-1", engine.StatusAbortConfig, now)
	cfg.Domain = engine.DomainConfiguration
	if err := store.SaveSnapshot(ctx, cfg); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}

	all, err := store.ListSnapshots(ctx, "web", "")
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(all) != 2 || all[0].Domain != engine.DomainConfiguration {
		t.Errorf("expected 2 snapshots newest first, got %+v", all)
	}

	prov, err := store.ListSnapshots(ctx, "web", engine.DomainProvisioning)
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(prov) != 1 {
		t.Errorf("expected 1 provisioning snapshot, got %d", len(prov))
	}

	aborted, err := store.ListAbortedTasks(ctx, "o-1")
	if err != nil {
		t.Fatalf("ListAbortedTasks failed: %v", err)
	}
	if len(aborted) != 2 {
		t.Errorf("expected 2 aborted tasks, got %d", len(aborted))
	}
}

func TestPruneSnapshots(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 4; i++ {
		if err := store.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusComplete, now.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("SaveSnapshot failed: %v", err)
		}
	}

	if _, err := store.PruneSnapshots(ctx, "web", 0); err == nil {
		t.Error("expected error for keep=0")
	}

	deleted, err := store.PruneSnapshots(ctx, "web", 1)
	if err != nil {
		t.Fatalf("PruneSnapshots failed: %v", err)
	}
	if deleted != 3 {
		t.Errorf("expected 3 deleted snapshots, got %d", deleted)
	}

	// Node rows and aborted tasks cascade with their snapshot.
	var count int
	if err := store.db.QueryRow("SELECT COUNT(*) FROM node_states").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 node rows left, got %d", count)
	}
	if err := store.db.QueryRow("SELECT COUNT(*) FROM aborted_tasks").Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 aborted task left, got %d", count)
	}
}

func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	events := []*engine.Event{
		{
			Version: engine.EventSchemaVersion,
			Class:   engine.EventClassOrchestration,
			Type:    engine.EventTypeStatusChanged,
			Payload: map[string]interface{}{
				"orchestration_id": "o-1",
				"deployment":       "web",
				"from":             engine.StatusNotStarted,
				"to":               engine.StatusPerformingProvision,
			},
		},
		{
			Version: engine.EventSchemaVersion,
			Class:   engine.EventClassTask,
			Type:    engine.EventTypeTaskSucceeded,
			Payload: map[string]interface{}{"orchestration_id": "o-1", "node_id": "net", "attempt": 1},
		},
		{
			Version: engine.EventSchemaVersion,
			Class:   engine.EventClassEngine,
			Type:    engine.EventTypePassStarted,
			Payload: map[string]interface{}{"domain": "provisioning"},
		},
	}
	for _, e := range events {
		if err := store.Publish(ctx, e); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	got, err := store.GetEvents(ctx, EventFilter{OrchestrationID: "o-1"})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events for o-1, got %d", len(got))
	}
	if got[0].Type != engine.EventTypeStatusChanged || got[0].ID == "" {
		t.Errorf("unexpected first event: %+v", got[0])
	}
	if got[1].Payload["node_id"] != "net" {
		t.Errorf("expected payload node_id=net, got %v", got[1].Payload)
	}

	tasks, err := store.GetEvents(ctx, EventFilter{Class: engine.EventClassTask})
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(tasks) != 1 {
		t.Errorf("expected 1 task event, got %d", len(tasks))
	}

	// Status changes keep the orchestration row current.
	o, err := store.GetOrchestration(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrchestration failed: %v", err)
	}
	if o.Status != engine.StatusPerformingProvision {
		t.Errorf("expected status %s, got %s", engine.StatusPerformingProvision, o.Status)
	}
}

func TestFileStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		s, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := s.Init(ctx); err != nil {
			t.Fatalf("failed to initialize store: %v", err)
		}
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return s
	}

	first := open()
	if err := first.SaveSnapshot(ctx, testSnapshot("o-1", engine.StatusComplete, time.Now())); err != nil {
		t.Fatalf("SaveSnapshot failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	second := open()
	defer second.Close()
	snap, err := second.LoadSnapshot(ctx, "web", engine.DomainProvisioning)
	if err != nil {
		t.Fatalf("LoadSnapshot failed: %v", err)
	}
	if snap == nil || len(snap.Nodes) != 3 {
		t.Fatalf("expected persisted snapshot, got %+v", snap)
	}
}
