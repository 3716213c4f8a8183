package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/openfroyo/orchestra/pkg/engine"
)

// Exporter writes engine snapshots as JSON documents to a Backend.
//
// The latest snapshot of each domain graph lives at
// <deployment>/<domain>.json; every snapshot is also kept at
// <deployment>/history/<orchestration id>/<domain>.json.
type Exporter struct {
	backend Backend
	prefix  string
}

var (
	_ engine.SnapshotSink   = (*Exporter)(nil)
	_ engine.SnapshotSource = (*Exporter)(nil)
)

// NewExporter creates an exporter rooted at prefix inside the backend.
func NewExporter(backend Backend, prefix string) *Exporter {
	return &Exporter{backend: backend, prefix: prefix}
}

// Backend returns the underlying backend.
func (e *Exporter) Backend() Backend {
	return e.backend
}

// SaveSnapshot implements engine.SnapshotSink.
func (e *Exporter) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}
	if snap.Deployment == "" {
		return fmt.Errorf("snapshot has no deployment")
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if snap.OrchestrationID != "" {
		if err := e.backend.Write(ctx, e.historyPath(snap.Deployment, snap.OrchestrationID, snap.Domain), bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write snapshot history: %w", err)
		}
	}
	if err := e.backend.Write(ctx, e.latestPath(snap.Deployment, snap.Domain), bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements engine.SnapshotSource.
func (e *Exporter) LoadSnapshot(ctx context.Context, deployment string, domain engine.Domain) (*engine.Snapshot, error) {
	return e.read(ctx, e.latestPath(deployment, domain))
}

// LoadHistory returns the snapshot a given orchestration took of a domain graph.
func (e *Exporter) LoadHistory(ctx context.Context, deployment, orchestrationID string, domain engine.Domain) (*engine.Snapshot, error) {
	return e.read(ctx, e.historyPath(deployment, orchestrationID, domain))
}

// Delete removes the latest snapshots and the history of a deployment.
func (e *Exporter) Delete(ctx context.Context, deployment string) error {
	paths, err := e.backend.List(ctx, e.join(deployment))
	if err != nil {
		return fmt.Errorf("failed to list snapshots: %w", err)
	}
	for _, p := range paths {
		if err := e.backend.Delete(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (e *Exporter) read(ctx context.Context, p string) (*engine.Snapshot, error) {
	rc, err := e.backend.Read(ctx, p)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var snap engine.Snapshot
	if err := json.NewDecoder(rc).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", p, err)
	}
	return &snap, nil
}

func (e *Exporter) latestPath(deployment string, domain engine.Domain) string {
	return e.join(deployment, string(domain)+".json")
}

func (e *Exporter) historyPath(deployment, orchestrationID string, domain engine.Domain) string {
	return e.join(deployment, "history", orchestrationID, string(domain)+".json")
}

func (e *Exporter) join(elem ...string) string {
	if e.prefix == "" {
		return path.Join(elem...)
	}
	return path.Join(append([]string{e.prefix}, elem...)...)
}
