package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/openfroyo/orchestra/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	// Every connection to :memory: opens a distinct database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// SaveSnapshot implements engine.SnapshotSink. It records the snapshot, its
// nodes and aborted tasks in one transaction and updates the orchestration row.
func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap *engine.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("snapshot is nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertOrchestration(ctx, tx, snap.OrchestrationID, snap.Deployment, snap.Status, snap.TakenAt); err != nil {
		return err
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO snapshots (orchestration_id, deployment, domain, status, taken_at)
		VALUES (?, ?, ?, ?, ?)
	`, snap.OrchestrationID, snap.Deployment, snap.Domain, snap.Status, snap.TakenAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	snapshotID, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get snapshot id: %w", err)
	}

	nodeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO node_states (snapshot_id, position, node_id, name, kind, status, attempts, performed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare node insert: %w", err)
	}
	defer nodeStmt.Close()

	for i, n := range snap.Nodes {
		if _, err := nodeStmt.ExecContext(ctx, snapshotID, i, n.ID, n.Name, n.Kind, n.Status,
			n.Attempts, n.Performed, n.UpdatedAt.UTC()); err != nil {
			return fmt.Errorf("failed to insert node %s: %w", n.ID, err)
		}
	}

	for _, at := range snap.Aborted {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO aborted_tasks (snapshot_id, node_id, node_name, kind, error_kind, message, stack)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, snapshotID, at.NodeID, at.NodeName, at.Kind, at.ErrorKind, at.Message, at.Stack); err != nil {
			return fmt.Errorf("failed to insert aborted task %s: %w", at.NodeID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements engine.SnapshotSource. It returns the latest
// snapshot of the deployment's domain graph, or nil when none exists.
func (s *SQLiteStore) LoadSnapshot(ctx context.Context, deployment string, domain engine.Domain) (*engine.Snapshot, error) {
	var (
		id   int64
		snap = &engine.Snapshot{}
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, orchestration_id, deployment, domain, status, taken_at
		FROM snapshots
		WHERE deployment = ? AND domain = ?
		ORDER BY id DESC
		LIMIT 1
	`, deployment, domain).Scan(&id, &snap.OrchestrationID, &snap.Deployment, &snap.Domain, &snap.Status, &snap.TakenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, name, kind, status, attempts, performed, updated_at
		FROM node_states
		WHERE snapshot_id = ?
		ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load node states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var n engine.NodeSnapshot
		if err := rows.Scan(&n.ID, &n.Name, &n.Kind, &n.Status, &n.Attempts, &n.Performed, &n.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node state: %w", err)
		}
		snap.Nodes = append(snap.Nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node states: %w", err)
	}

	aborted, err := s.abortedTasks(ctx, "snapshot_id = ?", id)
	if err != nil {
		return nil, err
	}
	snap.Aborted = aborted
	return snap, nil
}

// GetOrchestration retrieves an orchestration by ID.
func (s *SQLiteStore) GetOrchestration(ctx context.Context, id string) (*Orchestration, error) {
	o := &Orchestration{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, deployment, status, started_at, updated_at
		FROM orchestrations
		WHERE id = ?
	`, id).Scan(&o.ID, &o.Deployment, &o.Status, &o.StartedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("orchestration %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get orchestration: %w", err)
	}
	return o, nil
}

// ListOrchestrations lists orchestrations, newest first. An empty deployment lists all.
func (s *SQLiteStore) ListOrchestrations(ctx context.Context, deployment string, limit, offset int) ([]*Orchestration, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT id, deployment, status, started_at, updated_at FROM orchestrations`
	args := []interface{}{}
	if deployment != "" {
		query += ` WHERE deployment = ?`
		args = append(args, deployment)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orchestrations: %w", err)
	}
	defer rows.Close()

	list := []*Orchestration{}
	for rows.Next() {
		o := &Orchestration{}
		if err := rows.Scan(&o.ID, &o.Deployment, &o.Status, &o.StartedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan orchestration: %w", err)
		}
		list = append(list, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating orchestrations: %w", err)
	}
	return list, nil
}

// ListSnapshots lists the snapshots of a deployment, newest first.
// An empty domain lists every domain.
func (s *SQLiteStore) ListSnapshots(ctx context.Context, deployment string, domain engine.Domain) ([]*SnapshotInfo, error) {
	query := `
		SELECT id, orchestration_id, deployment, domain, status, taken_at
		FROM snapshots
		WHERE deployment = ?`
	args := []interface{}{deployment}
	if domain != "" {
		query += ` AND domain = ?`
		args = append(args, domain)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	list := []*SnapshotInfo{}
	for rows.Next() {
		si := &SnapshotInfo{}
		if err := rows.Scan(&si.ID, &si.OrchestrationID, &si.Deployment, &si.Domain, &si.Status, &si.TakenAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		list = append(list, si)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return list, nil
}

// ListAbortedTasks returns every aborted task recorded for an orchestration.
func (s *SQLiteStore) ListAbortedTasks(ctx context.Context, orchestrationID string) ([]engine.AbortedTaskSnapshot, error) {
	return s.abortedTasks(ctx, "snapshot_id IN (SELECT id FROM snapshots WHERE orchestration_id = ?)", orchestrationID)
}

func (s *SQLiteStore) abortedTasks(ctx context.Context, where string, arg interface{}) ([]engine.AbortedTaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, node_name, kind, error_kind, message, COALESCE(stack, '')
		FROM aborted_tasks
		WHERE `+where+`
		ORDER BY id
	`, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to load aborted tasks: %w", err)
	}
	defer rows.Close()

	var list []engine.AbortedTaskSnapshot
	for rows.Next() {
		var at engine.AbortedTaskSnapshot
		if err := rows.Scan(&at.NodeID, &at.NodeName, &at.Kind, &at.ErrorKind, &at.Message, &at.Stack); err != nil {
			return nil, fmt.Errorf("failed to scan aborted task: %w", err)
		}
		list = append(list, at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating aborted tasks: %w", err)
	}
	return list, nil
}

// PruneSnapshots keeps the newest keep snapshots per domain of a deployment
// and deletes the rest. It returns the number of deleted snapshots.
func (s *SQLiteStore) PruneSnapshots(ctx context.Context, deployment string, keep int) (int64, error) {
	if keep < 1 {
		return 0, fmt.Errorf("keep must be at least 1, got %d", keep)
	}

	result, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE deployment = ?
		AND id NOT IN (
			SELECT s2.id FROM snapshots s2
			WHERE s2.deployment = snapshots.deployment AND s2.domain = snapshots.domain
			ORDER BY s2.id DESC
			LIMIT ?
		)
	`, deployment, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return result.RowsAffected()
}

// Publish implements engine.EventPublisher by appending the event to the
// event log. Status changes also update the orchestration row.
func (s *SQLiteStore) Publish(ctx context.Context, event *engine.Event) error {
	if event == nil {
		return nil
	}

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	id := event.ID
	if id == "" {
		id = uuid.New().String()
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	orchestrationID := payloadString(event.Payload, "orchestration_id")

	var orchestrationArg interface{}
	if orchestrationID != "" {
		orchestrationArg = orchestrationID
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO events (id, orchestration_id, version, event_class, event_type, payload, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, orchestrationArg, event.Version, event.Class, event.Type, string(payload), ts.UTC()); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	if event.Type == engine.EventTypeStatusChanged && orchestrationID != "" {
		status := engine.OrchestrationStatus(payloadString(event.Payload, "to"))
		deployment := payloadString(event.Payload, "deployment")
		if err := upsertOrchestration(ctx, s.db, orchestrationID, deployment, status, ts); err != nil {
			return err
		}
	}
	return nil
}

// GetEvents returns stored events in publication order.
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter) ([]*engine.Event, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.OrchestrationID != "" {
		conds = append(conds, "orchestration_id = ?")
		args = append(args, filter.OrchestrationID)
	}
	if filter.Class != "" {
		conds = append(conds, "event_class = ?")
		args = append(args, filter.Class)
	}
	if filter.Type != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, filter.Type)
	}

	query := `SELECT id, version, event_class, event_type, payload, timestamp FROM events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` ORDER BY rowid LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*engine.Event{}
	for rows.Next() {
		var (
			e       engine.Event
			payload string
		)
		if err := rows.Scan(&e.ID, &e.Version, &e.Class, &e.Type, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event %s: %w", e.ID, err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func upsertOrchestration(ctx context.Context, db execer, id, deployment string, status engine.OrchestrationStatus, at time.Time) error {
	if at.IsZero() {
		at = time.Now()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO orchestrations (id, deployment, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, id, deployment, status, at.UTC(), at.UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert orchestration %s: %w", id, err)
	}
	return nil
}

func payloadString(payload map[string]interface{}, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
