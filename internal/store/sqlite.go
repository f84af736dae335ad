package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file, zero-ops Store implementation, grounded
// on the teacher's graph/store/sqlite.go (WAL mode, busy timeout,
// auto-migration), retargeted from the teacher's checkpoint/step schema
// to the four logical tables of spec.md §6.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex // serializes transactions; SQLite allows one writer
	path string
}

// NewSQLiteStore opens (creating if needed) a SQLite-backed Store at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			definition_id TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			current_node_id TEXT NOT NULL,
			total_steps INTEGER NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			error TEXT,
			inserted_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_definition ON workflows(definition_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE TABLE IF NOT EXISTS idempotency (
			key TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			result TEXT,
			error TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_status ON idempotency(status)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			workflow_module TEXT,
			failed_step TEXT,
			error TEXT,
			error_class TEXT,
			context TEXT,
			original_params TEXT,
			metadata TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			retry_count INTEGER NOT NULL,
			next_retry_at TIMESTAMP,
			resolution TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_status ON dead_letters(status)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_error_class ON dead_letters(error_class)`,
		`CREATE INDEX IF NOT EXISTS idx_dlq_workflow ON dead_letters(workflow_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Begin starts a SQL transaction, serialized behind s.mu since SQLite
// supports only one writer at a time (matching the teacher's
// single-open-connection pattern).
func (s *SQLiteStore) Begin(ctx context.Context) (Tx, error) {
	s.mu.Lock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx, unlock: s.mu.Unlock}, nil
}

func (s *SQLiteStore) Workflows() WorkflowReader       { return sqlWorkflowReader{s.db} }
func (s *SQLiteStore) Events() EventReader             { return sqlEventReader{s.db} }
func (s *SQLiteStore) Idempotency() IdempotencyReader  { return sqlIdempotencyReader{s.db} }
func (s *SQLiteStore) DeadLetters() DeadLetterReader   { return sqlDeadLetterReader{s.db} }

// sqlTx implements Tx over database/sql for SQLiteStore.
type sqlTx struct {
	tx     *sql.Tx
	unlock func()
	closed bool
}

func (t *sqlTx) PutWorkflow(ctx context.Context, w Workflow) error {
	stateJSON, err := marshalJSON(w.State)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO workflows (id, definition_id, status, state, current_node_id, total_steps, started_at, completed_at, error, inserted_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			definition_id=excluded.definition_id, status=excluded.status, state=excluded.state,
			current_node_id=excluded.current_node_id, total_steps=excluded.total_steps,
			started_at=excluded.started_at, completed_at=excluded.completed_at,
			error=excluded.error, updated_at=excluded.updated_at
	`, w.ID, w.DefinitionID, w.Status, stateJSON, w.CurrentNodeID, w.TotalSteps, w.StartedAt, w.CompletedAt, w.Error, w.InsertedAt, w.UpdatedAt)
	return err
}

func (t *sqlTx) GetWorkflow(ctx context.Context, id string) (Workflow, error) {
	return scanWorkflow(t.tx.QueryRowContext(ctx, workflowSelectQuery+" WHERE id = ?", id))
}

func (t *sqlTx) PutEvent(ctx context.Context, e Event) error {
	dataJSON, err := marshalJSON(e.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `INSERT INTO events (id, workflow_id, event_type, data, timestamp) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, e.EventType, dataJSON, e.Timestamp)
	return err
}

func (t *sqlTx) PutIdempotency(ctx context.Context, i Idempotency) error {
	resultJSON, err := marshalJSON(i.Result)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO idempotency (key, status, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			status=excluded.status, completed_at=excluded.completed_at,
			result=excluded.result, error=excluded.error
	`, i.Key, i.Status, i.StartedAt, i.CompletedAt, resultJSON, i.Error)
	return err
}

func (t *sqlTx) GetIdempotency(ctx context.Context, key string) (Idempotency, error) {
	return scanIdempotency(t.tx.QueryRowContext(ctx, idempotencySelectQuery+" WHERE key = ?", key))
}

func (t *sqlTx) PutDeadLetter(ctx context.Context, d DeadLetterEntry) error {
	ctxJSON, err := marshalJSON(d.Context)
	if err != nil {
		return err
	}
	paramsJSON, err := marshalJSON(d.OriginalParams)
	if err != nil {
		return err
	}
	metaJSON, err := marshalJSON(d.Metadata)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO dead_letters (id, type, status, workflow_id, workflow_module, failed_step, error, error_class, context, original_params, metadata, created_at, updated_at, retry_count, next_retry_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, retry_count=excluded.retry_count,
			next_retry_at=excluded.next_retry_at, resolution=excluded.resolution,
			updated_at=excluded.updated_at
	`, d.ID, d.Type, d.Status, d.WorkflowID, d.WorkflowModule, d.FailedStep, d.Error, d.ErrorClass,
		ctxJSON, paramsJSON, metaJSON, d.CreatedAt, d.UpdatedAt, d.RetryCount, d.NextRetryAt, d.Resolution)
	return err
}

func (t *sqlTx) GetDeadLetter(ctx context.Context, id string) (DeadLetterEntry, error) {
	return scanDeadLetter(t.tx.QueryRowContext(ctx, deadLetterSelectQuery+" WHERE id = ?", id))
}

func (t *sqlTx) Commit(_ context.Context) error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	defer t.unlock()
	return t.tx.Commit()
}

func (t *sqlTx) Abort(_ context.Context) error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	defer t.unlock()
	return t.tx.Rollback()
}

const workflowSelectQuery = `SELECT id, definition_id, status, state, current_node_id, total_steps, started_at, completed_at, error, inserted_at, updated_at FROM workflows`

const idempotencySelectQuery = `SELECT key, status, started_at, completed_at, result, error FROM idempotency`

const deadLetterSelectQuery = `SELECT id, type, status, workflow_id, workflow_module, failed_step, error, error_class, context, original_params, metadata, created_at, updated_at, retry_count, next_retry_at, resolution FROM dead_letters`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorkflow(row rowScanner) (Workflow, error) {
	var w Workflow
	var stateJSON string
	if err := row.Scan(&w.ID, &w.DefinitionID, &w.Status, &stateJSON, &w.CurrentNodeID, &w.TotalSteps,
		&w.StartedAt, &w.CompletedAt, &w.Error, &w.InsertedAt, &w.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return Workflow{}, ErrNotFound
		}
		return Workflow{}, err
	}
	_ = json.Unmarshal([]byte(stateJSON), &w.State)
	return w, nil
}

func scanIdempotency(row rowScanner) (Idempotency, error) {
	var i Idempotency
	var resultJSON sql.NullString
	if err := row.Scan(&i.Key, &i.Status, &i.StartedAt, &i.CompletedAt, &resultJSON, &i.Error); err != nil {
		if err == sql.ErrNoRows {
			return Idempotency{}, ErrNotFound
		}
		return Idempotency{}, err
	}
	if resultJSON.Valid {
		_ = json.Unmarshal([]byte(resultJSON.String), &i.Result)
	}
	return i, nil
}

func scanDeadLetter(row rowScanner) (DeadLetterEntry, error) {
	var d DeadLetterEntry
	var ctxJSON, paramsJSON, metaJSON sql.NullString
	if err := row.Scan(&d.ID, &d.Type, &d.Status, &d.WorkflowID, &d.WorkflowModule, &d.FailedStep, &d.Error,
		&d.ErrorClass, &ctxJSON, &paramsJSON, &metaJSON, &d.CreatedAt, &d.UpdatedAt, &d.RetryCount,
		&d.NextRetryAt, &d.Resolution); err != nil {
		if err == sql.ErrNoRows {
			return DeadLetterEntry{}, ErrNotFound
		}
		return DeadLetterEntry{}, err
	}
	if ctxJSON.Valid {
		_ = json.Unmarshal([]byte(ctxJSON.String), &d.Context)
	}
	if paramsJSON.Valid {
		_ = json.Unmarshal([]byte(paramsJSON.String), &d.OriginalParams)
	}
	if metaJSON.Valid {
		_ = json.Unmarshal([]byte(metaJSON.String), &d.Metadata)
	}
	return d, nil
}

type sqlWorkflowReader struct{ db *sql.DB }

func (r sqlWorkflowReader) Get(ctx context.Context, id string) (Workflow, error) {
	return scanWorkflow(r.db.QueryRowContext(ctx, workflowSelectQuery+" WHERE id = ?", id))
}

func (r sqlWorkflowReader) ScanByStatus(ctx context.Context, status WorkflowStatus) ([]Workflow, error) {
	rows, err := r.db.QueryContext(ctx, workflowSelectQuery+" WHERE status = ?", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r sqlWorkflowReader) ScanByDefinition(ctx context.Context, definitionID string) ([]Workflow, error) {
	rows, err := r.db.QueryContext(ctx, workflowSelectQuery+" WHERE definition_id = ?", definitionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (r sqlWorkflowReader) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM workflows").Scan(&n)
	return n, err
}

type sqlEventReader struct{ db *sql.DB }

func scanEvent(row rowScanner) (Event, error) {
	var e Event
	var dataJSON string
	if err := row.Scan(&e.ID, &e.WorkflowID, &e.EventType, &dataJSON, &e.Timestamp); err != nil {
		return Event{}, err
	}
	_ = json.Unmarshal([]byte(dataJSON), &e.Data)
	return e, nil
}

const eventSelectQuery = `SELECT id, workflow_id, event_type, data, timestamp FROM events`

func (r sqlEventReader) ScanByWorkflow(ctx context.Context, workflowID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, eventSelectQuery+" WHERE workflow_id = ? ORDER BY timestamp ASC", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r sqlEventReader) ScanByType(ctx context.Context, eventType EventType) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, eventSelectQuery+" WHERE event_type = ? ORDER BY timestamp ASC", eventType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r sqlEventReader) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events").Scan(&n)
	return n, err
}

type sqlIdempotencyReader struct{ db *sql.DB }

func (r sqlIdempotencyReader) Get(ctx context.Context, key string) (Idempotency, error) {
	return scanIdempotency(r.db.QueryRowContext(ctx, idempotencySelectQuery+" WHERE key = ?", key))
}

func (r sqlIdempotencyReader) ScanByStatus(ctx context.Context, status IdempotencyStatus) ([]Idempotency, error) {
	rows, err := r.db.QueryContext(ctx, idempotencySelectQuery+" WHERE status = ?", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Idempotency
	for rows.Next() {
		i, err := scanIdempotency(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

func (r sqlIdempotencyReader) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM idempotency").Scan(&n)
	return n, err
}

type sqlDeadLetterReader struct{ db *sql.DB }

func (r sqlDeadLetterReader) Get(ctx context.Context, id string) (DeadLetterEntry, error) {
	return scanDeadLetter(r.db.QueryRowContext(ctx, deadLetterSelectQuery+" WHERE id = ?", id))
}

func (r sqlDeadLetterReader) ScanByStatus(ctx context.Context, status DLQEntryStatus) ([]DeadLetterEntry, error) {
	rows, err := r.db.QueryContext(ctx, deadLetterSelectQuery+" WHERE status = ?", status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r sqlDeadLetterReader) ScanByErrorClass(ctx context.Context, class string) ([]DeadLetterEntry, error) {
	rows, err := r.db.QueryContext(ctx, deadLetterSelectQuery+" WHERE error_class = ?", class)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r sqlDeadLetterReader) ScanByWorkflow(ctx context.Context, workflowID string) ([]DeadLetterEntry, error) {
	rows, err := r.db.QueryContext(ctx, deadLetterSelectQuery+" WHERE workflow_id = ?", workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r sqlDeadLetterReader) Count(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM dead_letters").Scan(&n)
	return n, err
}

var _ = time.Now // keep time imported for struct field types used via Workflow etc.
