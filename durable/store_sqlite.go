package durable

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLiteStore persists instances and history in two SQLite tables.
type SQLiteStore struct {
	db            *sql.DB
	instanceTable string
	historyTable  string
	schemaMu      sync.Mutex
	schemaEnsured bool
}

// NewSQLiteStore builds a store using db. The table prefix defaults to
// "watchdog".
func NewSQLiteStore(db *sql.DB, prefix string) *SQLiteStore {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "watchdog"
	}
	return &SQLiteStore{
		db:            db,
		instanceTable: prefix + "_instances",
		historyTable:  prefix + "_history",
	}
}

func (s *SQLiteStore) LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, nil
	}
	q := fmt.Sprintf(`SELECT %s FROM %s WHERE instance_id = ?`, instanceColumns, s.instanceTable)
	rec, err := scanInstance(s.db.QueryRowContext(ctx, q, instanceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}
	next := cloneInstance(rec)
	if next == nil {
		return 0, cloneError(ErrInvalidInstance, "instance record required", nil, nil)
	}
	next.InstanceID = strings.TrimSpace(next.InstanceID)
	if next.InstanceID == "" {
		return 0, cloneError(ErrInvalidInstance, "instance id required", nil, nil)
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	now := time.Now().UTC()
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = now
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}

	if expectedVersion == 0 {
		q := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`, s.instanceTable, instanceColumns)
		result, err := s.db.ExecContext(ctx, q,
			next.InstanceID,
			next.Name,
			next.ParentID,
			rawText(next.Input),
			rawText(next.Output),
			rawText(next.CustomStatus),
			string(next.RuntimeStatus),
			next.Error,
			next.Generation,
			formatTime(next.CreatedAt),
			formatTime(next.UpdatedAt),
		)
		if err != nil {
			return 0, err
		}
		if rows, _ := result.RowsAffected(); rows == 0 {
			return 0, s.conflict(ctx, next.InstanceID, expectedVersion)
		}
		return 1, nil
	}

	newVersion := expectedVersion + 1
	q := fmt.Sprintf(`UPDATE %s SET name=?, parent_id=?, input=?, output=?, custom_status=?, runtime_status=?, error=?, generation=?, version=?, updated_at=? WHERE instance_id=? AND version=?`, s.instanceTable)
	result, err := s.db.ExecContext(ctx, q,
		next.Name,
		next.ParentID,
		rawText(next.Input),
		rawText(next.Output),
		rawText(next.CustomStatus),
		string(next.RuntimeStatus),
		next.Error,
		next.Generation,
		newVersion,
		formatTime(next.UpdatedAt),
		next.InstanceID,
		expectedVersion,
	)
	if err != nil {
		return 0, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return 0, s.conflict(ctx, next.InstanceID, expectedVersion)
	}
	return newVersion, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT %s FROM %s ORDER BY instance_id`, instanceColumns, s.instanceTable)
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*InstanceRecord
	for rows.Next() {
		rec, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		if filter.matches(rec) {
			out = append(out, rec)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteInstance(ctx context.Context, instanceID string) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	instanceID = strings.TrimSpace(instanceID)
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, s.historyTable), instanceID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ?`, s.instanceTable), instanceID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) PutEvent(ctx context.Context, evt HistoryEvent) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	evt, err := normalizeEvent(evt)
	if err != nil {
		return err
	}
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s (instance_id, generation, seq, kind, name, child_id, result, error, error_code, non_retryable, fire_at, completed, recorded_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.historyTable)
	_, err = s.db.ExecContext(ctx, q,
		evt.InstanceID,
		evt.Generation,
		evt.Seq,
		string(evt.Kind),
		evt.Name,
		evt.ChildID,
		rawText(evt.Result),
		evt.Error,
		evt.ErrorCode,
		evt.NonRetryable,
		formatTime(evt.FireAt),
		evt.Completed,
		formatTime(evt.RecordedAt),
	)
	return err
}

func (s *SQLiteStore) LoadHistory(ctx context.Context, instanceID string, generation int) ([]HistoryEvent, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}
	q := fmt.Sprintf(`SELECT instance_id, generation, seq, kind, name, child_id, result, error, error_code, non_retryable, fire_at, completed, recorded_at FROM %s WHERE instance_id = ? AND generation = ? ORDER BY seq`, s.historyTable)
	rows, err := s.db.QueryContext(ctx, q, strings.TrimSpace(instanceID), generation)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEvent
	for rows.Next() {
		var (
			evt        HistoryEvent
			kind       string
			result     string
			fireAt     string
			recordedAt string
		)
		if err := rows.Scan(
			&evt.InstanceID,
			&evt.Generation,
			&evt.Seq,
			&kind,
			&evt.Name,
			&evt.ChildID,
			&result,
			&evt.Error,
			&evt.ErrorCode,
			&evt.NonRetryable,
			&fireAt,
			&evt.Completed,
			&recordedAt,
		); err != nil {
			return nil, err
		}
		evt.Kind = EventKind(kind)
		evt.Result = textRaw(result)
		evt.FireAt = parseTime(fireAt)
		evt.RecordedAt = parseTime(recordedAt)
		out = append(out, evt)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) TruncateHistory(ctx context.Context, instanceID string, belowGeneration int) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	q := fmt.Sprintf(`DELETE FROM %s WHERE instance_id = ? AND generation < ?`, s.historyTable)
	_, err := s.db.ExecContext(ctx, q, strings.TrimSpace(instanceID), belowGeneration)
	return err
}

func (s *SQLiteStore) conflict(ctx context.Context, instanceID string, expected int) error {
	actual := 0
	q := fmt.Sprintf(`SELECT version FROM %s WHERE instance_id = ?`, s.instanceTable)
	_ = s.db.QueryRowContext(ctx, q, instanceID).Scan(&actual)
	return versionConflict(instanceID, expected, actual)
}

func (s *SQLiteStore) ready(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("sqlite store not configured")
	}
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaEnsured {
		return nil
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	s.schemaEnsured = true
	return nil
}

func (s *SQLiteStore) ensureSchema(ctx context.Context) error {
	instanceDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		parent_id TEXT NOT NULL DEFAULT '',
		input TEXT NOT NULL DEFAULT '',
		output TEXT NOT NULL DEFAULT '',
		custom_status TEXT NOT NULL DEFAULT '',
		runtime_status TEXT NOT NULL,
		error TEXT NOT NULL DEFAULT '',
		generation INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`, s.instanceTable)
	if _, err := s.db.ExecContext(ctx, instanceDDL); err != nil {
		return err
	}
	historyDDL := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instance_id TEXT NOT NULL,
		generation INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		kind TEXT NOT NULL,
		name TEXT NOT NULL,
		child_id TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		non_retryable INTEGER NOT NULL DEFAULT 0,
		fire_at TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		recorded_at TEXT NOT NULL,
		PRIMARY KEY (instance_id, generation, seq)
	)`, s.historyTable)
	_, err := s.db.ExecContext(ctx, historyDDL)
	return err
}

const instanceColumns = `instance_id, name, parent_id, input, output, custom_status, runtime_status, error, generation, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (*InstanceRecord, error) {
	var (
		rec          InstanceRecord
		input        string
		output       string
		customStatus string
		status       string
		createdAt    string
		updatedAt    string
	)
	if err := row.Scan(
		&rec.InstanceID,
		&rec.Name,
		&rec.ParentID,
		&input,
		&output,
		&customStatus,
		&status,
		&rec.Error,
		&rec.Generation,
		&rec.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	rec.Input = textRaw(input)
	rec.Output = textRaw(output)
	rec.CustomStatus = textRaw(customStatus)
	rec.RuntimeStatus = RuntimeStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func rawText(raw json.RawMessage) string {
	return string(raw)
}

func textRaw(text string) json.RawMessage {
	if text == "" {
		return nil
	}
	return json.RawMessage(text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(text string) time.Time {
	if text == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}
	}
	return ts
}
