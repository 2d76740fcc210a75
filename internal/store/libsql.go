package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/tako0614/takos-agent/pkg/schema"
)

// LibSQLStore implements Store using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and applies
// pending migrations. The path should be a file URI, e.g. "file:agent.db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Connection-level PRAGMAs. Some return rows, so QueryRow is used.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	s := &LibSQLStore{db: db}
	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) SaveInstance(ctx context.Context, inst *schema.WorkflowInstance) error {
	if inst == nil || inst.ID == "" {
		return schema.NewError(schema.ErrCodeValidation, "instance has no id")
	}

	doc, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, definition_id, status, initiator_type, initiator_id, document, created_at, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status,
		   document=excluded.document,
		   started_at=excluded.started_at,
		   updated_at=excluded.updated_at`,
		inst.ID, inst.DefinitionID, string(inst.Status),
		string(inst.Initiator.Type), inst.Initiator.ID,
		string(doc), inst.CreatedAt.UTC(), nullTime(inst.StartedAt), inst.UpdatedAt.UTC(),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "save instance").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*schema.WorkflowInstance, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM instances WHERE id = ?`, id,
	).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, notFound("instance", id)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get instance").WithCause(err)
	}

	inst := &schema.WorkflowInstance{}
	if err := json.Unmarshal([]byte(doc), inst); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "decode instance document").WithCause(err)
	}
	return inst, nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter schema.InstanceFilter) ([]*schema.WorkflowInstance, error) {
	query := `SELECT document FROM instances`
	var conds []string
	var args []any

	if filter.DefinitionID != "" {
		conds = append(conds, "definition_id = ?")
		args = append(args, filter.DefinitionID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if filter.InitiatorType != "" {
		conds = append(conds, "initiator_type = ?")
		args = append(args, string(filter.InitiatorType))
	}
	if filter.InitiatorID != "" {
		conds = append(conds, "initiator_id = ?")
		args = append(args, filter.InitiatorID)
	}
	if filter.StartedAfter != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, filter.StartedAfter.UTC())
	}
	if filter.StartedBefore != nil {
		conds = append(conds, "started_at <= ?")
		args = append(args, filter.StartedBefore.UTC())
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query += " LIMIT -1"
		}
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list instances").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.WorkflowInstance
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan instance").WithCause(err)
		}
		inst := &schema.WorkflowInstance{}
		if err := json.Unmarshal([]byte(doc), inst); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "decode instance document").WithCause(err)
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// AppendEvent assigns the next per-instance sequence inside a transaction so
// concurrent appenders cannot interleave.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.Event) error {
	if event == nil || event.InstanceID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no instance id")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "begin event tx").WithCause(err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "next event sequence").WithCause(err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var payload sql.NullString
	if len(event.Payload) > 0 {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, sequence, step_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.InstanceID, seq, nullStr(event.StepID), event.Type, payload, event.Timestamp.UTC(),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert event").WithCause(err)
	}

	if err := tx.Commit(); err != nil {
		return schema.NewError(schema.ErrCodeStore, "commit event").WithCause(err)
	}
	event.Sequence = seq
	return nil
}

func (s *LibSQLStore) ListEvents(ctx context.Context, instanceID string, since int64) ([]*schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, step_id, event_type, payload, timestamp
		 FROM events WHERE instance_id = ? AND sequence > ?
		 ORDER BY sequence ASC`, instanceID, since)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list events").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.Event
	for rows.Next() {
		ev := &schema.Event{InstanceID: instanceID}
		var stepID, payload sql.NullString
		if err := rows.Scan(&ev.Sequence, &stepID, &ev.Type, &payload, &ev.Timestamp); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan event").WithCause(err)
		}
		ev.StepID = stepID.String
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &ev.Payload); err != nil {
				return nil, schema.NewError(schema.ErrCodeStore, "decode event payload").WithCause(err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *schema.AuditEntry) error {
	if entry == nil || entry.Kind == "" {
		return schema.NewError(schema.ErrCodeValidation, "audit entry has no kind")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	var fields, detail sql.NullString
	if len(entry.Fields) > 0 {
		b, err := json.Marshal(entry.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		fields = sql.NullString{String: string(b), Valid: true}
	}
	if len(entry.Detail) > 0 {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail = sql.NullString{String: string(b), Valid: true}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (id, kind, instance_id, step_id, action_id, provider_id, fields, detail, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Kind, nullStr(entry.InstanceID), nullStr(entry.StepID),
		nullStr(entry.ActionID), nullStr(entry.ProviderID), fields, detail, entry.Timestamp.UTC(),
	)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "insert audit entry").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) ListAudit(ctx context.Context, filter schema.AuditFilter) ([]*schema.AuditEntry, error) {
	query := `SELECT id, kind, instance_id, step_id, action_id, provider_id, fields, detail, timestamp FROM audit_log`
	var conds []string
	var args []any

	if filter.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.ActionID != "" {
		conds = append(conds, "action_id = ?")
		args = append(args, filter.ActionID)
	}
	if filter.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, filter.Kind)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp DESC, id DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list audit entries").WithCause(err)
	}
	defer rows.Close()

	var out []*schema.AuditEntry
	for rows.Next() {
		entry := &schema.AuditEntry{}
		var instanceID, stepID, actionID, providerID, fields, detail sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Kind, &instanceID, &stepID,
			&actionID, &providerID, &fields, &detail, &entry.Timestamp); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan audit entry").WithCause(err)
		}
		entry.InstanceID = instanceID.String
		entry.StepID = stepID.String
		entry.ActionID = actionID.String
		entry.ProviderID = providerID.String
		if fields.Valid {
			if err := json.Unmarshal([]byte(fields.String), &entry.Fields); err != nil {
				return nil, schema.NewError(schema.ErrCodeStore, "decode audit fields").WithCause(err)
			}
		}
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &entry.Detail); err != nil {
				return nil, schema.NewError(schema.ErrCodeStore, "decode audit detail").WithCause(err)
			}
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is empty")
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO secrets (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "store secret").WithCause(err)
	}
	return nil
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, notFound("secret", key)
	}
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "get secret").WithCause(err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return schema.NewError(schema.ErrCodeStore, "delete secret").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("secret", key)
	}
	return nil
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "list secrets").WithCause(err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "scan secret key").WithCause(err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

var _ Store = (*LibSQLStore)(nil)
