package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/monitor-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'searching',
	attributes TEXT NOT NULL DEFAULT '{}',
	source_ref TEXT NOT NULL DEFAULT '',
	archived   INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS assertions (
	id            TEXT PRIMARY KEY,
	entity_id     TEXT NOT NULL REFERENCES entities(id),
	attribute     TEXT NOT NULL,
	value         TEXT,
	source_kind   TEXT NOT NULL,
	source_rank   INTEGER NOT NULL,
	document_date DATETIME,
	accepted      INTEGER NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	ingested_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_audit (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	entity_id  TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	superseded TEXT,
	trigger_by TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS classifications (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	kind       TEXT NOT NULL,
	priority   TEXT NOT NULL,
	handlers   TEXT NOT NULL,
	confidence REAL NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_tasks (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	handler    TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	failed_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	body       TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_fixes (
	token      TEXT PRIMARY KEY,
	case_id    TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	body       TEXT NOT NULL,
	applied    INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	applied_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
CREATE INDEX IF NOT EXISTS idx_assertions_entity_attr ON assertions(entity_id, attribute, ingested_at);
CREATE INDEX IF NOT EXISTS idx_lifecycle_audit_entity ON lifecycle_audit(entity_id);
CREATE INDEX IF NOT EXISTS idx_classifications_event ON classifications(event_id);
CREATE INDEX IF NOT EXISTS idx_cases_entity ON cases(entity_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveEntity(ctx context.Context, e *model.Entity) error {
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal attributes")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entities (id, name, status, attributes, source_ref, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			status = excluded.status,
			attributes = excluded.attributes,
			source_ref = CASE WHEN excluded.source_ref = '' THEN entities.source_ref ELSE excluded.source_ref END,
			archived = excluded.archived,
			updated_at = excluded.updated_at`,
		e.ID, e.Name, string(e.Status), string(attrsJSON), e.SourceRef, boolToInt(e.Archived), e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: save entity %s", e.ID)
}

func (s *SQLiteStore) SetEntitySourceRef(ctx context.Context, entityID, ref string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entities (id, source_ref, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			source_ref = excluded.source_ref,
			updated_at = excluded.updated_at`,
		entityID, ref, now, now,
	)
	return eris.Wrapf(err, "sqlite: set entity source ref %s", entityID)
}

func (s *SQLiteStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, attributes, source_ref, archived, created_at, updated_at FROM entities WHERE id = ?`,
		id,
	)
	return scanEntity(row)
}

func (s *SQLiteStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT id, name, status, attributes, source_ref, archived, created_at, updated_at FROM entities WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Archived != nil {
		query += ` AND archived = ?`
		args = append(args, boolToInt(*filter.Archived))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list entities")
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, *e)
	}
	return entities, eris.Wrap(rows.Err(), "sqlite: list entities iterate")
}

func (s *SQLiteStore) AppendAssertion(ctx context.Context, a model.Assertion) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	valueJSON, err := json.Marshal(a.Value)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal assertion value")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO assertions (id, entity_id, attribute, value, source_kind, source_rank, document_date, accepted, reason, ingested_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.EntityID, a.Attribute, string(valueJSON), a.SourceKind, a.SourceRank,
		a.DocumentDate, boolToInt(a.Accepted), a.Reason, a.IngestedAt,
	)
	return eris.Wrapf(err, "sqlite: append assertion %s/%s", a.EntityID, a.Attribute)
}

func (s *SQLiteStore) ListAssertions(ctx context.Context, entityID, attribute string) ([]model.Assertion, error) {
	query := `SELECT id, entity_id, attribute, value, source_kind, source_rank, document_date, accepted, reason, ingested_at
			  FROM assertions WHERE entity_id = ?`
	args := []any{entityID}
	if attribute != "" {
		query += ` AND attribute = ?`
		args = append(args, attribute)
	}
	query += ` ORDER BY ingested_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list assertions")
	}
	defer rows.Close()

	var assertions []model.Assertion
	for rows.Next() {
		var a model.Assertion
		var valueJSON string
		var accepted int
		var docDate sql.NullTime
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Attribute, &valueJSON, &a.SourceKind,
			&a.SourceRank, &docDate, &accepted, &a.Reason, &a.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan assertion")
		}
		if err := json.Unmarshal([]byte(valueJSON), &a.Value); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal assertion value")
		}
		a.Accepted = accepted != 0
		if docDate.Valid {
			d := docDate.Time
			a.DocumentDate = &d
		}
		assertions = append(assertions, a)
	}
	return assertions, eris.Wrap(rows.Err(), "sqlite: list assertions iterate")
}

func (s *SQLiteStore) AppendLifecycleAudit(ctx context.Context, audit model.LifecycleAudit) error {
	supersededJSON, err := json.Marshal(audit.Superseded)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal superseded")
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_audit (entity_id, from_state, to_state, superseded, trigger_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		audit.EntityID, string(audit.From), string(audit.To), string(supersededJSON), audit.Trigger, audit.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: append lifecycle audit %s", audit.EntityID)
}

func (s *SQLiteStore) ListLifecycleAudits(ctx context.Context, entityID string) ([]model.LifecycleAudit, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, from_state, to_state, superseded, trigger_by, created_at
		 FROM lifecycle_audit WHERE entity_id = ? ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list lifecycle audits")
	}
	defer rows.Close()

	var audits []model.LifecycleAudit
	for rows.Next() {
		var a model.LifecycleAudit
		var supersededJSON sql.NullString
		if err := rows.Scan(&a.ID, &a.EntityID, &a.From, &a.To, &supersededJSON, &a.Trigger, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan lifecycle audit")
		}
		if supersededJSON.Valid && supersededJSON.String != "" {
			if err := json.Unmarshal([]byte(supersededJSON.String), &a.Superseded); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal superseded")
			}
		}
		audits = append(audits, a)
	}
	return audits, eris.Wrap(rows.Err(), "sqlite: list lifecycle audits iterate")
}

func (s *SQLiteStore) RecordClassification(ctx context.Context, rec model.ClassificationRecord) error {
	handlersJSON, err := json.Marshal(rec.Handlers)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal handlers")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO classifications (event_id, entity_id, event_type, kind, priority, handlers, confidence, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.EventID, rec.EntityID, string(rec.EventType), rec.Kind, string(rec.Priority),
		string(handlersJSON), rec.Confidence, rec.Reason, rec.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: record classification %s", rec.EventID)
}

func (s *SQLiteStore) RecordFailedTask(ctx context.Context, t model.FailedTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.FailedAt.IsZero() {
		t.FailedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_tasks (id, entity_id, handler, dedupe_key, attempts, last_error, failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.EntityID, t.Handler, t.DedupeKey, t.Attempts, t.LastError, t.FailedAt,
	)
	return eris.Wrapf(err, "sqlite: record failed task %s", t.DedupeKey)
}

func (s *SQLiteStore) ListFailedTasks(ctx context.Context, limit int) ([]model.FailedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_id, handler, dedupe_key, attempts, last_error, failed_at
		 FROM failed_tasks ORDER BY failed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed tasks")
	}
	defer rows.Close()

	var tasks []model.FailedTask
	for rows.Next() {
		var t model.FailedTask
		if err := rows.Scan(&t.ID, &t.EntityID, &t.Handler, &t.DedupeKey, &t.Attempts, &t.LastError, &t.FailedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed task")
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "sqlite: list failed tasks iterate")
}

func (s *SQLiteStore) CreateCase(ctx context.Context, c *model.Case) error {
	now := time.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	body, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal case")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO cases (id, entity_id, status, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.EntityID, string(c.Status), string(body), c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: create case %s", c.ID)
}

func (s *SQLiteStore) UpdateCase(ctx context.Context, c *model.Case) error {
	c.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal case")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE cases SET status = ?, body = ?, updated_at = ? WHERE id = ?`,
		string(c.Status), string(body), c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update case %s", c.ID)
	}
	return checkRowsAffected(res, "case", c.ID)
}

func (s *SQLiteStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	row := s.db.QueryRowContext(ctx, `SELECT body FROM cases WHERE id = ?`, id)

	var body string
	err := row.Scan(&body)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: case %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get case")
	}

	var c model.Case
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal case")
	}
	return &c, nil
}

func (s *SQLiteStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error) {
	query := `SELECT body FROM cases WHERE 1=1`
	var args []any

	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.Open {
		query += ` AND status NOT IN (?, ?, ?)`
		args = append(args, string(model.CaseFixedAuto), string(model.CaseFixedApproved), string(model.CaseEscalated))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cases")
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan case")
		}
		var c model.Case
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal case")
		}
		cases = append(cases, c)
	}
	return cases, eris.Wrap(rows.Err(), "sqlite: list cases iterate")
}

func (s *SQLiteStore) CreatePendingFix(ctx context.Context, fix *model.ProposedFix) error {
	if fix.Token == "" {
		fix.Token = uuid.New().String()
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(fix)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal fix")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_fixes (token, case_id, entity_id, body, applied, created_at) VALUES (?, ?, ?, ?, 0, ?)`,
		fix.Token, fix.CaseID, fix.EntityID, string(body), fix.CreatedAt,
	)
	return eris.Wrapf(err, "sqlite: create pending fix for case %s", fix.CaseID)
}

func (s *SQLiteStore) GetPendingFix(ctx context.Context, token string) (*model.ProposedFix, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT body, applied, applied_at FROM pending_fixes WHERE token = ?`, token)

	var body string
	var applied int
	var appliedAt sql.NullTime
	err := row.Scan(&body, &applied, &appliedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: pending fix %s", token)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get pending fix")
	}

	var fix model.ProposedFix
	if err := json.Unmarshal([]byte(body), &fix); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal fix")
	}
	fix.Applied = applied != 0
	if appliedAt.Valid {
		t := appliedAt.Time
		fix.AppliedAt = &t
	}
	return &fix, nil
}

func (s *SQLiteStore) MarkFixApplied(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pending_fixes SET applied = 1, applied_at = ? WHERE token = ? AND applied = 0`,
		time.Now().UTC(), token,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark fix applied %s", token)
	}
	return checkRowsAffected(res, "pending fix", token)
}

// helpers

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable) (*model.Entity, error) {
	var e model.Entity
	var attrsJSON string
	var archived int

	err := row.Scan(&e.ID, &e.Name, &e.Status, &attrsJSON, &e.SourceRef, &archived, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(ErrNotFound, "entity")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entity")
	}

	if err := json.Unmarshal([]byte(attrsJSON), &e.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
	}
	e.Archived = archived != 0
	return &e, nil
}
