package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/monitor-cli/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses. pgxmock satisfies it,
// which keeps the Postgres store unit-testable without a database.
type Pool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS entities (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT 'searching',
	attributes JSONB NOT NULL DEFAULT '{}',
	source_ref TEXT NOT NULL DEFAULT '',
	archived   BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS assertions (
	id            TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	entity_id     TEXT NOT NULL REFERENCES entities(id),
	attribute     TEXT NOT NULL,
	value         JSONB,
	source_kind   TEXT NOT NULL,
	source_rank   INTEGER NOT NULL,
	document_date TIMESTAMPTZ,
	accepted      BOOLEAN NOT NULL,
	reason        TEXT NOT NULL DEFAULT '',
	ingested_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS lifecycle_audit (
	id         BIGSERIAL PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	from_state TEXT NOT NULL,
	to_state   TEXT NOT NULL,
	superseded JSONB,
	trigger_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS classifications (
	id         BIGSERIAL PRIMARY KEY,
	event_id   TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	event_type TEXT NOT NULL,
	kind       TEXT NOT NULL,
	priority   TEXT NOT NULL,
	handlers   JSONB NOT NULL,
	confidence DOUBLE PRECISION NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS failed_tasks (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	handler    TEXT NOT NULL,
	dedupe_key TEXT NOT NULL,
	attempts   INTEGER NOT NULL,
	last_error TEXT NOT NULL,
	failed_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS cases (
	id         TEXT PRIMARY KEY,
	entity_id  TEXT NOT NULL,
	status     TEXT NOT NULL,
	body       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_fixes (
	token      TEXT PRIMARY KEY,
	case_id    TEXT NOT NULL,
	entity_id  TEXT NOT NULL,
	body       JSONB NOT NULL,
	applied    BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL,
	applied_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_entities_status ON entities(status);
CREATE INDEX IF NOT EXISTS idx_assertions_entity_attr ON assertions(entity_id, attribute, ingested_at);
CREATE INDEX IF NOT EXISTS idx_lifecycle_audit_entity ON lifecycle_audit(entity_id);
CREATE INDEX IF NOT EXISTS idx_classifications_event ON classifications(event_id);
CREATE INDEX IF NOT EXISTS idx_cases_entity ON cases(entity_id);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) SaveEntity(ctx context.Context, e *model.Entity) error {
	attrsJSON, err := json.Marshal(e.Attributes)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal attributes")
	}
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO entities (id, name, status, attributes, source_ref, archived, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			attributes = EXCLUDED.attributes,
			source_ref = CASE WHEN EXCLUDED.source_ref = '' THEN entities.source_ref ELSE EXCLUDED.source_ref END,
			archived = EXCLUDED.archived,
			updated_at = EXCLUDED.updated_at`,
		e.ID, e.Name, string(e.Status), attrsJSON, e.SourceRef, e.Archived, e.CreatedAt, e.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: save entity %s", e.ID)
}

func (s *PostgresStore) SetEntitySourceRef(ctx context.Context, entityID, ref string) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx,
		`INSERT INTO entities (id, source_ref, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET
			source_ref = EXCLUDED.source_ref,
			updated_at = EXCLUDED.updated_at`,
		entityID, ref, now, now,
	)
	return eris.Wrapf(err, "postgres: set entity source ref %s", entityID)
}

func (s *PostgresStore) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, status, attributes, source_ref, archived, created_at, updated_at FROM entities WHERE id = $1`,
		id,
	)

	var e model.Entity
	var attrsJSON []byte
	err := row.Scan(&e.ID, &e.Name, &e.Status, &attrsJSON, &e.SourceRef, &e.Archived, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get entity")
	}
	if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attributes")
	}
	return &e, nil
}

func (s *PostgresStore) ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error) {
	query := `SELECT id, name, status, attributes, source_ref, archived, created_at, updated_at FROM entities WHERE 1=1`
	var args []any

	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $1`
	}
	if filter.Archived != nil {
		args = append(args, *filter.Archived)
		query += ` AND archived = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY updated_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list entities")
	}
	defer rows.Close()

	var entities []model.Entity
	for rows.Next() {
		var e model.Entity
		var attrsJSON []byte
		if err := rows.Scan(&e.ID, &e.Name, &e.Status, &attrsJSON, &e.SourceRef, &e.Archived, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entity")
		}
		if err := json.Unmarshal(attrsJSON, &e.Attributes); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal attributes")
		}
		entities = append(entities, e)
	}
	return entities, eris.Wrap(rows.Err(), "postgres: list entities iterate")
}

func (s *PostgresStore) AppendAssertion(ctx context.Context, a model.Assertion) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	valueJSON, err := json.Marshal(a.Value)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal assertion value")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO assertions (id, entity_id, attribute, value, source_kind, source_rank, document_date, accepted, reason, ingested_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		a.ID, a.EntityID, a.Attribute, valueJSON, a.SourceKind, a.SourceRank,
		a.DocumentDate, a.Accepted, a.Reason, a.IngestedAt,
	)
	return eris.Wrapf(err, "postgres: append assertion %s/%s", a.EntityID, a.Attribute)
}

func (s *PostgresStore) ListAssertions(ctx context.Context, entityID, attribute string) ([]model.Assertion, error) {
	query := `SELECT id, entity_id, attribute, value, source_kind, source_rank, document_date, accepted, reason, ingested_at
			  FROM assertions WHERE entity_id = $1`
	args := []any{entityID}
	if attribute != "" {
		args = append(args, attribute)
		query += ` AND attribute = $2`
	}
	query += ` ORDER BY ingested_at ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list assertions")
	}
	defer rows.Close()

	var assertions []model.Assertion
	for rows.Next() {
		var a model.Assertion
		var valueJSON []byte
		if err := rows.Scan(&a.ID, &a.EntityID, &a.Attribute, &valueJSON, &a.SourceKind,
			&a.SourceRank, &a.DocumentDate, &a.Accepted, &a.Reason, &a.IngestedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan assertion")
		}
		if err := json.Unmarshal(valueJSON, &a.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal assertion value")
		}
		assertions = append(assertions, a)
	}
	return assertions, eris.Wrap(rows.Err(), "postgres: list assertions iterate")
}

func (s *PostgresStore) AppendLifecycleAudit(ctx context.Context, audit model.LifecycleAudit) error {
	supersededJSON, err := json.Marshal(audit.Superseded)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal superseded")
	}
	if audit.CreatedAt.IsZero() {
		audit.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO lifecycle_audit (entity_id, from_state, to_state, superseded, trigger_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		audit.EntityID, string(audit.From), string(audit.To), supersededJSON, audit.Trigger, audit.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: append lifecycle audit %s", audit.EntityID)
}

func (s *PostgresStore) ListLifecycleAudits(ctx context.Context, entityID string) ([]model.LifecycleAudit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, from_state, to_state, superseded, trigger_by, created_at
		 FROM lifecycle_audit WHERE entity_id = $1 ORDER BY id ASC`, entityID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list lifecycle audits")
	}
	defer rows.Close()

	var audits []model.LifecycleAudit
	for rows.Next() {
		var a model.LifecycleAudit
		var supersededJSON []byte
		if err := rows.Scan(&a.ID, &a.EntityID, &a.From, &a.To, &supersededJSON, &a.Trigger, &a.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan lifecycle audit")
		}
		if len(supersededJSON) > 0 {
			if err := json.Unmarshal(supersededJSON, &a.Superseded); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal superseded")
			}
		}
		audits = append(audits, a)
	}
	return audits, eris.Wrap(rows.Err(), "postgres: list lifecycle audits iterate")
}

func (s *PostgresStore) RecordClassification(ctx context.Context, rec model.ClassificationRecord) error {
	handlersJSON, err := json.Marshal(rec.Handlers)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal handlers")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO classifications (event_id, entity_id, event_type, kind, priority, handlers, confidence, reason, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.EventID, rec.EntityID, string(rec.EventType), rec.Kind, string(rec.Priority),
		handlersJSON, rec.Confidence, rec.Reason, rec.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: record classification %s", rec.EventID)
}

func (s *PostgresStore) RecordFailedTask(ctx context.Context, t model.FailedTask) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.FailedAt.IsZero() {
		t.FailedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_tasks (id, entity_id, handler, dedupe_key, attempts, last_error, failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.EntityID, t.Handler, t.DedupeKey, t.Attempts, t.LastError, t.FailedAt,
	)
	return eris.Wrapf(err, "postgres: record failed task %s", t.DedupeKey)
}

func (s *PostgresStore) ListFailedTasks(ctx context.Context, limit int) ([]model.FailedTask, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, entity_id, handler, dedupe_key, attempts, last_error, failed_at
		 FROM failed_tasks ORDER BY failed_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed tasks")
	}
	defer rows.Close()

	var tasks []model.FailedTask
	for rows.Next() {
		var t model.FailedTask
		if err := rows.Scan(&t.ID, &t.EntityID, &t.Handler, &t.DedupeKey, &t.Attempts, &t.LastError, &t.FailedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed task")
		}
		tasks = append(tasks, t)
	}
	return tasks, eris.Wrap(rows.Err(), "postgres: list failed tasks iterate")
}

func (s *PostgresStore) CreateCase(ctx context.Context, c *model.Case) error {
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
		return eris.Wrap(err, "postgres: marshal case")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO cases (id, entity_id, status, body, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.EntityID, string(c.Status), body, c.CreatedAt, c.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: create case %s", c.ID)
}

func (s *PostgresStore) UpdateCase(ctx context.Context, c *model.Case) error {
	c.UpdatedAt = time.Now().UTC()
	body, err := json.Marshal(c)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal case")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET status = $1, body = $2, updated_at = $3 WHERE id = $4`,
		string(c.Status), body, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update case %s", c.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "case %s", c.ID)
	}
	return nil
}

func (s *PostgresStore) GetCase(ctx context.Context, id string) (*model.Case, error) {
	row := s.pool.QueryRow(ctx, `SELECT body FROM cases WHERE id = $1`, id)

	var body []byte
	err := row.Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: case %s", id)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get case")
	}

	var c model.Case
	if err := json.Unmarshal(body, &c); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal case")
	}
	return &c, nil
}

func (s *PostgresStore) ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error) {
	query := `SELECT body FROM cases WHERE 1=1`
	var args []any

	if filter.EntityID != "" {
		args = append(args, filter.EntityID)
		query += ` AND entity_id = $` + strconv.Itoa(len(args))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += ` AND status = $` + strconv.Itoa(len(args))
	}
	if filter.Open {
		args = append(args, string(model.CaseFixedAuto), string(model.CaseFixedApproved), string(model.CaseEscalated))
		query += ` AND status NOT IN ($` + strconv.Itoa(len(args)-2) + `, $` + strconv.Itoa(len(args)-1) + `, $` + strconv.Itoa(len(args)) + `)`
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cases")
	}
	defer rows.Close()

	var cases []model.Case
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan case")
		}
		var c model.Case
		if err := json.Unmarshal(body, &c); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal case")
		}
		cases = append(cases, c)
	}
	return cases, eris.Wrap(rows.Err(), "postgres: list cases iterate")
}

func (s *PostgresStore) CreatePendingFix(ctx context.Context, fix *model.ProposedFix) error {
	if fix.Token == "" {
		fix.Token = uuid.New().String()
	}
	if fix.CreatedAt.IsZero() {
		fix.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(fix)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal fix")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO pending_fixes (token, case_id, entity_id, body, applied, created_at) VALUES ($1, $2, $3, $4, false, $5)`,
		fix.Token, fix.CaseID, fix.EntityID, body, fix.CreatedAt,
	)
	return eris.Wrapf(err, "postgres: create pending fix for case %s", fix.CaseID)
}

func (s *PostgresStore) GetPendingFix(ctx context.Context, token string) (*model.ProposedFix, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT body, applied, applied_at FROM pending_fixes WHERE token = $1`, token)

	var body []byte
	var applied bool
	var appliedAt *time.Time
	err := row.Scan(&body, &applied, &appliedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: pending fix %s", token)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get pending fix")
	}

	var fix model.ProposedFix
	if err := json.Unmarshal(body, &fix); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal fix")
	}
	fix.Applied = applied
	fix.AppliedAt = appliedAt
	return &fix, nil
}

func (s *PostgresStore) MarkFixApplied(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE pending_fixes SET applied = true, applied_at = $1 WHERE token = $2 AND applied = false`,
		time.Now().UTC(), token,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark fix applied %s", token)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "pending fix %s", token)
	}
	return nil
}
