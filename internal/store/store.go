package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/monitor-cli/internal/model"
)

// ErrNotFound is returned when a keyed lookup matches nothing. Callers that
// treat absence as a normal outcome check it with eris.Is.
var ErrNotFound = eris.New("not found")

// EntityFilter specifies criteria for listing entities.
type EntityFilter struct {
	Status   model.Status `json:"status,omitempty"`
	Archived *bool        `json:"archived,omitempty"`
	Limit    int          `json:"limit,omitempty"`
	Offset   int          `json:"offset,omitempty"`
}

// CaseFilter specifies criteria for listing investigation cases.
type CaseFilter struct {
	EntityID string           `json:"entity_id,omitempty"`
	Status   model.CaseStatus `json:"status,omitempty"`
	Open     bool             `json:"open,omitempty"` // only non-terminal cases
	Limit    int              `json:"limit,omitempty"`
}

// Store defines the persistence interface for the monitoring core: the
// entity store, the append-only source ledger, audit records, and the
// investigation case log.
type Store interface {
	// Entities
	SaveEntity(ctx context.Context, e *model.Entity) error
	GetEntity(ctx context.Context, id string) (*model.Entity, error)
	ListEntities(ctx context.Context, filter EntityFilter) ([]model.Entity, error)
	SetEntitySourceRef(ctx context.Context, entityID, ref string) error

	// Source ledger (append-only)
	AppendAssertion(ctx context.Context, a model.Assertion) error
	ListAssertions(ctx context.Context, entityID, attribute string) ([]model.Assertion, error)

	// Audit
	AppendLifecycleAudit(ctx context.Context, audit model.LifecycleAudit) error
	ListLifecycleAudits(ctx context.Context, entityID string) ([]model.LifecycleAudit, error)
	RecordClassification(ctx context.Context, rec model.ClassificationRecord) error

	// Failed tasks
	RecordFailedTask(ctx context.Context, t model.FailedTask) error
	ListFailedTasks(ctx context.Context, limit int) ([]model.FailedTask, error)

	// Investigation cases
	CreateCase(ctx context.Context, c *model.Case) error
	UpdateCase(ctx context.Context, c *model.Case) error
	GetCase(ctx context.Context, id string) (*model.Case, error)
	ListCases(ctx context.Context, filter CaseFilter) ([]model.Case, error)

	// Pending fixes (two-phase approval)
	CreatePendingFix(ctx context.Context, fix *model.ProposedFix) error
	GetPendingFix(ctx context.Context, token string) (*model.ProposedFix, error)
	MarkFixApplied(ctx context.Context, token string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
