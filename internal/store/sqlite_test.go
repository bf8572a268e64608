package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/monitor-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// --- Entities ---

func TestSQLite_Entity_SaveAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	doc := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	e := &model.Entity{
		ID:     "ACQ-001",
		Name:   "Harbor Acquisition Corp",
		Status: model.StatusSearching,
		Attributes: map[string]model.AttributeValue{
			"trust_cash": {Value: 250000000.0, SourceKind: "annual_report", SourceRank: 3, DocumentDate: &doc, Version: 1},
		},
	}
	require.NoError(t, st.SaveEntity(ctx, e))

	got, err := st.GetEntity(ctx, "ACQ-001")
	require.NoError(t, err)
	assert.Equal(t, "Harbor Acquisition Corp", got.Name)
	assert.Equal(t, model.StatusSearching, got.Status)
	av, ok := got.Attribute("trust_cash")
	require.True(t, ok)
	assert.Equal(t, 250000000.0, av.Value)
	assert.Equal(t, 3, av.SourceRank)
}

func TestSQLite_Entity_UpsertOverwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	e := &model.Entity{ID: "ACQ-002", Status: model.StatusSearching}
	require.NoError(t, st.SaveEntity(ctx, e))

	e.Status = model.StatusAnnounced
	e.Attributes = map[string]model.AttributeValue{"target_name": {Value: "Meridian Robotics", Version: 1}}
	require.NoError(t, st.SaveEntity(ctx, e))

	got, err := st.GetEntity(ctx, "ACQ-002")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnnounced, got.Status)
	_, ok := got.Attribute("target_name")
	assert.True(t, ok)
}

func TestSQLite_Entity_SourceRef(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// Upserts a placeholder row when the entity has not been seen yet.
	require.NoError(t, st.SetEntitySourceRef(ctx, "ACQ-003", "https://filings.example.com/doc-1"))
	got, err := st.GetEntity(ctx, "ACQ-003")
	require.NoError(t, err)
	assert.Equal(t, "https://filings.example.com/doc-1", got.SourceRef)

	require.NoError(t, st.SetEntitySourceRef(ctx, "ACQ-003", "https://filings.example.com/doc-2"))

	// A full save without a ref keeps the recorded one.
	got.SourceRef = ""
	got.Status = model.StatusAnnounced
	require.NoError(t, st.SaveEntity(ctx, got))
	got, err = st.GetEntity(ctx, "ACQ-003")
	require.NoError(t, err)
	assert.Equal(t, model.StatusAnnounced, got.Status)
	assert.Equal(t, "https://filings.example.com/doc-2", got.SourceRef)
}

func TestSQLite_Entity_NotFound(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetEntity(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_Entity_ListByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "a", Status: model.StatusSearching}))
	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "b", Status: model.StatusAnnounced}))
	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "c", Status: model.StatusAnnounced, Archived: false}))

	got, err := st.ListEntities(ctx, EntityFilter{Status: model.StatusAnnounced})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	archived := true
	got, err = st.ListEntities(ctx, EntityFilter{Archived: &archived})
	require.NoError(t, err)
	assert.Empty(t, got)
}

// --- Source ledger ---

func TestSQLite_Assertions_AppendAndList(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusSearching}))

	day1 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	day5 := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendAssertion(ctx, model.Assertion{
		EntityID: "e1", Attribute: "trust_cash", Value: 100.0,
		SourceKind: "press_release", SourceRank: 1, DocumentDate: &day1,
		Accepted: true, IngestedAt: time.Now().UTC(),
	}))
	require.NoError(t, st.AppendAssertion(ctx, model.Assertion{
		EntityID: "e1", Attribute: "trust_cash", Value: 90.0,
		SourceKind: "annual_report", SourceRank: 2, DocumentDate: &day5,
		Accepted: true, IngestedAt: time.Now().UTC().Add(time.Second),
	}))
	require.NoError(t, st.AppendAssertion(ctx, model.Assertion{
		EntityID: "e1", Attribute: "share_count", Value: 25000000.0,
		SourceKind: "annual_report", SourceRank: 2,
		Accepted: true, IngestedAt: time.Now().UTC(),
	}))

	got, err := st.ListAssertions(ctx, "e1", "trust_cash")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 100.0, got[0].Value)
	assert.Equal(t, 90.0, got[1].Value)
	require.NotNil(t, got[1].DocumentDate)
	assert.Equal(t, day5, got[1].DocumentDate.UTC())

	all, err := st.ListAssertions(ctx, "e1", "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

// --- Audit ---

func TestSQLite_LifecycleAudit(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.AppendLifecycleAudit(context.Background(), model.LifecycleAudit{
		EntityID:   "e1",
		From:       model.StatusAnnounced,
		To:         model.StatusCompleted,
		Superseded: []model.Status{model.StatusDelisted},
		Trigger:    "completion_handler",
	})
	require.NoError(t, err)

	audits, err := st.ListLifecycleAudits(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.StatusCompleted, audits[0].To)
	assert.Equal(t, []model.Status{model.StatusDelisted}, audits[0].Superseded)
}

func TestSQLite_RecordClassification(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.RecordClassification(context.Background(), model.ClassificationRecord{
		EventID:    "ev-1",
		EntityID:   "e1",
		EventType:  model.EventCompositeFiling,
		Kind:       "fallback",
		Priority:   model.PriorityP1,
		Handlers:   []string{"deal_terms", "trust_balance"},
		Confidence: 0.72,
		Reason:     "sub-item guess: deal announcement",
	})
	require.NoError(t, err)
}

// --- Failed tasks ---

func TestSQLite_FailedTasks(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.RecordFailedTask(ctx, model.FailedTask{
		EntityID:  "e1",
		Handler:   "trust_balance",
		DedupeKey: "e1/doc-9",
		Attempts:  5,
		LastError: "timeout contacting filing mirror",
	}))

	got, err := st.ListFailedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "trust_balance", got[0].Handler)
	assert.Equal(t, 5, got[0].Attempts)
}

// --- Cases ---

func TestSQLite_Case_CreateUpdateGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	c := &model.Case{
		EntityID: "e1",
		Anomaly: model.Anomaly{
			Kind:     model.AnomalyInvariantViolation,
			EntityID: "e1", Attribute: "trust_per_share",
			Severity: model.SeverityHigh,
			Message:  "trust per share exceeds plausibility bound",
		},
		Status: model.CaseDetected,
	}
	require.NoError(t, st.CreateCase(ctx, c))
	require.NotEmpty(t, c.ID)

	c.Status = model.CaseFixedAuto
	c.Diagnosis = &model.Diagnosis{Cause: "unit mismatch", Confidence: 0.93}
	require.NoError(t, st.UpdateCase(ctx, c))

	got, err := st.GetCase(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CaseFixedAuto, got.Status)
	require.NotNil(t, got.Diagnosis)
	assert.Equal(t, "unit mismatch", got.Diagnosis.Cause)
}

func TestSQLite_Case_ListOpenOnly(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	open := &model.Case{EntityID: "e1", Status: model.CaseDiagnosing}
	closed := &model.Case{EntityID: "e1", Status: model.CaseEscalated}
	require.NoError(t, st.CreateCase(ctx, open))
	require.NoError(t, st.CreateCase(ctx, closed))

	got, err := st.ListCases(ctx, CaseFilter{EntityID: "e1", Open: true})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, open.ID, got[0].ID)
}

// --- Pending fixes ---

func TestSQLite_PendingFix_TwoPhase(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	fix := &model.ProposedFix{
		CaseID:   "case-1",
		EntityID: "e1",
		Assertions: []model.AssertionInput{
			{Attribute: "trust_cash", Value: 250000000.0, SourceKind: model.SourceInvestigation},
		},
		Summary: "restate trust cash from corrected filing",
	}
	require.NoError(t, st.CreatePendingFix(ctx, fix))
	require.NotEmpty(t, fix.Token)

	got, err := st.GetPendingFix(ctx, fix.Token)
	require.NoError(t, err)
	assert.False(t, got.Applied)
	assert.Len(t, got.Assertions, 1)

	require.NoError(t, st.MarkFixApplied(ctx, fix.Token))

	got, err = st.GetPendingFix(ctx, fix.Token)
	require.NoError(t, err)
	assert.True(t, got.Applied)
	assert.NotNil(t, got.AppliedAt)

	// Second apply is rejected: the token is single-use.
	err = st.MarkFixApplied(ctx, fix.Token)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}

func TestSQLite_PendingFix_UnknownToken(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.GetPendingFix(context.Background(), "no-such-token")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrNotFound))
}
