package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/store"
)

func newTestEngine(t *testing.T, attrs []ComputedAttr) *Engine {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	graph, err := NewGraph(attrs)
	require.NoError(t, err)
	return NewEngine(st, DefaultRankTable(), graph, NewInvariantRegistry(), 16)
}

func day(d int) *time.Time {
	t := time.Date(2026, 1, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestAssert_HigherRankWinsRegardlessOfDate(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	// Day 1, press release (rank 1), value 100: accepted.
	res, err := e.Assert(ctx, "e1", "trust_cash", 100.0, "press_release", day(1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// Day 5, annual report (rank 3), value 90: higher rank wins.
	res, err = e.Assert(ctx, "e1", "trust_cash", 90.0, "annual_report", day(5))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// Day 3, annual report (rank 3), value 95: same rank, older document.
	res, err = e.Assert(ctx, "e1", "trust_cash", 95.0, "annual_report", day(3))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStaleSource))
	assert.False(t, res.Accepted)
	assert.Equal(t, 90.0, res.Current)

	// Day 9, press release (rank 1): lower rank never displaces higher.
	_, err = e.Assert(ctx, "e1", "trust_cash", 120.0, "press_release", day(9))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrStaleSource))
}

func TestAssert_ImmutableRejectsEqualRank(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	res, err := e.Assert(ctx, "e1", "identifier_code", "0001234567", "registration", day(1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// Equal rank, later date: still rejected, the attribute is set-once.
	_, err = e.Assert(ctx, "e1", "identifier_code", "0009999999", "registration", day(9))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrImmutableConflict))

	// Investigation override rank may correct it.
	res, err = e.Assert(ctx, "e1", "identifier_code", "0001234568", model.SourceInvestigation, nil)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestAssert_ComputedNeverDirectlyAssertable(t *testing.T) {
	e := newTestEngine(t, []ComputedAttr{{
		Name:   "trust_per_share",
		Inputs: []string{"trust_cash", "share_count"},
		Compute: func(inputs []any) (any, bool) {
			cash, ok1 := inputs[0].(float64)
			shares, ok2 := inputs[1].(float64)
			if !ok1 || !ok2 || shares == 0 {
				return nil, false
			}
			return cash / shares, true
		},
	}})

	_, err := e.Assert(context.Background(), "e1", "trust_per_share", 10.0, "annual_report", day(1))
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidComputedWrite))
}

func TestAssert_RecomputesDownstreamInOrder(t *testing.T) {
	perShare := ComputedAttr{
		Name:   "trust_per_share",
		Inputs: []string{"trust_cash", "share_count"},
		Compute: func(inputs []any) (any, bool) {
			cash, ok1 := inputs[0].(float64)
			shares, ok2 := inputs[1].(float64)
			if !ok1 || !ok2 || shares == 0 {
				return nil, false
			}
			return cash / shares, true
		},
	}
	doubled := ComputedAttr{
		Name:   "trust_per_share_cents",
		Inputs: []string{"trust_per_share"},
		Compute: func(inputs []any) (any, bool) {
			v, ok := inputs[0].(float64)
			if !ok {
				return nil, false
			}
			return v * 100, true
		},
	}
	e := newTestEngine(t, []ComputedAttr{doubled, perShare})
	ctx := context.Background()

	_, err := e.Assert(ctx, "e1", "trust_cash", 250.0, "annual_report", day(1))
	require.NoError(t, err)
	_, err = e.Assert(ctx, "e1", "share_count", 25.0, "annual_report", day(1))
	require.NoError(t, err)

	ent, err := e.store.GetEntity(ctx, "e1")
	require.NoError(t, err)

	av, ok := ent.Attribute("trust_per_share")
	require.True(t, ok)
	assert.Equal(t, 10.0, av.Value)
	assert.Equal(t, SourceComputed, av.SourceKind)

	av, ok = ent.Attribute("trust_per_share_cents")
	require.True(t, ok)
	assert.Equal(t, 1000.0, av.Value)
}

func TestAssert_InvariantViolationEmitsAnomalyWithoutBlockingWrite(t *testing.T) {
	e := newTestEngine(t, nil)
	e.Invariants().Register(Invariant{
		Name:       "trust_cash_plausible",
		Attributes: []string{"trust_cash"},
		Severity:   model.SeverityHigh,
		Check: func(ent *model.Entity) (bool, string) {
			av, ok := ent.Attribute("trust_cash")
			if !ok {
				return true, ""
			}
			if v, _ := av.Value.(float64); v < 0 {
				return false, "trust cash is negative"
			}
			return true, ""
		},
	})

	res, err := e.Assert(context.Background(), "e1", "trust_cash", -5.0, "annual_report", day(1))
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	select {
	case a := <-e.Anomalies():
		assert.Equal(t, model.AnomalyInvariantViolation, a.Kind)
		assert.Equal(t, "e1", a.EntityID)
		assert.Equal(t, "trust_cash", a.Attribute)
	default:
		t.Fatal("expected an anomaly on the channel")
	}
}

func TestAssert_RejectionsRecordedInLedger(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := e.Assert(ctx, "e1", "trust_cash", 90.0, "annual_report", day(5))
	require.NoError(t, err)
	_, err = e.Assert(ctx, "e1", "trust_cash", 95.0, "annual_report", day(3))
	require.Error(t, err)

	ledger, err := e.store.ListAssertions(ctx, "e1", "trust_cash")
	require.NoError(t, err)
	require.Len(t, ledger, 2)
	assert.True(t, ledger[0].Accepted)
	assert.False(t, ledger[1].Accepted)
	assert.Equal(t, "stale_source", ledger[1].Reason)
}

func TestNewGraph_CycleIsFatal(t *testing.T) {
	identity := func(inputs []any) (any, bool) { return inputs[0], true }

	_, err := NewGraph([]ComputedAttr{
		{Name: "a", Inputs: []string{"b"}, Compute: identity},
		{Name: "b", Inputs: []string{"a"}, Compute: identity},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestApplyLifecycle_ConflictPrecedenceAndAudit(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusAnnounced}))

	// Completion and delisting asserted in the same epoch: completed wins,
	// the delisting is recorded as superseded, not dropped.
	got, err := e.ApplyLifecycle(ctx, "e1", []model.Status{model.StatusDelisted, model.StatusCompleted}, "completion")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got)

	ent, err := e.store.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, ent.Status)

	audits, err := e.store.ListLifecycleAudits(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, []model.Status{model.StatusDelisted}, audits[0].Superseded)
}

func TestApplyLifecycle_TerminalStatusArchivesEntity(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusAnnounced}))

	_, err := e.ApplyLifecycle(ctx, "e1", []model.Status{model.StatusCompleted}, "completion")
	require.NoError(t, err)

	ent, err := e.store.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.True(t, ent.Archived)

	// A non-terminal transition leaves the entity live.
	require.NoError(t, e.store.SaveEntity(ctx, &model.Entity{ID: "e2", Status: model.StatusSearching}))
	_, err = e.ApplyLifecycle(ctx, "e2", []model.Status{model.StatusAnnounced}, "lifecycle_status")
	require.NoError(t, err)
	ent, err = e.store.GetEntity(ctx, "e2")
	require.NoError(t, err)
	assert.False(t, ent.Archived)
}

func TestApplyLifecycle_RedundantWinnerStillRecordsSuperseded(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusCompleted, Archived: true}))

	// Completed re-asserted alongside a losing delisting: no transition,
	// but the superseded proposal still lands in the audit trail.
	got, err := e.ApplyLifecycle(ctx, "e1", []model.Status{model.StatusCompleted, model.StatusDelisted}, "completion")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got)

	audits, err := e.store.ListLifecycleAudits(ctx, "e1")
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, model.StatusCompleted, audits[0].From)
	assert.Equal(t, model.StatusCompleted, audits[0].To)
	assert.Equal(t, []model.Status{model.StatusDelisted}, audits[0].Superseded)

	// A redundant proposal with nothing superseded writes no audit row.
	_, err = e.ApplyLifecycle(ctx, "e1", []model.Status{model.StatusCompleted}, "completion")
	require.NoError(t, err)
	audits, err = e.store.ListLifecycleAudits(ctx, "e1")
	require.NoError(t, err)
	assert.Len(t, audits, 1)
}

func TestApplyLifecycle_ForbiddenEdgeRaisesAnomaly(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	require.NoError(t, e.store.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusCompleted}))

	_, err := e.ApplyLifecycle(ctx, "e1", []model.Status{model.StatusTerminated}, "lifecycle_status")
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrInvalidTransition))

	select {
	case a := <-e.Anomalies():
		assert.Equal(t, model.AnomalyLifecycleConflict, a.Kind)
	default:
		t.Fatal("expected a lifecycle conflict anomaly")
	}
}

func TestRankTable_InvestigationAlwaysWins(t *testing.T) {
	rt := DefaultRankTable()
	assert.Equal(t, RankOverrideInvestigation, rt.Rank("trust_cash", model.SourceInvestigation))
	assert.Greater(t, rt.Rank("trust_cash", model.SourceInvestigation), rt.Rank("trust_cash", "annual_report"))
	assert.Equal(t, rt.DefaultRank, rt.Rank("trust_cash", "somewhere_else"))
}
