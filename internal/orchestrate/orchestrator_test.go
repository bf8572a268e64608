package orchestrate

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/monitor-cli/internal/classify"
	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/reconcile"
	"github.com/sells-group/monitor-cli/internal/resilience"
	"github.com/sells-group/monitor-cli/internal/store"
)

func testOrchestrateConfig() config.OrchestrateConfig {
	return config.OrchestrateConfig{
		HeartbeatSecs:    1,
		Workers:          4,
		DedupeTTLMins:    60,
		MaxAttempts:      3,
		InitialBackoffMs: 1,
		MaxBackoffMs:     10,
		Multiplier:       2.0,
		JitterFraction:   0,
	}
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *reconcile.Engine, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	graph, err := reconcile.NewGraph(nil)
	require.NoError(t, err)
	engine := reconcile.NewEngine(st, reconcile.DefaultRankTable(), graph, reconcile.NewInvariantRegistry(), 16)

	o := New(engine, st, NewWindows(testPollingConfig()), testOrchestrateConfig())
	return o, engine, st
}

func TestEnqueue_UnknownHandlerRejected(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)

	err := o.Enqueue(&model.Task{EntityID: "e1", Handler: "nobody_home"})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnknownHandler))
}

func TestTick_DispatchesAndAsserts(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()

	o.RegisterHandler(classify.HandlerTrustBalance, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		return []model.AssertionInput{
			{Attribute: "trust_cash", Value: 250.0, SourceKind: "annual_report"},
		}, nil
	})

	require.NoError(t, o.Enqueue(&model.Task{
		EntityID: "e1", Handler: classify.HandlerTrustBalance,
		Priority: model.PriorityP1, DedupeKey: "e1/doc-1/trust",
	}))
	require.NoError(t, o.Tick(ctx))

	ent, err := st.GetEntity(ctx, "e1")
	require.NoError(t, err)
	av, ok := ent.Attribute("trust_cash")
	require.True(t, ok)
	assert.Equal(t, 250.0, av.Value)
}

func TestTick_DuplicateDedupeKeyDispatchedOnce(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	var calls atomic.Int32
	o.RegisterHandler(classify.HandlerTrustBalance, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		calls.Add(1)
		return nil, nil
	})

	for range 3 {
		require.NoError(t, o.Enqueue(&model.Task{
			EntityID: "e1", Handler: classify.HandlerTrustBalance,
			Priority: model.PriorityP1, DedupeKey: "e1/doc-1/trust",
		}))
	}
	require.NoError(t, o.Tick(ctx))

	assert.Equal(t, int32(1), calls.Load())
}

func TestRetry_ExhaustionRecordsFailureAndRaisesAnomaly(t *testing.T) {
	o, engine, st := newTestOrchestrator(t)
	ctx := context.Background()

	var calls atomic.Int32
	o.RegisterHandler(classify.HandlerDealTerms, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		calls.Add(1)
		return nil, eris.New("extractor crashed")
	})

	require.NoError(t, o.Enqueue(&model.Task{
		EntityID: "e1", Handler: classify.HandlerDealTerms,
		Priority: model.PriorityP0, DedupeKey: "e1/doc-2/deal",
	}))

	// Drain retries: each tick runs one attempt once its backoff elapses.
	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		require.NoError(t, o.Tick(ctx))
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, int32(3), calls.Load())
	assert.Zero(t, o.QueueDepth())

	failed, err := st.ListFailedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, classify.HandlerDealTerms, failed[0].Handler)
	assert.Equal(t, 3, failed[0].Attempts)

	select {
	case a := <-engine.Anomalies():
		assert.Equal(t, model.AnomalyHandlerFailing, a.Kind)
		assert.Equal(t, classify.HandlerDealTerms, a.Handler)
	default:
		t.Fatal("expected handler failure anomaly")
	}
}

func TestRetry_PermanentFailureSkipsBackoff(t *testing.T) {
	o, engine, st := newTestOrchestrator(t)
	ctx := context.Background()

	var calls atomic.Int32
	o.RegisterHandler(classify.HandlerDealTerms, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		calls.Add(1)
		return nil, resilience.Permanent(eris.New("document is not valid JSON"))
	})

	require.NoError(t, o.Enqueue(&model.Task{
		EntityID: "e1", Handler: classify.HandlerDealTerms,
		Priority: model.PriorityP0, DedupeKey: "e1/doc-3/deal",
	}))
	require.NoError(t, o.Tick(ctx))

	// One attempt, no requeue, straight to the failure record.
	assert.Equal(t, int32(1), calls.Load())
	assert.Zero(t, o.QueueDepth())

	failed, err := st.ListFailedTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)

	select {
	case a := <-engine.Anomalies():
		assert.Equal(t, model.AnomalyHandlerFailing, a.Kind)
		assert.Equal(t, "handler failed permanently", a.Message)
	default:
		t.Fatal("expected handler failure anomaly")
	}
}

func TestTick_LifecycleProposalsResolvedPerEpoch(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusAnnounced}))

	o.RegisterHandler(classify.HandlerCompletion, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		return []model.AssertionInput{{Status: model.StatusCompleted}}, nil
	})
	o.RegisterHandler(classify.HandlerLifecycleStatus, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		return []model.AssertionInput{{Status: model.StatusDelisted}}, nil
	})

	require.NoError(t, o.Enqueue(&model.Task{
		EntityID: "e1", Handler: classify.HandlerLifecycleStatus,
		Priority: model.PriorityP1, DedupeKey: "e1/doc-3/status",
	}))
	require.NoError(t, o.Enqueue(&model.Task{
		EntityID: "e1", Handler: classify.HandlerCompletion,
		Priority: model.PriorityP0, DedupeKey: "e1/doc-3/completion",
	}))
	require.NoError(t, o.Tick(ctx))

	ent, err := st.GetEntity(ctx, "e1")
	require.NoError(t, err)
	// Completed and delisted proposed in the same epoch: completed wins.
	assert.Equal(t, model.StatusCompleted, ent.Status)
}

func TestValidateHandlers(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	o.RegisterHandler(classify.HandlerTrustBalance, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		return nil, nil
	})

	require.NoError(t, o.ValidateHandlers([]string{classify.HandlerTrustBalance}))

	err := o.ValidateHandlers([]string{classify.HandlerTrustBalance, classify.HandlerRedemptions})
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrUnknownHandler))
}

func TestPoll_EmitsTasksAtEffectiveCadence(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "e1", Status: model.StatusSearching}))
	require.NoError(t, st.SaveEntity(ctx, &model.Entity{ID: "done", Status: model.StatusCompleted}))

	o.RegisterHandler(classify.HandlerLifecycleStatus, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		return nil, nil
	})
	o.SetPollHandlers([]string{classify.HandlerLifecycleStatus})

	current := time.Now()
	o.nowFunc = func() time.Time { return current }

	require.NoError(t, o.Poll(ctx))
	// One task for the live entity; terminal entities are not polled.
	assert.Equal(t, 1, o.QueueDepth())

	// Cadence not yet elapsed: no new task.
	require.NoError(t, o.Poll(ctx))
	assert.Equal(t, 1, o.QueueDepth())

	current = current.Add(7 * time.Hour)
	require.NoError(t, o.Poll(ctx))
	assert.Equal(t, 2, o.QueueDepth())
}

func TestRaiseSignal_ConfirmationEnqueuesImmediately(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()

	require.NoError(t, st.SaveEntity(ctx, &model.Entity{
		ID: "e1", Status: model.StatusSearching,
		SourceRef: "https://filings.example.com/doc-7",
	}))

	var confirmRef string
	o.RegisterHandler(classify.HandlerLifecycleStatus, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		confirmRef = task.SourceRef
		return nil, nil
	})
	o.SetPollHandlers([]string{classify.HandlerLifecycleStatus})

	require.NoError(t, o.RaiseSignal(ctx, "e1", model.SignalRumor, 0.6, 0))
	assert.Zero(t, o.QueueDepth())

	require.NoError(t, o.RaiseSignal(ctx, "e1", model.SignalConfirmation, 1.0, 0))
	assert.Equal(t, 1, o.QueueDepth())

	// The fast-path task refetches the entity's last known document.
	require.NoError(t, o.Tick(ctx))
	assert.Equal(t, "https://filings.example.com/doc-7", confirmRef)
}

func TestPoll_CarriesLastSourceRef(t *testing.T) {
	o, _, st := newTestOrchestrator(t)
	ctx := context.Background()

	refs := map[string]string{}
	o.RegisterHandler(classify.HandlerLifecycleStatus, func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		refs[task.DedupeKey] = task.SourceRef
		return nil, nil
	})
	o.SetPollHandlers([]string{classify.HandlerLifecycleStatus})

	// An event-driven task records the document it processed.
	require.NoError(t, o.Enqueue(&model.Task{
		EntityID: "e1", Handler: classify.HandlerLifecycleStatus,
		Priority: model.PriorityP1, DedupeKey: "e1/doc-4/status",
		SourceRef: "https://filings.example.com/doc-4",
	}))
	require.NoError(t, o.Tick(ctx))

	ent, err := st.GetEntity(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, "https://filings.example.com/doc-4", ent.SourceRef)

	// The next cadence poll refetches that same document.
	require.NoError(t, o.Poll(ctx))
	require.NoError(t, o.Tick(ctx))
	require.Len(t, refs, 2)
	for _, ref := range refs {
		assert.Equal(t, "https://filings.example.com/doc-4", ref)
	}
}
