package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/store"
)

// Rejection reasons. These are expected and benign: logged, recorded in the
// source ledger, never retried.
var (
	ErrStaleSource          = eris.New("stale_source")
	ErrImmutableConflict    = eris.New("immutable_conflict")
	ErrInvalidComputedWrite = eris.New("invalid_computed_write")
	ErrInvalidTransition    = eris.New("invalid_transition")
)

// SourceComputed marks attribute values produced by the dependency graph
// rather than asserted by any source.
const SourceComputed = "computed"

// Result reports the outcome of an assertion.
type Result struct {
	Accepted bool
	// Current is the attribute value after the call, accepted or not.
	Current any
}

// Engine resolves competing assertions about entity attributes. All writes
// for one entity are serialized on a per-entity mutex; anomalies go out on a
// buffered channel and never block the write path.
type Engine struct {
	store      store.Store
	ranks      *RankTable
	graph      *Graph
	invariants *InvariantRegistry

	anomalies chan model.Anomaly

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an Engine. The graph must already have passed cycle
// detection (NewGraph is fatal on cycles).
func NewEngine(st store.Store, ranks *RankTable, graph *Graph, invariants *InvariantRegistry, anomalyBuffer int) *Engine {
	if anomalyBuffer <= 0 {
		anomalyBuffer = 256
	}
	return &Engine{
		store:      st,
		ranks:      ranks,
		graph:      graph,
		invariants: invariants,
		anomalies:  make(chan model.Anomaly, anomalyBuffer),
		locks:      map[string]*sync.Mutex{},
	}
}

// Anomalies is consumed by the investigation engine.
func (e *Engine) Anomalies() <-chan model.Anomaly {
	return e.anomalies
}

// Invariants exposes the registry so the prevention stage can add rules.
func (e *Engine) Invariants() *InvariantRegistry {
	return e.invariants
}

// RaiseAnomaly queues an anomaly without ever blocking. When the buffer is
// full the anomaly is dropped and logged; losing an investigation lead is
// acceptable, stalling reconciliation is not.
func (e *Engine) RaiseAnomaly(a model.Anomaly) {
	if a.ObservedAt.IsZero() {
		a.ObservedAt = time.Now().UTC()
	}
	select {
	case e.anomalies <- a:
	default:
		zap.L().Warn("reconcile: anomaly buffer full, dropping",
			zap.String("entity_id", a.EntityID),
			zap.String("kind", string(a.Kind)),
		)
	}
}

func (e *Engine) entityLock(entityID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[entityID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[entityID] = l
	}
	return l
}

// Assert applies one attribute assertion under the precedence rules:
// a higher-rank source always wins regardless of date; immutable attributes
// additionally reject lower-or-equal ranks once set; among equal ranks the
// later document date wins; computed attributes are never directly
// assertable. Every assertion, accepted or rejected, lands in the ledger.
func (e *Engine) Assert(ctx context.Context, entityID, attribute string, value any, sourceKind string, documentDate *time.Time) (Result, error) {
	lock := e.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	ent, err := e.store.GetEntity(ctx, entityID)
	if eris.Is(err, store.ErrNotFound) {
		ent = &model.Entity{ID: entityID, Status: model.StatusSearching}
		err = nil
	}
	if err != nil {
		return Result{}, eris.Wrap(err, "reconcile: load entity")
	}
	if ent.Attributes == nil {
		ent.Attributes = map[string]model.AttributeValue{}
	}

	rank := e.ranks.Rank(attribute, sourceKind)
	existing, has := ent.Attributes[attribute]

	reject := func(reason error) (Result, error) {
		e.recordAssertion(ctx, entityID, attribute, value, sourceKind, rank, documentDate, false, eris.Cause(reason).Error())
		zap.L().Debug("reconcile: assertion rejected",
			zap.String("entity_id", entityID),
			zap.String("attribute", attribute),
			zap.String("source_kind", sourceKind),
			zap.Error(reason),
		)
		return Result{Accepted: false, Current: existing.Value}, reason
	}

	if e.graph.IsComputed(attribute) {
		return reject(ErrInvalidComputedWrite)
	}
	if has {
		switch {
		case e.ranks.IsImmutable(attribute) && rank <= existing.SourceRank:
			return reject(ErrImmutableConflict)
		case rank < existing.SourceRank:
			return reject(ErrStaleSource)
		case rank == existing.SourceRank && olderThan(documentDate, existing.DocumentDate):
			return reject(ErrStaleSource)
		}
	}

	now := time.Now().UTC()
	ent.Attributes[attribute] = model.AttributeValue{
		Value:        value,
		SourceKind:   sourceKind,
		SourceRank:   rank,
		DocumentDate: documentDate,
		Version:      existing.Version + 1,
		UpdatedAt:    now,
	}

	changed := map[string]struct{}{attribute: {}}
	e.recompute(ent, attribute, changed, now)

	if err := e.store.SaveEntity(ctx, ent); err != nil {
		return Result{}, eris.Wrap(err, "reconcile: save entity")
	}
	e.recordAssertion(ctx, entityID, attribute, value, sourceKind, rank, documentDate, true, "")

	for _, a := range e.invariants.Evaluate(ent, changed) {
		e.RaiseAnomaly(a)
	}

	return Result{Accepted: true, Current: value}, nil
}

// recompute walks the dependency graph downstream of root and rewrites every
// affected computed attribute in topological order.
func (e *Engine) recompute(ent *model.Entity, root string, changed map[string]struct{}, now time.Time) {
	for _, comp := range e.graph.Downstream(root) {
		inputs := make([]any, len(comp.Inputs))
		for i, in := range comp.Inputs {
			if av, ok := ent.Attributes[in]; ok {
				inputs[i] = av.Value
			}
		}
		value, ok := comp.Compute(inputs)
		if !ok {
			continue
		}
		prev := ent.Attributes[comp.Name]
		ent.Attributes[comp.Name] = model.AttributeValue{
			Value:      value,
			SourceKind: SourceComputed,
			SourceRank: prev.SourceRank,
			Version:    prev.Version + 1,
			UpdatedAt:  now,
		}
		changed[comp.Name] = struct{}{}
	}
}

func (e *Engine) recordAssertion(ctx context.Context, entityID, attribute string, value any, sourceKind string, rank int, documentDate *time.Time, accepted bool, reason string) {
	err := e.store.AppendAssertion(ctx, model.Assertion{
		EntityID:     entityID,
		Attribute:    attribute,
		Value:        value,
		SourceKind:   sourceKind,
		SourceRank:   rank,
		DocumentDate: documentDate,
		Accepted:     accepted,
		Reason:       reason,
		IngestedAt:   time.Now().UTC(),
	})
	if err != nil {
		zap.L().Error("reconcile: record assertion",
			zap.String("entity_id", entityID),
			zap.String("attribute", attribute),
			zap.Error(err),
		)
	}
}

// olderThan treats a missing document date as the zero time, so an undated
// assertion never displaces a dated one of the same rank.
func olderThan(candidate, current *time.Time) bool {
	var c, cur time.Time
	if candidate != nil {
		c = *candidate
	}
	if current != nil {
		cur = *current
	}
	return c.Before(cur)
}

// ApplyLifecycle resolves the proposed statuses for one processing epoch and
// applies the winner. Conflicting terminal proposals collapse under the
// fixed precedence order; superseded proposals are kept in the audit trail.
// A winner the edge table forbids from the current state raises a lifecycle
// conflict anomaly and returns ErrInvalidTransition.
func (e *Engine) ApplyLifecycle(ctx context.Context, entityID string, proposed []model.Status, trigger string) (model.Status, error) {
	if len(proposed) == 0 {
		return "", eris.New("reconcile: no statuses proposed")
	}

	lock := e.entityLock(entityID)
	lock.Lock()
	defer lock.Unlock()

	ent, err := e.store.GetEntity(ctx, entityID)
	if eris.Is(err, store.ErrNotFound) {
		ent = &model.Entity{ID: entityID, Status: model.StatusSearching}
		err = nil
	}
	if err != nil {
		return "", eris.Wrap(err, "reconcile: load entity")
	}

	winner, superseded := model.ResolveStatusConflict(proposed)
	if winner == ent.Status {
		// No transition, but superseded proposals still belong in the
		// audit trail.
		if len(superseded) > 0 {
			if err := e.store.AppendLifecycleAudit(ctx, model.LifecycleAudit{
				EntityID:   entityID,
				From:       ent.Status,
				To:         winner,
				Superseded: superseded,
				Trigger:    trigger,
			}); err != nil {
				zap.L().Error("reconcile: append lifecycle audit",
					zap.String("entity_id", entityID),
					zap.Error(err),
				)
			}
		}
		return winner, nil
	}
	if !model.CanTransition(ent.Status, winner) {
		e.RaiseAnomaly(model.Anomaly{
			Kind:     model.AnomalyLifecycleConflict,
			EntityID: entityID,
			Severity: model.SeverityHigh,
			Message:  "proposed transition not allowed by lifecycle edge table",
			Details: map[string]any{
				"from":     string(ent.Status),
				"to":       string(winner),
				"trigger":  trigger,
				"proposed": proposed,
			},
		})
		return ent.Status, eris.Wrapf(ErrInvalidTransition, "%s -> %s", ent.Status, winner)
	}

	from := ent.Status
	ent.Status = winner
	if winner.IsTerminal() {
		ent.Archived = true
	}
	if err := e.store.SaveEntity(ctx, ent); err != nil {
		return "", eris.Wrap(err, "reconcile: save entity")
	}
	if err := e.store.AppendLifecycleAudit(ctx, model.LifecycleAudit{
		EntityID:   entityID,
		From:       from,
		To:         winner,
		Superseded: superseded,
		Trigger:    trigger,
	}); err != nil {
		zap.L().Error("reconcile: append lifecycle audit",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}

	zap.L().Info("reconcile: lifecycle transition",
		zap.String("entity_id", entityID),
		zap.String("from", string(from)),
		zap.String("to", string(winner)),
		zap.String("trigger", trigger),
	)
	return winner, nil
}
