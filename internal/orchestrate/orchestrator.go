package orchestrate

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/monitor-cli/internal/classify"
	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/reconcile"
	"github.com/sells-group/monitor-cli/internal/resilience"
	"github.com/sells-group/monitor-cli/internal/store"
)

// Handler extracts attribute assertions from whatever the task points at.
// Handlers are external and swappable; the orchestrator only knows names.
// A handler returning zero assertions is a success, not an error.
type Handler func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error)

// ErrUnknownHandler is structural: a classifier or poll generator referenced
// a handler nobody registered. Never silently swallowed.
var ErrUnknownHandler = eris.New("unknown handler")

// Orchestrator schedules classified work: priority queue, dedupe, bounded
// parallel dispatch with per-entity serialization, retry with backoff, and
// cadence-driven polling.
type Orchestrator struct {
	queue    *Queue
	dedupe   *DedupeSet
	windows  *Windows
	engine   *reconcile.Engine
	store    store.Store
	cfg      config.OrchestrateConfig
	retryCfg resilience.RetryConfig

	mu           sync.Mutex
	handlers     map[string]Handler
	pollHandlers []string
	lastPolled   map[string]time.Time

	nowFunc func() time.Time
}

// New creates an Orchestrator.
func New(engine *reconcile.Engine, st store.Store, windows *Windows, cfg config.OrchestrateConfig) *Orchestrator {
	return &Orchestrator{
		queue:   NewQueue(),
		dedupe:  NewDedupeSet(time.Duration(cfg.DedupeTTLMins) * time.Minute),
		windows: windows,
		engine:  engine,
		store:   st,
		cfg:     cfg,
		retryCfg: resilience.FromConfig(
			cfg.MaxAttempts, cfg.InitialBackoffMs, cfg.MaxBackoffMs, cfg.Multiplier, cfg.JitterFraction,
		),
		handlers:   map[string]Handler{},
		lastPolled: map[string]time.Time{},
		nowFunc:    time.Now,
	}
}

// RegisterHandler binds a name to a handler implementation.
func (o *Orchestrator) RegisterHandler(name string, h Handler) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.handlers[name] = h
}

// SetPollHandlers names the handler classes the polling generator schedules
// for every tracked entity.
func (o *Orchestrator) SetPollHandlers(names []string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pollHandlers = append([]string(nil), names...)
}

// ValidateHandlers confirms every name is registered. Called at startup
// with everything the classifier can produce; a miss is fatal there.
func (o *Orchestrator) ValidateHandlers(names []string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, name := range names {
		if _, ok := o.handlers[name]; !ok {
			return eris.Wrapf(ErrUnknownHandler, "%s", name)
		}
	}
	return nil
}

// Enqueue adds a task to the queue. Tasks referencing an unregistered
// handler are rejected immediately rather than failing at dispatch.
func (o *Orchestrator) Enqueue(task *model.Task) error {
	o.mu.Lock()
	_, ok := o.handlers[task.Handler]
	o.mu.Unlock()
	if !ok {
		return eris.Wrapf(ErrUnknownHandler, "%s", task.Handler)
	}

	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = o.nowFunc()
	}
	o.queue.Push(task)
	return nil
}

// EnqueueForEvent fans one classified event out into one task per handler.
// The dedupe key ties the tasks to the triggering document.
func (o *Orchestrator) EnqueueForEvent(event model.DisclosureEvent, priority model.Priority, handlers []string) error {
	now := o.nowFunc()
	for _, h := range handlers {
		task := &model.Task{
			EntityID:   event.EntityID,
			Handler:    h,
			Priority:   priority,
			NotBefore:  now,
			DedupeKey:  event.EntityID + "/" + event.DocumentID + "/" + h,
			DocumentID: event.DocumentID,
			SourceRef:  event.SourceRef,
		}
		if err := o.Enqueue(task); err != nil {
			return err
		}
	}
	return nil
}

// RaiseSignal adjusts polling windows per the signal kind's policy. A
// confirmation bypasses the next poll entirely: a high-priority status task
// is enqueued right away, pointed at the entity's last known document.
func (o *Orchestrator) RaiseSignal(ctx context.Context, entityID string, kind model.SignalKind, confidence, magnitude float64) error {
	if o.windows.RaiseSignal(entityID, kind, confidence, magnitude) {
		return o.Enqueue(&model.Task{
			EntityID:  entityID,
			Handler:   o.confirmationHandler(),
			Priority:  model.PriorityP0,
			NotBefore: o.nowFunc(),
			DedupeKey: entityID + "/confirmation/" + uuid.New().String(),
			SourceRef: o.entitySourceRef(ctx, entityID),
		})
	}
	return nil
}

func (o *Orchestrator) entitySourceRef(ctx context.Context, entityID string) string {
	ent, err := o.store.GetEntity(ctx, entityID)
	if err != nil {
		return ""
	}
	return ent.SourceRef
}

func (o *Orchestrator) confirmationHandler() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pollHandlers) > 0 {
		return o.pollHandlers[0]
	}
	return classify.HandlerLifecycleStatus
}

// Run drives the heartbeat until the context ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	heartbeat := time.Duration(o.cfg.HeartbeatSecs) * time.Second
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	zap.L().Info("orchestrate: heartbeat started",
		zap.Duration("interval", heartbeat),
		zap.Int("workers", o.cfg.Workers),
	)
	for {
		select {
		case <-ctx.Done():
			zap.L().Info("orchestrate: heartbeat stopped")
			return ctx.Err()
		case <-ticker.C:
			o.dedupe.Prune()
			if err := o.Poll(ctx); err != nil {
				zap.L().Error("orchestrate: poll", zap.Error(err))
			}
			if err := o.Tick(ctx); err != nil {
				zap.L().Error("orchestrate: tick", zap.Error(err))
			}
		}
	}
}

// Poll emits one task per tracked entity per poll handler class whenever
// the entity's effective cadence has elapsed.
func (o *Orchestrator) Poll(ctx context.Context) error {
	o.mu.Lock()
	pollHandlers := append([]string(nil), o.pollHandlers...)
	o.mu.Unlock()
	if len(pollHandlers) == 0 {
		return nil
	}

	archived := false
	entities, err := o.store.ListEntities(ctx, store.EntityFilter{Archived: &archived, Limit: 10000})
	if err != nil {
		return eris.Wrap(err, "orchestrate: list entities for poll")
	}

	now := o.nowFunc()
	for _, ent := range entities {
		if ent.Status.IsTerminal() {
			continue
		}
		cadence := o.windows.EffectiveCadence(ent.ID)

		o.mu.Lock()
		last, polled := o.lastPolled[ent.ID]
		due := !polled || now.Sub(last) >= cadence
		if due {
			o.lastPolled[ent.ID] = now
		}
		o.mu.Unlock()
		if !due {
			continue
		}

		for _, h := range pollHandlers {
			task := &model.Task{
				EntityID:  ent.ID,
				Handler:   h,
				Priority:  model.PriorityP2,
				NotBefore: now,
				DedupeKey: ent.ID + "/poll/" + h + "/" + now.Format(time.RFC3339),
				SourceRef: ent.SourceRef,
			}
			if err := o.Enqueue(task); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tick pops every ready task and dispatches. Tasks are grouped by entity:
// groups run in parallel across a bounded pool, tasks inside a group run in
// order, so reconciliation for one entity never races itself.
func (o *Orchestrator) Tick(ctx context.Context) error {
	ready := o.queue.PopReady(o.nowFunc())
	if len(ready) == 0 {
		return nil
	}

	groups := map[string][]*model.Task{}
	var order []string
	for _, t := range ready {
		if _, seen := groups[t.EntityID]; !seen {
			order = append(order, t.EntityID)
		}
		groups[t.EntityID] = append(groups[t.EntityID], t)
	}

	workers := o.cfg.Workers
	if workers <= 0 {
		workers = 8
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, entityID := range order {
		tasks := groups[entityID]
		g.Go(func() error {
			o.processEntityTasks(gctx, entityID, tasks)
			return nil
		})
	}
	return g.Wait()
}

// processEntityTasks runs one entity's tasks serially. Lifecycle statuses
// proposed by the batch are collected and resolved once at the end, so
// conflicting terminal states within the epoch collapse under precedence.
func (o *Orchestrator) processEntityTasks(ctx context.Context, entityID string, tasks []*model.Task) {
	var proposed []model.Status
	trigger := ""
	for _, task := range tasks {
		statuses := o.dispatch(ctx, task)
		if len(statuses) > 0 {
			proposed = append(proposed, statuses...)
			trigger = task.Handler
		}
	}
	if len(proposed) == 0 {
		return
	}
	if _, err := o.engine.ApplyLifecycle(ctx, entityID, proposed, trigger); err != nil {
		if eris.Is(err, reconcile.ErrInvalidTransition) {
			return
		}
		zap.L().Error("orchestrate: apply lifecycle",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	}
}

// dispatch runs a single task and returns any lifecycle statuses its
// assertions proposed.
func (o *Orchestrator) dispatch(ctx context.Context, task *model.Task) []model.Status {
	if o.dedupe.Seen(task.DedupeKey) {
		zap.L().Debug("orchestrate: duplicate task dropped",
			zap.String("dedupe_key", task.DedupeKey),
		)
		return nil
	}

	o.mu.Lock()
	h, ok := o.handlers[task.Handler]
	o.mu.Unlock()
	if !ok {
		// Enqueue validates, so this only happens if a handler was
		// deregistered mid-flight.
		zap.L().Error("orchestrate: no handler for task",
			zap.String("handler", task.Handler),
			zap.String("task_id", task.ID),
		)
		return nil
	}

	assertions, err := h(ctx, task)
	if err != nil {
		o.retry(ctx, task, err)
		return nil
	}
	o.dedupe.Mark(task.DedupeKey)

	// Remember the document this task processed so cadence-driven polls
	// have something to refetch.
	if task.SourceRef != "" {
		if err := o.store.SetEntitySourceRef(ctx, task.EntityID, task.SourceRef); err != nil {
			zap.L().Warn("orchestrate: record source ref",
				zap.String("entity_id", task.EntityID),
				zap.Error(err),
			)
		}
	}

	var statuses []model.Status
	for _, a := range assertions {
		if a.Status != "" {
			statuses = append(statuses, a.Status)
			continue
		}
		_, err := o.engine.Assert(ctx, task.EntityID, a.Attribute, a.Value, a.SourceKind, a.DocumentDate)
		if err != nil && !isBenignRejection(err) {
			zap.L().Error("orchestrate: assert",
				zap.String("entity_id", task.EntityID),
				zap.String("attribute", a.Attribute),
				zap.Error(err),
			)
		}
	}
	return statuses
}

func isBenignRejection(err error) bool {
	return eris.Is(err, reconcile.ErrStaleSource) ||
		eris.Is(err, reconcile.ErrImmutableConflict) ||
		eris.Is(err, reconcile.ErrInvalidComputedWrite)
}

// retry requeues a failed task with exponential backoff and jitter. Past
// the attempt cap the task is marked failed and an anomaly is raised: a
// handler failing this persistently looks like a broken integration, not a
// data problem. Permanent failures skip the backoff schedule entirely.
func (o *Orchestrator) retry(ctx context.Context, task *model.Task, cause error) {
	task.Attempt++
	if task.Attempt < o.retryCfg.MaxAttempts && !resilience.IsPermanent(cause) {
		task.NotBefore = o.nowFunc().Add(resilience.Backoff(task.Attempt, o.retryCfg))
		o.queue.Push(task)
		zap.L().Warn("orchestrate: handler failed, requeued",
			zap.String("handler", task.Handler),
			zap.String("entity_id", task.EntityID),
			zap.Int("attempt", task.Attempt),
			zap.Error(cause),
		)
		return
	}

	if err := o.store.RecordFailedTask(ctx, model.FailedTask{
		EntityID:  task.EntityID,
		Handler:   task.Handler,
		DedupeKey: task.DedupeKey,
		Attempts:  task.Attempt,
		LastError: cause.Error(),
	}); err != nil {
		zap.L().Error("orchestrate: record failed task", zap.Error(err))
	}
	msg := "handler exhausted retry budget"
	if resilience.IsPermanent(cause) {
		msg = "handler failed permanently"
	}
	o.engine.RaiseAnomaly(model.Anomaly{
		Kind:     model.AnomalyHandlerFailing,
		EntityID: task.EntityID,
		Handler:  task.Handler,
		Severity: model.SeverityMedium,
		Message:  msg,
		Details: map[string]any{
			"attempts":   task.Attempt,
			"last_error": cause.Error(),
		},
	})
	zap.L().Error("orchestrate: task permanently failed",
		zap.String("handler", task.Handler),
		zap.String("entity_id", task.EntityID),
		zap.Int("attempts", task.Attempt),
		zap.Error(cause),
	)
}

// QueueDepth reports the number of queued tasks.
func (o *Orchestrator) QueueDepth() int {
	return o.queue.Len()
}
