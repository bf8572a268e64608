package investigate

import (
	"context"
	"fmt"
	"math"
	"reflect"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/notify"
	"github.com/sells-group/monitor-cli/internal/reconcile"
	"github.com/sells-group/monitor-cli/internal/store"
	"github.com/sells-group/monitor-cli/pkg/reasoner"
)

// Engine is the seven-stage investigation state machine: detect,
// hypothesize, collect evidence, diagnose, fix, prevent, document. It runs
// as a background consumer of anomaly events and never blocks the producers.
type Engine struct {
	store     store.Store
	reconcile *reconcile.Engine
	reasoner  reasoner.Reasoner
	fallback  *reasoner.StaticReasoner
	lookup    Lookup
	notifier  notify.Notifier
	cfg       config.InvestigateConfig
}

func New(st store.Store, rec *reconcile.Engine, rsn reasoner.Reasoner, lookup Lookup, notifier notify.Notifier, cfg config.InvestigateConfig) *Engine {
	if rsn == nil {
		rsn = reasoner.NewStaticReasoner()
	}
	if cfg.MaxHypotheses <= 0 {
		cfg.MaxHypotheses = 5
	}
	if cfg.AutoFixThreshold <= 0 {
		cfg.AutoFixThreshold = 0.85
	}
	return &Engine{
		store:     st,
		reconcile: rec,
		reasoner:  rsn,
		fallback:  reasoner.NewStaticReasoner(),
		lookup:    lookup,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// Run consumes anomalies until the context ends. Anomalies below the
// severity gate are logged and dropped; anomalies matching an open case's
// cluster attach to it instead of spawning a new one.
func (e *Engine) Run(ctx context.Context, anomalies <-chan model.Anomaly) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case a, ok := <-anomalies:
			if !ok {
				return nil
			}
			if err := e.Consume(ctx, a); err != nil {
				zap.L().Error("investigate: consume anomaly",
					zap.String("entity_id", a.EntityID),
					zap.Error(err),
				)
			}
		}
	}
}

// Consume routes one anomaly: severity gate, then cluster attach or a full
// investigation.
func (e *Engine) Consume(ctx context.Context, a model.Anomaly) error {
	if int(a.Severity) < e.cfg.MinSeverity {
		zap.L().Debug("investigate: anomaly below severity gate",
			zap.String("entity_id", a.EntityID),
			zap.Int("severity", int(a.Severity)),
		)
		return nil
	}

	open, err := e.store.ListCases(ctx, store.CaseFilter{EntityID: a.EntityID, Open: true})
	if err != nil {
		return eris.Wrap(err, "investigate: list open cases")
	}
	for i := range open {
		if open[i].Anomaly.ClusterKey() == a.ClusterKey() {
			open[i].Related = append(open[i].Related, a)
			return e.store.UpdateCase(ctx, &open[i])
		}
	}

	_, err = e.Investigate(ctx, a)
	return err
}

// Investigate runs the full pipeline for one anomaly and returns the
// documented case. A case never silently disappears: every exit path lands
// in a persisted status.
func (e *Engine) Investigate(ctx context.Context, a model.Anomaly) (*model.Case, error) {
	// Stage 1: detect. The anomaly passed the gate; open the case.
	c := &model.Case{
		EntityID: a.EntityID,
		Anomaly:  a,
		Status:   model.CaseDetected,
	}
	if err := e.store.CreateCase(ctx, c); err != nil {
		return nil, eris.Wrap(err, "investigate: create case")
	}
	zap.L().Info("investigate: case opened",
		zap.String("case_id", c.ID),
		zap.String("entity_id", a.EntityID),
		zap.String("kind", string(a.Kind)),
	)

	rctx := e.buildContext(ctx, a)

	// Stage 2: hypothesize. A failing reasoner degrades to static priors;
	// it never kills the case.
	c.Status = model.CaseHypothesizing
	hyps, err := e.reasoner.Hypothesize(ctx, rctx)
	if err != nil {
		zap.L().Warn("investigate: reasoner failed, using static priors",
			zap.String("case_id", c.ID),
			zap.Error(err),
		)
		hyps, _ = e.fallback.Hypothesize(ctx, rctx)
	}
	if len(hyps) > e.cfg.MaxHypotheses {
		hyps = hyps[:e.cfg.MaxHypotheses]
	}
	c.Hypotheses = hyps

	// Stage 3: collect evidence for the top-ranked hypotheses.
	c.Status = model.CaseCollecting
	c.Evidence = e.collect(ctx, rctx, hyps)

	// Stage 4: diagnose.
	c.Status = model.CaseDiagnosing
	c.Diagnosis = diagnose(hyps, c.Evidence)

	// Stages 5-7 share the documentation path below.
	if err := e.resolve(ctx, c); err != nil {
		return nil, err
	}
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, eris.Wrap(err, "investigate: document case")
	}
	return c, nil
}

func (e *Engine) buildContext(ctx context.Context, a model.Anomaly) reasoner.Context {
	rctx := reasoner.Context{Anomaly: a, EntityID: a.EntityID}
	if ent, err := e.store.GetEntity(ctx, a.EntityID); err == nil {
		rctx.Status = ent.Status
		rctx.Attributes = ent.Attributes
	}
	if a.Attribute != "" {
		if recent, err := e.store.ListAssertions(ctx, a.EntityID, a.Attribute); err == nil {
			if len(recent) > 10 {
				recent = recent[len(recent)-10:]
			}
			rctx.Recent = recent
		}
	}
	return rctx
}

// collect executes verification steps for the top two hypotheses. A failed
// step is recorded as non-supporting evidence, not an aborted case.
func (e *Engine) collect(ctx context.Context, rctx reasoner.Context, hyps []model.Hypothesis) []model.Evidence {
	var evidence []model.Evidence
	top := hyps
	if len(top) > 2 {
		top = top[:2]
	}
	for _, h := range top {
		for _, step := range h.VerificationSteps {
			ev, err := e.lookup.Run(ctx, step, rctx)
			ev.Hypothesis = h.Cause
			if err != nil {
				ev.Result = fmt.Sprintf("step failed: %v", err)
				ev.Supports = false
			}
			evidence = append(evidence, ev)
		}
	}
	return evidence
}

// diagnose applies deterministic rules: each hypothesis scores half on its
// prior and half on the fraction of its evidence that supports it. Below
// 0.5 the case is unresolved.
func diagnose(hyps []model.Hypothesis, evidence []model.Evidence) *model.Diagnosis {
	best := &model.Diagnosis{Unresolved: true, Rationale: "no hypothesis reached the confidence bar"}
	for _, h := range hyps {
		supports, total := 0, 0
		for _, ev := range evidence {
			if ev.Hypothesis != h.Cause {
				continue
			}
			total++
			if ev.Supports {
				supports++
			}
		}
		if total == 0 {
			continue
		}
		score := 0.5*h.Likelihood + 0.5*float64(supports)/float64(total)
		if best.Unresolved || score > best.Confidence {
			if score >= 0.5 {
				best = &model.Diagnosis{
					Cause:      h.Cause,
					Confidence: math.Round(score*100) / 100,
					Rationale:  fmt.Sprintf("%d/%d verification steps support the hypothesis", supports, total),
				}
			}
		}
	}
	return best
}

// resolve covers stages 5-7: fix (auto or pending approval), prevent, and
// the terminal status. The case body is persisted by the caller.
func (e *Engine) resolve(ctx context.Context, c *model.Case) error {
	if c.Diagnosis.Unresolved {
		return e.escalate(ctx, c)
	}

	fix := e.planFix(ctx, c)
	if fix == nil {
		return e.escalate(ctx, c)
	}
	if err := e.store.CreatePendingFix(ctx, fix); err != nil {
		return eris.Wrap(err, "investigate: persist fix")
	}
	c.FixToken = fix.Token

	if c.Diagnosis.Confidence >= e.cfg.AutoFixThreshold {
		if err := e.applyFix(ctx, fix); err != nil {
			zap.L().Error("investigate: auto-fix failed",
				zap.String("case_id", c.ID),
				zap.Error(err),
			)
			return e.escalate(ctx, c)
		}
		c.Status = model.CaseFixedAuto
		e.prevent(ctx, c)
		zap.L().Info("investigate: case auto-fixed",
			zap.String("case_id", c.ID),
			zap.Float64("confidence", c.Diagnosis.Confidence),
		)
		return nil
	}

	// Below the threshold a human approves before anything is applied.
	c.Status = model.CaseFixPending
	if e.notifier != nil {
		_, err := e.notifier.Notify(ctx, notify.Message{
			Subject:          fmt.Sprintf("fix pending approval: %s", c.Diagnosis.Cause),
			EntityID:         c.EntityID,
			CaseID:           c.ID,
			Observed:         c.Anomaly.Message,
			Tried:            triedSteps(c.Evidence),
			Evidence:         c.Evidence,
			ProposedFixToken: fix.Token,
			RequiresApproval: true,
			ApprovalToken:    fix.Token,
		})
		if err != nil {
			zap.L().Error("investigate: approval notification failed",
				zap.String("case_id", c.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// planFix proposes a corrective action from the diagnosis. Handler failures
// are integration problems, not data problems: nothing to fix here. For
// data anomalies the highest-rank accepted assertion that disagrees with
// the current value is re-asserted at investigation rank.
func (e *Engine) planFix(ctx context.Context, c *model.Case) *model.ProposedFix {
	if c.Anomaly.Kind == model.AnomalyHandlerFailing || c.Anomaly.Attribute == "" {
		return nil
	}

	ledger, err := e.store.ListAssertions(ctx, c.EntityID, c.Anomaly.Attribute)
	if err != nil {
		zap.L().Error("investigate: plan fix", zap.Error(err))
		return nil
	}
	ent, err := e.store.GetEntity(ctx, c.EntityID)
	if err != nil {
		return nil
	}
	current, _ := ent.Attribute(c.Anomaly.Attribute)

	var best *model.Assertion
	for i := range ledger {
		a := &ledger[i]
		if !a.Accepted || a.SourceKind == model.SourceInvestigation {
			continue
		}
		if best == nil || a.SourceRank > best.SourceRank {
			best = a
		}
	}
	// Values carry arbitrary decoded JSON, including maps and slices, so
	// interface equality would panic on uncomparable types.
	if best == nil || reflect.DeepEqual(best.Value, current.Value) {
		return nil
	}

	return &model.ProposedFix{
		CaseID:   c.ID,
		EntityID: c.EntityID,
		Assertions: []model.AssertionInput{{
			Attribute:  c.Anomaly.Attribute,
			Value:      best.Value,
			SourceKind: model.SourceInvestigation,
		}},
		Summary: fmt.Sprintf("restate %s from rank-%d %s assertion", c.Anomaly.Attribute, best.SourceRank, best.SourceKind),
	}
}

func (e *Engine) applyFix(ctx context.Context, fix *model.ProposedFix) error {
	for _, a := range fix.Assertions {
		if _, err := e.reconcile.Assert(ctx, fix.EntityID, a.Attribute, a.Value, model.SourceInvestigation, a.DocumentDate); err != nil {
			return eris.Wrapf(err, "investigate: apply assertion %s", a.Attribute)
		}
	}
	if fix.ResetStatus != "" {
		if _, err := e.reconcile.ApplyLifecycle(ctx, fix.EntityID, []model.Status{fix.ResetStatus}, "investigation"); err != nil {
			return eris.Wrap(err, "investigate: reset lifecycle")
		}
	}
	return eris.Wrap(e.store.MarkFixApplied(ctx, fix.Token), "investigate: mark fix applied")
}

// ApproveFix applies a pending fix after human approval. The token is
// single-use; a second approval fails.
func (e *Engine) ApproveFix(ctx context.Context, token string) (*model.Case, error) {
	fix, err := e.store.GetPendingFix(ctx, token)
	if err != nil {
		return nil, err
	}
	if fix.Applied {
		return nil, eris.Errorf("investigate: fix %s already applied", token)
	}

	c, err := e.store.GetCase(ctx, fix.CaseID)
	if err != nil {
		return nil, err
	}
	if err := e.applyFix(ctx, fix); err != nil {
		return nil, err
	}
	c.Status = model.CaseFixedApproved
	e.prevent(ctx, c)
	if err := e.store.UpdateCase(ctx, c); err != nil {
		return nil, eris.Wrap(err, "investigate: document approved case")
	}
	zap.L().Info("investigate: fix approved and applied",
		zap.String("case_id", c.ID),
		zap.String("token", token),
	)
	return c, nil
}

// prevent registers a recurrence watch anchored to the corrected value, so
// a later write that regresses the attribute raises an anomaly immediately
// instead of waiting for the original symptom to reappear.
func (e *Engine) prevent(ctx context.Context, c *model.Case) {
	if c.Anomaly.Attribute == "" {
		return
	}
	ent, err := e.store.GetEntity(ctx, c.EntityID)
	if err != nil {
		zap.L().Warn("investigate: prevention baseline unavailable", zap.Error(err))
		return
	}
	baseline, ok := ent.Attribute(c.Anomaly.Attribute)
	if !ok {
		return
	}

	rule := "recurrence_watch:" + c.Anomaly.ClusterKey()
	attr := c.Anomaly.Attribute
	base, baseNumeric := asFloat(baseline.Value)
	e.reconcile.Invariants().Register(reconcile.Invariant{
		Name:       rule,
		Attributes: []string{attr},
		Severity:   model.SeverityMedium,
		Check: func(ent *model.Entity) (bool, string) {
			av, ok := ent.Attribute(attr)
			if !ok {
				return true, ""
			}
			if baseNumeric {
				v, numeric := asFloat(av.Value)
				if !numeric || base == 0 {
					return true, ""
				}
				ratio := math.Abs(v / base)
				if ratio >= 100 || ratio <= 0.01 {
					return false, fmt.Sprintf("%s regressed two orders of magnitude from the corrected value %v", attr, baseline.Value)
				}
				return true, ""
			}
			if !reflect.DeepEqual(av.Value, baseline.Value) {
				return false, fmt.Sprintf("%s displaced the corrected value %v", attr, baseline.Value)
			}
			return true, ""
		},
	})
	c.PreventionRule = rule
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// escalate closes the case as escalated_unresolved with everything a human
// needs: what was observed, what was tried, what evidence came back.
func (e *Engine) escalate(ctx context.Context, c *model.Case) error {
	c.Status = model.CaseEscalated
	if e.notifier == nil {
		return nil
	}
	_, err := e.notifier.Notify(ctx, notify.Message{
		Subject:  fmt.Sprintf("unresolved anomaly: %s on %s", c.Anomaly.Kind, c.EntityID),
		EntityID: c.EntityID,
		CaseID:   c.ID,
		Observed: c.Anomaly.Message,
		Tried:    triedSteps(c.Evidence),
		Evidence: c.Evidence,
	})
	if err != nil {
		zap.L().Error("investigate: escalation notification failed",
			zap.String("case_id", c.ID),
			zap.Error(err),
		)
	}
	return nil
}

func triedSteps(evidence []model.Evidence) []string {
	seen := map[string]struct{}{}
	var steps []string
	for _, ev := range evidence {
		if _, ok := seen[ev.Step]; ok {
			continue
		}
		seen[ev.Step] = struct{}{}
		steps = append(steps, ev.Step)
	}
	return steps
}
