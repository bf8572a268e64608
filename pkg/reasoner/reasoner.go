// Package reasoner generates root-cause hypotheses for investigation cases.
// The Anthropic-backed implementation is optional: the engine works with the
// static fallback, just with weaker hypothesis quality.
package reasoner

import (
	"context"
	"sort"

	"github.com/sells-group/monitor-cli/internal/model"
)

// Context is everything the reasoner gets to see about an anomaly cluster.
type Context struct {
	Anomaly    model.Anomaly                   `json:"anomaly"`
	Related    []model.Anomaly                 `json:"related,omitempty"`
	EntityID   string                          `json:"entity_id"`
	Status     model.Status                    `json:"status"`
	Attributes map[string]model.AttributeValue `json:"attributes,omitempty"`
	Recent     []model.Assertion               `json:"recent_assertions,omitempty"`
}

// Reasoner produces 3-5 candidate root causes ranked by prior likelihood.
type Reasoner interface {
	Hypothesize(ctx context.Context, c Context) ([]model.Hypothesis, error)
}

// StaticReasoner returns fixed priors per anomaly kind. It is the fallback
// when no API key is configured or the remote call fails.
type StaticReasoner struct{}

func NewStaticReasoner() *StaticReasoner {
	return &StaticReasoner{}
}

var staticPriors = map[model.AnomalyKind][]model.Hypothesis{
	model.AnomalyInvariantViolation: {
		{Cause: "unit mismatch between sources (thousands vs units)", Likelihood: 0.35,
			VerificationSteps: []string{"compare magnitudes across recent assertions", "refetch highest-rank document"}},
		{Cause: "stale lower-rank value accepted before higher-rank arrived", Likelihood: 0.25,
			VerificationSteps: []string{"inspect ledger ordering for the attribute"}},
		{Cause: "extraction error in the asserting handler", Likelihood: 0.20,
			VerificationSteps: []string{"refetch source document", "compare against sibling attributes"}},
	},
	model.AnomalyTemporalOrdering: {
		{Cause: "document dated in the future or misparsed date", Likelihood: 0.40,
			VerificationSteps: []string{"inspect document dates in the ledger"}},
		{Cause: "late-arriving amendment overwrote newer data", Likelihood: 0.30,
			VerificationSteps: []string{"compare document dates of last two accepted assertions"}},
	},
	model.AnomalyIdentityMismatch: {
		{Cause: "two entities conflated under one identifier", Likelihood: 0.45,
			VerificationSteps: []string{"cross-check identifier against external reference"}},
		{Cause: "identifier re-used after restructuring", Likelihood: 0.25,
			VerificationSteps: []string{"inspect lifecycle audit for the entity"}},
	},
	model.AnomalyLifecycleConflict: {
		{Cause: "handlers observed different filings for the same underlying event", Likelihood: 0.40,
			VerificationSteps: []string{"list lifecycle proposals in the current epoch"}},
		{Cause: "out-of-order processing of a corrected filing", Likelihood: 0.30,
			VerificationSteps: []string{"inspect ledger ordering for status-bearing documents"}},
	},
	model.AnomalyHandlerFailing: {
		{Cause: "upstream source changed format or moved", Likelihood: 0.45,
			VerificationSteps: []string{"refetch source document", "inspect last handler error"}},
		{Cause: "rate limiting or outage at the source host", Likelihood: 0.30,
			VerificationSteps: []string{"inspect last handler error"}},
		{Cause: "entity no longer publishes this document type", Likelihood: 0.15,
			VerificationSteps: []string{"inspect lifecycle audit for the entity"}},
	},
}

func (s *StaticReasoner) Hypothesize(_ context.Context, c Context) ([]model.Hypothesis, error) {
	hyps := append([]model.Hypothesis(nil), staticPriors[c.Anomaly.Kind]...)
	if len(hyps) == 0 {
		hyps = []model.Hypothesis{{
			Cause:             "unrecognized anomaly pattern",
			Likelihood:        0.10,
			VerificationSteps: []string{"refetch highest-rank document"},
		}}
	}
	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].Likelihood > hyps[j].Likelihood })
	return hyps, nil
}
