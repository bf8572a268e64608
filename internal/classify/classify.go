package classify

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/model"
)

// Handler names dispatched by the orchestrator. The dispatch registry must
// cover every name listed here; a rule table referencing an unregistered
// handler is a configuration error caught at startup.
const (
	HandlerLifecycleStatus = "lifecycle_status"
	HandlerDealTerms       = "deal_terms"
	HandlerTrustBalance    = "trust_balance"
	HandlerShareCount      = "share_count"
	HandlerRedemptions     = "redemptions"
	HandlerExtensionVotes  = "extension_votes"
	HandlerEntityProfile   = "entity_profile"
	HandlerCompletion      = "completion"
)

// OutcomeKind tags how a classification was arrived at.
type OutcomeKind string

const (
	KindDirect   OutcomeKind = "direct"
	KindFallback OutcomeKind = "fallback"
	KindUnknown  OutcomeKind = "unknown"
)

// Outcome is a classification result. Kind distinguishes rule-table hits,
// sub-item fallback guesses, and unknown event types.
type Outcome struct {
	Kind       OutcomeKind
	Priority   model.Priority
	Handlers   []string
	Confidence float64
	Reason     string
}

type rule struct {
	priority model.Priority
	handlers []string
}

// ruleTable maps unambiguous event types to their routing. Composite filings
// are absent on purpose: their routing depends on the sub-item, which only
// the summary text reveals.
var ruleTable = map[model.EventType]rule{
	model.EventAnnualReport:    {model.PriorityP2, []string{HandlerTrustBalance, HandlerShareCount, HandlerEntityProfile}},
	model.EventQuarterlyReport: {model.PriorityP2, []string{HandlerTrustBalance, HandlerShareCount}},
	model.EventCurrentReport:   {model.PriorityP1, []string{HandlerLifecycleStatus, HandlerDealTerms}},
	model.EventProxyStatement:  {model.PriorityP1, []string{HandlerExtensionVotes, HandlerRedemptions}},
	model.EventTenderOffer:     {model.PriorityP1, []string{HandlerRedemptions}},
	model.EventRegistration:    {model.PriorityP2, []string{HandlerEntityProfile}},
	model.EventPressRelease:    {model.PriorityP1, []string{HandlerLifecycleStatus}},
}

// DefaultConfidenceFloor is the minimum sub-item guess confidence whose
// handlers are included in a fallback outcome. False negatives (a missed
// handler) cost more than false positives (a wasted handler call), so the
// floor is deliberately permissive.
const DefaultConfidenceFloor = 0.5

// Classifier maps disclosure events to priorities and handler sets.
// Classify is pure; recording the outcome for audit is the caller's job.
type Classifier struct {
	sub   SubItemClassifier
	floor float64
}

// New creates a Classifier. A nil sub falls back to the keyword matcher;
// a non-positive floor falls back to DefaultConfidenceFloor.
func New(sub SubItemClassifier, floor float64) *Classifier {
	if sub == nil {
		sub = NewKeywordClassifier()
	}
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	return &Classifier{sub: sub, floor: floor}
}

// Classify routes an event to a priority and handler set. Unknown event
// types get the lowest priority and zero handlers; they are logged, never
// dropped.
func (c *Classifier) Classify(event model.DisclosureEvent) (Outcome, error) {
	if r, ok := ruleTable[event.Type]; ok {
		return Outcome{
			Kind:       KindDirect,
			Priority:   r.priority,
			Handlers:   append([]string(nil), r.handlers...),
			Confidence: 1.0,
			Reason:     fmt.Sprintf("rule table: %s", event.Type),
		}, nil
	}

	if event.Type == model.EventCompositeFiling {
		return c.classifyComposite(event)
	}

	zap.L().Warn("classify: unknown event type",
		zap.String("event_id", event.ID),
		zap.String("entity_id", event.EntityID),
		zap.String("type", string(event.Type)),
	)
	return Outcome{
		Kind:     KindUnknown,
		Priority: model.PriorityP3,
		Reason:   fmt.Sprintf("unknown event type %q", event.Type),
	}, nil
}

func (c *Classifier) classifyComposite(event model.DisclosureEvent) (Outcome, error) {
	guesses, err := c.sub.Guess(event.Summary)
	if err != nil {
		return Outcome{}, err
	}

	handlers := map[string]struct{}{}
	best := model.PriorityP3
	top := 0.0
	var matched []string
	for _, g := range guesses {
		if g.Confidence < c.floor {
			continue
		}
		matched = append(matched, g.SubItem)
		for _, h := range g.Handlers {
			handlers[h] = struct{}{}
		}
		if g.Priority.Rank() < best.Rank() {
			best = g.Priority
		}
		if g.Confidence > top {
			top = g.Confidence
		}
	}

	if len(handlers) == 0 {
		// Nothing plausible in the summary. Route to the status handler at
		// reduced priority so the filing is still looked at.
		zap.L().Debug("classify: composite filing matched no sub-item",
			zap.String("event_id", event.ID),
			zap.String("entity_id", event.EntityID),
		)
		return Outcome{
			Kind:       KindFallback,
			Priority:   model.PriorityP2,
			Handlers:   []string{HandlerLifecycleStatus},
			Confidence: 0.0,
			Reason:     "composite filing: no sub-item matched",
		}, nil
	}

	names := make([]string, 0, len(handlers))
	for h := range handlers {
		names = append(names, h)
	}
	sort.Strings(names)

	return Outcome{
		Kind:       KindFallback,
		Priority:   best,
		Handlers:   names,
		Confidence: top,
		Reason:     fmt.Sprintf("composite filing: matched %v", matched),
	}, nil
}

// Handlers returns every handler name the rule and sub-item tables can
// produce. Wiring code validates the dispatch registry against it at
// startup.
func Handlers() []string {
	set := map[string]struct{}{}
	for _, r := range ruleTable {
		for _, h := range r.handlers {
			set[h] = struct{}{}
		}
	}
	for _, s := range subItemTable {
		for _, h := range s.handlers {
			set[h] = struct{}{}
		}
	}
	names := make([]string, 0, len(set))
	for h := range set {
		names = append(names, h)
	}
	sort.Strings(names)
	return names
}

// Record converts an outcome to its audit form.
func (o Outcome) Record(event model.DisclosureEvent) model.ClassificationRecord {
	return model.ClassificationRecord{
		EventID:    event.ID,
		EntityID:   event.EntityID,
		EventType:  event.Type,
		Kind:       string(o.Kind),
		Priority:   o.Priority,
		Handlers:   o.Handlers,
		Confidence: o.Confidence,
		Reason:     o.Reason,
	}
}
