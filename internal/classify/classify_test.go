package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/monitor-cli/internal/model"
)

func TestClassify_DirectRule(t *testing.T) {
	c := New(nil, 0)

	out, err := c.Classify(model.DisclosureEvent{
		ID: "ev-1", EntityID: "e1", Type: model.EventAnnualReport,
	})
	require.NoError(t, err)
	assert.Equal(t, KindDirect, out.Kind)
	assert.Equal(t, model.PriorityP2, out.Priority)
	assert.Contains(t, out.Handlers, HandlerTrustBalance)
	assert.Contains(t, out.Handlers, HandlerShareCount)
	assert.Equal(t, 1.0, out.Confidence)
}

func TestClassify_UnknownType(t *testing.T) {
	c := New(nil, 0)

	out, err := c.Classify(model.DisclosureEvent{
		ID: "ev-2", EntityID: "e1", Type: model.EventType("mystery_form"),
	})
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, out.Kind)
	assert.Equal(t, model.PriorityP3, out.Priority)
	assert.Empty(t, out.Handlers)
}

func TestClassify_CompositeFallback_UnionsHandlers(t *testing.T) {
	c := New(nil, 0)

	out, err := c.Classify(model.DisclosureEvent{
		ID: "ev-3", EntityID: "e1", Type: model.EventCompositeFiling,
		Summary: "Entity entered into a definitive merger agreement; shareholders may seek redemption of their shares.",
	})
	require.NoError(t, err)
	assert.Equal(t, KindFallback, out.Kind)
	// Handlers of every matched sub-item are unioned; none is skipped.
	assert.Contains(t, out.Handlers, HandlerDealTerms)
	assert.Contains(t, out.Handlers, HandlerLifecycleStatus)
	assert.Contains(t, out.Handlers, HandlerRedemptions)
	assert.Contains(t, out.Handlers, HandlerTrustBalance)
	// Priority is the highest of the matched sub-items.
	assert.Equal(t, model.PriorityP0, out.Priority)
	assert.GreaterOrEqual(t, out.Confidence, 0.6)
}

func TestClassify_CompositeFallback_NoMatchRoutesToStatus(t *testing.T) {
	c := New(nil, 0)

	out, err := c.Classify(model.DisclosureEvent{
		ID: "ev-4", EntityID: "e1", Type: model.EventCompositeFiling,
		Summary: "Departure of directors; appointment of certain officers.",
	})
	require.NoError(t, err)
	assert.Equal(t, KindFallback, out.Kind)
	assert.Equal(t, model.PriorityP2, out.Priority)
	assert.Equal(t, []string{HandlerLifecycleStatus}, out.Handlers)
	assert.Zero(t, out.Confidence)
}

func TestClassify_ConfidenceFloorFiltersGuesses(t *testing.T) {
	sub := stubSubClassifier{guesses: []SubItemGuess{
		{SubItem: "weak", Confidence: 0.3, Priority: model.PriorityP0, Handlers: []string{HandlerDealTerms}},
		{SubItem: "strong", Confidence: 0.8, Priority: model.PriorityP1, Handlers: []string{HandlerRedemptions}},
	}}
	c := New(sub, 0.5)

	out, err := c.Classify(model.DisclosureEvent{Type: model.EventCompositeFiling, Summary: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{HandlerRedemptions}, out.Handlers)
	assert.Equal(t, model.PriorityP1, out.Priority)
}

func TestKeywordClassifier_ConfidenceGrowsWithHits(t *testing.T) {
	k := NewKeywordClassifier()

	one, err := k.Guess("notice of redemption rights")
	require.NoError(t, err)
	require.Len(t, one, 1)

	two, err := k.Guess("holders may redeem shares; the redemption deadline is near")
	require.NoError(t, err)
	require.Len(t, two, 1)

	assert.Greater(t, two[0].Confidence, one[0].Confidence)
}

func TestHandlers_CoversTables(t *testing.T) {
	names := Handlers()
	assert.Contains(t, names, HandlerCompletion)
	assert.Contains(t, names, HandlerTrustBalance)
	assert.Contains(t, names, HandlerLifecycleStatus)
}

func TestOutcome_Record(t *testing.T) {
	out := Outcome{Kind: KindDirect, Priority: model.PriorityP1, Handlers: []string{HandlerDealTerms}, Confidence: 1.0, Reason: "rule"}
	rec := out.Record(model.DisclosureEvent{ID: "ev-9", EntityID: "e2", Type: model.EventCurrentReport})

	assert.Equal(t, "ev-9", rec.EventID)
	assert.Equal(t, "e2", rec.EntityID)
	assert.Equal(t, "direct", rec.Kind)
	assert.Equal(t, model.PriorityP1, rec.Priority)
}

type stubSubClassifier struct {
	guesses []SubItemGuess
}

func (s stubSubClassifier) Guess(string) ([]SubItemGuess, error) {
	return s.guesses, nil
}
