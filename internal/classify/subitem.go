package classify

import (
	"strings"

	"github.com/sells-group/monitor-cli/internal/model"
)

// SubItemGuess is one weighted guess at what a composite filing contains.
type SubItemGuess struct {
	SubItem    string
	Confidence float64
	Priority   model.Priority
	Handlers   []string
}

// SubItemClassifier inspects a composite filing's summary text and returns
// weighted sub-item guesses. Implementations may be remote, hence the error.
type SubItemClassifier interface {
	Guess(summary string) ([]SubItemGuess, error)
}

type subItemRule struct {
	name     string
	keywords []string
	priority model.Priority
	handlers []string
}

// subItemTable drives the default keyword matcher. Keywords are matched
// case-insensitively as substrings, so stems like "terminat" cover both
// "terminated" and "termination".
var subItemTable = []subItemRule{
	{
		name:     "deal_announcement",
		keywords: []string{"merger agreement", "business combination", "definitive agreement", "letter of intent"},
		priority: model.PriorityP0,
		handlers: []string{HandlerLifecycleStatus, HandlerDealTerms},
	},
	{
		name:     "completion",
		keywords: []string{"closing of the", "consummat", "completed the"},
		priority: model.PriorityP0,
		handlers: []string{HandlerCompletion, HandlerLifecycleStatus},
	},
	{
		name:     "termination",
		keywords: []string{"terminat", "mutual agreement to end"},
		priority: model.PriorityP0,
		handlers: []string{HandlerLifecycleStatus},
	},
	{
		name:     "liquidation",
		keywords: []string{"liquidat", "dissolution", "trust distribution", "wind down"},
		priority: model.PriorityP1,
		handlers: []string{HandlerLifecycleStatus, HandlerTrustBalance},
	},
	{
		name:     "extension",
		keywords: []string{"extension", "extend the deadline", "charter amendment"},
		priority: model.PriorityP1,
		handlers: []string{HandlerExtensionVotes},
	},
	{
		name:     "redemption",
		keywords: []string{"redemption", "redeem"},
		priority: model.PriorityP1,
		handlers: []string{HandlerRedemptions, HandlerTrustBalance},
	},
	{
		name:     "delisting",
		keywords: []string{"delist", "notice from the exchange"},
		priority: model.PriorityP2,
		handlers: []string{HandlerLifecycleStatus},
	},
}

// KeywordClassifier is the default SubItemClassifier: substring matching
// against a fixed keyword table. Confidence grows with the number of
// distinct keyword hits for a sub-item.
type KeywordClassifier struct {
	table []subItemRule
}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{table: subItemTable}
}

func (k *KeywordClassifier) Guess(summary string) ([]SubItemGuess, error) {
	text := strings.ToLower(summary)

	var guesses []SubItemGuess
	for _, rule := range k.table {
		hits := 0
		for _, kw := range rule.keywords {
			if strings.Contains(text, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		confidence := 0.6 + 0.15*float64(hits-1)
		if confidence > 0.95 {
			confidence = 0.95
		}
		guesses = append(guesses, SubItemGuess{
			SubItem:    rule.name,
			Confidence: confidence,
			Priority:   rule.priority,
			Handlers:   append([]string(nil), rule.handlers...),
		})
	}
	return guesses, nil
}
