package reasoner

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/config"
	"github.com/sells-group/monitor-cli/internal/model"
)

const systemPrompt = `You are a data-quality analyst for a financial disclosure monitoring system.
Given an anomaly about a tracked entity, list the most plausible root causes.
Respond with ONLY a JSON array, no prose, where each element is:
{"cause": string, "likelihood": number between 0 and 1, "verification_steps": [string]}
Order by likelihood descending. Return between 3 and 5 elements.
Verification steps must be drawn from: "refetch highest-rank document",
"refetch source document", "inspect ledger ordering for the attribute",
"inspect document dates in the ledger", "compare magnitudes across recent assertions",
"compare against sibling attributes", "cross-check identifier against external reference",
"inspect lifecycle audit for the entity", "inspect last handler error".`

// AnthropicReasoner asks a model for ranked root-cause hypotheses. Any
// failure, transport or parse, surfaces as an error so the caller can fall
// back to static priors.
type AnthropicReasoner struct {
	client sdk.Client
	cfg    config.AnthropicConfig
	max    int
}

func NewAnthropicReasoner(cfg config.AnthropicConfig, maxHypotheses int) *AnthropicReasoner {
	if maxHypotheses <= 0 {
		maxHypotheses = 5
	}
	return &AnthropicReasoner{
		client: sdk.NewClient(option.WithAPIKey(cfg.Key)),
		cfg:    cfg,
		max:    maxHypotheses,
	}
}

func (r *AnthropicReasoner) Hypothesize(ctx context.Context, c Context) ([]model.Hypothesis, error) {
	payload, err := json.Marshal(c)
	if err != nil {
		return nil, eris.Wrap(err, "reasoner: marshal context")
	}

	maxTokens := int64(r.cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	msg, err := r.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(r.cfg.Model),
		MaxTokens: maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "reasoner: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	hyps, err := parseHypotheses(text.String())
	if err != nil {
		return nil, err
	}
	if len(hyps) > r.max {
		hyps = hyps[:r.max]
	}

	zap.L().Debug("reasoner: hypotheses generated",
		zap.String("entity_id", c.EntityID),
		zap.Int("count", len(hyps)),
		zap.Int64("input_tokens", msg.Usage.InputTokens),
		zap.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return hyps, nil
}

// parseHypotheses extracts the JSON array from the response, tolerating
// code fences around it.
func parseHypotheses(raw string) ([]model.Hypothesis, error) {
	raw = strings.TrimSpace(raw)
	if start := strings.Index(raw, "["); start >= 0 {
		if end := strings.LastIndex(raw, "]"); end > start {
			raw = raw[start : end+1]
		}
	}

	var hyps []model.Hypothesis
	if err := json.Unmarshal([]byte(raw), &hyps); err != nil {
		return nil, eris.Wrap(err, "reasoner: parse hypotheses")
	}
	if len(hyps) == 0 {
		return nil, eris.New("reasoner: empty hypothesis list")
	}
	for i := range hyps {
		if hyps[i].Likelihood < 0 {
			hyps[i].Likelihood = 0
		}
		if hyps[i].Likelihood > 1 {
			hyps[i].Likelihood = 1
		}
	}
	sort.SliceStable(hyps, func(i, j int) bool { return hyps[i].Likelihood > hyps[j].Likelihood })
	return hyps, nil
}
