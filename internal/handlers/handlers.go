package handlers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/classify"
	"github.com/sells-group/monitor-cli/internal/fetcher"
	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/orchestrate"
	"github.com/sells-group/monitor-cli/internal/resilience"
)

// document is the wire shape of a disclosure document. Sources publish a
// typed envelope with a flat attribute map; each handler class extracts only
// the fields it owns.
type document struct {
	Type         string         `json:"type"`
	DocumentDate string         `json:"document_date"`
	Status       string         `json:"status,omitempty"`
	Attributes   map[string]any `json:"attributes"`
}

// fieldsByHandler maps each handler class to the attributes it extracts.
var fieldsByHandler = map[string][]string{
	classify.HandlerTrustBalance:   {"trust_cash"},
	classify.HandlerShareCount:     {"shares_outstanding", "shares_public"},
	classify.HandlerRedemptions:    {"shares_redeemed", "redemption_price"},
	classify.HandlerDealTerms:      {"deal_value", "target_name", "deal_structure"},
	classify.HandlerExtensionVotes: {"extension_deadline", "extension_votes_for"},
	classify.HandlerEntityProfile:  {"entity_name", "identifier_code", "listing_exchange"},
}

// statusHandlers read the lifecycle field instead of attributes.
var statusHandlers = map[string]struct{}{
	classify.HandlerLifecycleStatus: {},
	classify.HandlerCompletion:      {},
}

// DocumentHandlers turns disclosure documents into assertions, one handler
// per extraction class.
type DocumentHandlers struct {
	fetch fetcher.DocumentFetcher
}

func New(fetch fetcher.DocumentFetcher) *DocumentHandlers {
	return &DocumentHandlers{fetch: fetch}
}

// RegisterAll wires every handler class into the orchestrator.
func (h *DocumentHandlers) RegisterAll(o *orchestrate.Orchestrator) {
	for name := range fieldsByHandler {
		o.RegisterHandler(name, h.handlerFor(name))
	}
	for name := range statusHandlers {
		o.RegisterHandler(name, h.handlerFor(name))
	}
}

func (h *DocumentHandlers) handlerFor(name string) orchestrate.Handler {
	return func(ctx context.Context, task *model.Task) ([]model.AssertionInput, error) {
		return h.run(ctx, name, task)
	}
}

func (h *DocumentHandlers) run(ctx context.Context, name string, task *model.Task) ([]model.AssertionInput, error) {
	if task.SourceRef == "" {
		// Cadence polls without a document reference have nothing to
		// extract yet; the next event for this entity will carry one.
		zap.L().Debug("handlers: poll task without source ref",
			zap.String("entity_id", task.EntityID),
			zap.String("handler", name),
		)
		return nil, nil
	}

	body, err := h.fetch.Fetch(ctx, task.SourceRef)
	if err != nil {
		return nil, eris.Wrapf(err, "handlers: fetch %s", task.SourceRef)
	}

	// Malformed documents will not improve on retry.
	var doc document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, resilience.Permanent(eris.Wrapf(err, "handlers: parse document %s", task.DocumentID))
	}
	if doc.Type == "" {
		return nil, resilience.Permanent(eris.Errorf("handlers: document %s missing type", task.DocumentID))
	}

	var docDate *time.Time
	if doc.DocumentDate != "" {
		d, err := time.Parse("2006-01-02", doc.DocumentDate)
		if err != nil {
			return nil, resilience.Permanent(eris.Wrapf(err, "handlers: document date %q", doc.DocumentDate))
		}
		docDate = &d
	}

	if _, ok := statusHandlers[name]; ok {
		return statusInputs(name, doc, docDate)
	}

	var inputs []model.AssertionInput
	for _, field := range fieldsByHandler[name] {
		v, ok := doc.Attributes[field]
		if !ok {
			continue
		}
		inputs = append(inputs, model.AssertionInput{
			Attribute:    field,
			Value:        v,
			SourceKind:   doc.Type,
			DocumentDate: docDate,
		})
	}
	return inputs, nil
}

func statusInputs(name string, doc document, docDate *time.Time) ([]model.AssertionInput, error) {
	status := model.Status(doc.Status)
	if name == classify.HandlerCompletion {
		// Completion filings are status-bearing by definition.
		if status == "" {
			status = model.StatusCompleted
		}
	}
	if status == "" {
		return nil, nil
	}
	if !status.Valid() {
		return nil, resilience.Permanent(eris.Errorf("handlers: unknown status %q", doc.Status))
	}
	return []model.AssertionInput{{
		Status:       status,
		SourceKind:   doc.Type,
		DocumentDate: docDate,
	}}, nil
}
