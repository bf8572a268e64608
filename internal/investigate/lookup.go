package investigate

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/monitor-cli/internal/fetcher"
	"github.com/sells-group/monitor-cli/internal/model"
	"github.com/sells-group/monitor-cli/internal/store"
	"github.com/sells-group/monitor-cli/pkg/reasoner"
)

// Lookup executes one verification step against external collaborators and
// returns structured evidence. Steps the lookup does not understand return
// an error; the engine records that as non-supporting evidence rather than
// aborting the case.
type Lookup interface {
	Run(ctx context.Context, step string, c reasoner.Context) (model.Evidence, error)
}

// LedgerLookup answers verification steps from the source ledger and, when
// a fetcher is wired, by refetching documents.
type LedgerLookup struct {
	store store.Store
	fetch fetcher.DocumentFetcher
}

func NewLedgerLookup(st store.Store, fetch fetcher.DocumentFetcher) *LedgerLookup {
	return &LedgerLookup{store: st, fetch: fetch}
}

func (l *LedgerLookup) Run(ctx context.Context, step string, c reasoner.Context) (model.Evidence, error) {
	ev := model.Evidence{Step: step, CollectedAt: time.Now().UTC()}

	switch step {
	case "inspect ledger ordering for the attribute":
		return l.inspectOrdering(ctx, c, ev)
	case "inspect document dates in the ledger":
		return l.inspectDates(ctx, c, ev)
	case "compare magnitudes across recent assertions":
		return l.compareMagnitudes(ctx, c, ev)
	case "inspect lifecycle audit for the entity":
		return l.inspectLifecycle(ctx, c, ev)
	case "inspect last handler error":
		return l.lastHandlerError(ctx, c, ev)
	case "refetch source document", "refetch highest-rank document":
		return l.refetch(ctx, c, ev)
	default:
		return ev, eris.Errorf("investigate: unknown verification step %q", step)
	}
}

// inspectOrdering flags an accepted lower-rank assertion arriving after a
// higher-rank one for the same attribute.
func (l *LedgerLookup) inspectOrdering(ctx context.Context, c reasoner.Context, ev model.Evidence) (model.Evidence, error) {
	ledger, err := l.store.ListAssertions(ctx, c.EntityID, c.Anomaly.Attribute)
	if err != nil {
		return ev, eris.Wrap(err, "investigate: list assertions")
	}

	maxRank := 0
	for _, a := range ledger {
		if !a.Accepted {
			continue
		}
		if a.SourceRank < maxRank {
			ev.Result = fmt.Sprintf("accepted rank-%d assertion after rank-%d for %s", a.SourceRank, maxRank, c.Anomaly.Attribute)
			ev.Supports = true
			return ev, nil
		}
		if a.SourceRank > maxRank {
			maxRank = a.SourceRank
		}
	}
	ev.Result = "ledger ordering consistent with rank precedence"
	return ev, nil
}

// inspectDates flags document dates in the future or regressing within the
// same rank.
func (l *LedgerLookup) inspectDates(ctx context.Context, c reasoner.Context, ev model.Evidence) (model.Evidence, error) {
	ledger, err := l.store.ListAssertions(ctx, c.EntityID, c.Anomaly.Attribute)
	if err != nil {
		return ev, eris.Wrap(err, "investigate: list assertions")
	}

	now := time.Now().UTC()
	for _, a := range ledger {
		if a.DocumentDate != nil && a.DocumentDate.After(now.Add(24*time.Hour)) {
			ev.Result = fmt.Sprintf("assertion %s dated in the future: %s", a.ID, a.DocumentDate.Format(time.RFC3339))
			ev.Supports = true
			return ev, nil
		}
	}
	ev.Result = "no future-dated or regressing documents"
	return ev, nil
}

// compareMagnitudes looks for order-of-magnitude jumps between consecutive
// accepted numeric assertions, the signature of a units mismatch.
func (l *LedgerLookup) compareMagnitudes(ctx context.Context, c reasoner.Context, ev model.Evidence) (model.Evidence, error) {
	ledger, err := l.store.ListAssertions(ctx, c.EntityID, c.Anomaly.Attribute)
	if err != nil {
		return ev, eris.Wrap(err, "investigate: list assertions")
	}

	var prev float64
	havePrev := false
	for _, a := range ledger {
		if !a.Accepted {
			continue
		}
		v, ok := a.Value.(float64)
		if !ok {
			continue
		}
		if havePrev && prev != 0 {
			ratio := v / prev
			if ratio >= 100 || (ratio > 0 && ratio <= 0.01) {
				ev.Result = fmt.Sprintf("magnitude jump x%.0f between consecutive assertions for %s", ratio, c.Anomaly.Attribute)
				ev.Supports = true
				return ev, nil
			}
		}
		prev = v
		havePrev = true
	}
	ev.Result = "magnitudes consistent across accepted assertions"
	return ev, nil
}

// inspectLifecycle reports the entity's latest recorded transition. A
// transition that superseded conflicting proposals, or a terminal status,
// supports lifecycle-related hypotheses.
func (l *LedgerLookup) inspectLifecycle(ctx context.Context, c reasoner.Context, ev model.Evidence) (model.Evidence, error) {
	audits, err := l.store.ListLifecycleAudits(ctx, c.EntityID)
	if err != nil {
		return ev, eris.Wrap(err, "investigate: list lifecycle audits")
	}
	if len(audits) == 0 {
		ev.Result = fmt.Sprintf("entity %s currently %s with no recorded transitions", c.EntityID, c.Status)
		ev.Supports = c.Status.IsTerminal()
		return ev, nil
	}
	last := audits[len(audits)-1]
	ev.Result = fmt.Sprintf("last transition %s -> %s via %s (%d superseded)", last.From, last.To, last.Trigger, len(last.Superseded))
	ev.Supports = len(last.Superseded) > 0 || c.Status.IsTerminal()
	return ev, nil
}

func (l *LedgerLookup) lastHandlerError(ctx context.Context, c reasoner.Context, ev model.Evidence) (model.Evidence, error) {
	failed, err := l.store.ListFailedTasks(ctx, 50)
	if err != nil {
		return ev, eris.Wrap(err, "investigate: list failed tasks")
	}
	for _, f := range failed {
		if f.EntityID == c.EntityID && (c.Anomaly.Handler == "" || f.Handler == c.Anomaly.Handler) {
			ev.Result = fmt.Sprintf("handler %s failed %d times: %s", f.Handler, f.Attempts, f.LastError)
			ev.Supports = true
			return ev, nil
		}
	}
	ev.Result = "no recorded handler failures for entity"
	return ev, nil
}

func (l *LedgerLookup) refetch(ctx context.Context, c reasoner.Context, ev model.Evidence) (model.Evidence, error) {
	if l.fetch == nil {
		ev.Result = "no document fetcher wired"
		return ev, nil
	}
	ledger, err := l.store.ListAssertions(ctx, c.EntityID, c.Anomaly.Attribute)
	if err != nil {
		return ev, eris.Wrap(err, "investigate: list assertions")
	}

	// Highest-rank accepted assertion names the document worth refetching.
	// The assertion rows carry no source ref, so this step only confirms
	// reachability of whatever the anomaly itself pointed at.
	ref, _ := c.Anomaly.Details["source_ref"].(string)
	if ref == "" {
		ev.Result = fmt.Sprintf("no source ref on anomaly; ledger has %d assertions", len(ledger))
		return ev, nil
	}
	body, err := l.fetch.Fetch(ctx, ref)
	if err != nil {
		ev.Result = fmt.Sprintf("refetch failed: %v", err)
		ev.Supports = true
		return ev, nil
	}
	ev.Result = fmt.Sprintf("refetched %s (%d bytes)", ref, len(body))
	return ev, nil
}
