package main

import (
	"context"
	"os"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/monitor-cli/internal/classify"
	"github.com/sells-group/monitor-cli/internal/fetcher"
	"github.com/sells-group/monitor-cli/internal/handlers"
	"github.com/sells-group/monitor-cli/internal/investigate"
	"github.com/sells-group/monitor-cli/internal/notify"
	"github.com/sells-group/monitor-cli/internal/orchestrate"
	"github.com/sells-group/monitor-cli/internal/reconcile"
	"github.com/sells-group/monitor-cli/internal/store"
	"github.com/sells-group/monitor-cli/pkg/reasoner"
)

// env wires the full daemon: store, reconciliation engine, orchestrator,
// and investigation engine. Read-only commands use openStore directly.
type env struct {
	Store        store.Store
	Classifier   *classify.Classifier
	Reconcile    *reconcile.Engine
	Orchestrator *orchestrate.Orchestrator
	Investigator *investigate.Engine
}

func (e *env) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// openStore picks the backend by config and runs migrations.
func openStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL)
	case "sqlite", "":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
	if err != nil {
		return nil, eris.Wrap(err, "open store")
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

func initEnv(ctx context.Context) (*env, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	ranks := reconcile.DefaultRankTable()
	if path := cfg.Reconcile.RankTablePath; path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			ranks, err = reconcile.LoadRankTable(path)
			if err != nil {
				st.Close() //nolint:errcheck
				return nil, err
			}
		} else {
			zap.L().Warn("rank table file missing, using built-in defaults",
				zap.String("path", path),
			)
		}
	}

	// A cycle in the computed-attribute graph is a programming error; fail
	// at startup, not on the first write.
	graph, err := reconcile.NewGraph(reconcile.DefaultComputedAttrs())
	if err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	invariants := reconcile.NewInvariantRegistry()
	for _, inv := range reconcile.DefaultInvariants() {
		invariants.Register(inv)
	}
	rec := reconcile.NewEngine(st, ranks, graph, invariants, cfg.Investigate.QueueSize)

	fetch := fetcher.NewHTTPFetcher(cfg.Fetcher)
	windows := orchestrate.NewWindows(cfg.Polling)
	orch := orchestrate.New(rec, st, windows, cfg.Orchestrate)
	handlers.New(fetch).RegisterAll(orch)

	classifier := classify.New(nil, 0)
	if err := orch.ValidateHandlers(classify.Handlers()); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	orch.SetPollHandlers(classify.Handlers())

	var rsn reasoner.Reasoner
	if cfg.Anthropic.Key != "" {
		rsn = reasoner.NewAnthropicReasoner(cfg.Anthropic, cfg.Investigate.MaxHypotheses)
	}
	notifier := notify.NewWebhookNotifier(cfg.Notify)
	lookup := investigate.NewLedgerLookup(st, fetch)
	inv := investigate.New(st, rec, rsn, lookup, notifier, cfg.Investigate)

	return &env{
		Store:        st,
		Classifier:   classifier,
		Reconcile:    rec,
		Orchestrator: orch,
		Investigator: inv,
	}, nil
}
